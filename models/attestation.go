package models

// DeviceRecord is a device whose build token has been verified.
type DeviceRecord struct {
	DeviceID     string `json:"device_id"`
	Version      string `json:"version"`
	Platform     string `json:"platform"`
	BuildHash    string `json:"build_hash"`
	RegisteredAt int64  `json:"registered_at"`
	LastSeen     int64  `json:"last_seen"`
	// VerifiedAt is zero until the device completes a challenge.
	VerifiedAt int64 `json:"verified_at,omitempty"`
}

// NonceChallenge is an outstanding attestation challenge.
type NonceChallenge struct {
	Nonce    string `json:"nonce"`
	DeviceID string `json:"device_id"`
	IssuedAt int64  `json:"issued_at"`
	Regions  []int  `json:"regions"`
}

// ReferenceData holds the region bytes expected from one build.
type ReferenceData struct {
	Platform string   `json:"platform"`
	Version  string   `json:"version"`
	Regions  [][]byte `json:"regions"`
}
