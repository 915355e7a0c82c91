package models

// RendezvousEntry is a short-lived bootstrap record.
type RendezvousEntry struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"`
}
