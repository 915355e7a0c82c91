package models

// ServerRecord is a self-registered coordination server.
type ServerRecord struct {
	ServerID  string `json:"server_id"`
	PublicKey string `json:"public_key"`
	Endpoint  string `json:"endpoint"`
	LastSeen  int64  `json:"last_seen"`
	// SignedAt is the timestamp of the newest accepted signed request.
	SignedAt int64 `json:"signed_at,omitempty"`
}
