package models

// PeerInfo is a relay-capable peer tracked by the relay registry.
type PeerInfo struct {
	PeerID         string `json:"peer_id"`
	PublicKey      string `json:"public_key"`
	MaxConnections int    `json:"max_connections"`
	ConnectedCount int    `json:"connected_count"`
	LastUpdate     int64  `json:"last_update"`
}

// CapacityRatio returns connectedCount / maxConnections. MaxConnections is
// validated to be at least 1 before a PeerInfo is stored.
func (p PeerInfo) CapacityRatio() float64 {
	if p.MaxConnections < 1 {
		return 1
	}
	return float64(p.ConnectedCount) / float64(p.MaxConnections)
}

// RelayView is the public listing of an available relay.
type RelayView struct {
	PeerID         string  `json:"peer_id"`
	PublicKey      string  `json:"public_key"`
	MaxConnections int     `json:"max_connections"`
	ConnectedCount int     `json:"connected_count"`
	Load           float64 `json:"load"`
}

// View converts the peer to its public listing.
func (p PeerInfo) View() RelayView {
	return RelayView{
		PeerID:         p.PeerID,
		PublicKey:      p.PublicKey,
		MaxConnections: p.MaxConnections,
		ConnectedCount: p.ConnectedCount,
		Load:           p.CapacityRatio(),
	}
}
