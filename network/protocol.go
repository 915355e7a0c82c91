package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meshcoord/apperr"
	"meshcoord/models"
)

const (
	// DefaultMaxFrameSize caps one mesh WebSocket message (512 KiB).
	DefaultMaxFrameSize = 512 << 10
	// DefaultMaxSignalFrameSize caps one signaling WebSocket message (80 KiB).
	DefaultMaxSignalFrameSize = 80 << 10
	// DefaultMaxConnections caps concurrent mesh connections.
	DefaultMaxConnections = 4096
	// DefaultSendQueueSize bounds outbound frames buffered per connection.
	DefaultSendQueueSize = 64
	// DefaultWriteTimeout bounds one outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultKeepAliveInterval pings idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for a pong.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultHandlerTimeout bounds one dispatched message.
	DefaultHandlerTimeout = 10 * time.Second

	// hardLimitFactor sizes the transport read limit relative to the
	// application frame cap; oversized frames up to it are drained and
	// answered, beyond it the connection is closed.
	hardLimitFactor = 4
)

// Mesh inbound message types.
const (
	TypeRegister           = "register"
	TypeHeartbeat          = "heartbeat"
	TypeUpdateLoad         = "update_load"
	TypeListRelays         = "list_relays"
	TypeChunkAnnounce      = "chunk_announce"
	TypeChunkRequest       = "chunk_request"
	TypeChunkPush          = "chunk_push"
	TypeRegisterRendezvous = "register_rendezvous"
	TypeLookupRendezvous   = "lookup_rendezvous"
)

// Mesh outbound message types.
const (
	TypeRegistered           = "registered"
	TypeHeartbeatOK          = "heartbeat_ok"
	TypeLoadUpdated          = "load_updated"
	TypeRelays               = "relays"
	TypeChunkAnnounced       = "chunk_announced"
	TypeChunkPull            = "chunk_pull"
	TypeChunkData            = "chunk_data"
	TypeChunkPending         = "chunk_pending"
	TypeRendezvousRegistered = "rendezvous_registered"
	TypeRendezvous           = "rendezvous"
	TypeError                = "error"
)

// Signaling message types.
const (
	TypeSignal = "signal"
)

// Error codes beyond the apperr kinds.
const (
	CodeUnknownType      = "unknown_type"
	CodeBadFrame         = "bad_frame"
	CodeFrameTooLarge    = "frame_too_large"
	CodeChunkUnavailable = "chunk_unavailable"
)

var (
	// ErrFrameTooLarge indicates a message exceeds the connection's frame cap.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrBinaryFrame indicates a binary WebSocket message.
	ErrBinaryFrame = errors.New("network: binary frames are not accepted")
	// ErrSendQueueFull indicates a connection is not draining its outbound queue.
	ErrSendQueueFull = errors.New("network: send queue full")
	// ErrConnClosed indicates a send on a closed connection.
	ErrConnClosed = errors.New("network: connection closed")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// RegisterMessage registers the connection as a relay-capable peer.
// MaxConnections is a float so non-integral values can be rejected rather
// than truncated by the decoder.
type RegisterMessage struct {
	Type           string  `json:"type"`
	PeerID         string  `json:"peer_id"`
	MaxConnections float64 `json:"max_connections"`
	PublicKey      string  `json:"public_key"`
}

// UpdateLoadMessage reports the peer's current connection count.
type UpdateLoadMessage struct {
	Type           string  `json:"type"`
	ConnectedCount float64 `json:"connected_count"`
}

// ChunkAnnounceMessage lists chunks the peer can serve.
type ChunkAnnounceMessage struct {
	Type     string   `json:"type"`
	ChunkIDs []string `json:"chunk_ids"`
}

// ChunkRequestMessage asks for a chunk.
type ChunkRequestMessage struct {
	Type    string `json:"type"`
	ChunkID string `json:"chunk_id"`
}

// ChunkPushMessage uploads a chunk payload, usually in answer to chunk_pull.
type ChunkPushMessage struct {
	Type    string `json:"type"`
	ChunkID string `json:"chunk_id"`
	Data    []byte `json:"data"`
}

// RegisterRendezvousMessage publishes an endpoint under a token.
type RegisterRendezvousMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
}

// LookupRendezvousMessage resolves a token.
type LookupRendezvousMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// RegisteredMessage confirms a mesh registration.
type RegisteredMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// LoadMessage answers heartbeat and update_load.
type LoadMessage struct {
	Type           string  `json:"type"`
	ConnectedCount int     `json:"connected_count"`
	Load           float64 `json:"load"`
}

// RelaysMessage lists available relays.
type RelaysMessage struct {
	Type   string             `json:"type"`
	Relays []models.RelayView `json:"relays"`
}

// ChunkAnnouncedMessage confirms an announce.
type ChunkAnnouncedMessage struct {
	Type     string `json:"type"`
	Accepted int    `json:"accepted"`
}

// ChunkPullMessage asks a source to push a chunk.
type ChunkPullMessage struct {
	Type    string `json:"type"`
	ChunkID string `json:"chunk_id"`
}

// ChunkDataMessage delivers a chunk payload.
type ChunkDataMessage struct {
	Type    string `json:"type"`
	ChunkID string `json:"chunk_id"`
	Data    []byte `json:"data"`
}

// ChunkPendingMessage tells a requester its pull was forwarded.
type ChunkPendingMessage struct {
	Type    string `json:"type"`
	ChunkID string `json:"chunk_id"`
	Sources int    `json:"sources"`
}

// RendezvousRegisteredMessage confirms a rendezvous registration.
type RendezvousRegisteredMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// RendezvousMessage answers a lookup.
type RendezvousMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
	PeerID   string `json:"peer_id"`
}

// SignalRegisterMessage joins a pairing room; Code is optional.
type SignalRegisterMessage struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

// SignalMessage relays an opaque payload to Target.
type SignalMessage struct {
	Type    string          `json:"type"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// SignalRegisteredMessage confirms a pairing registration.
type SignalRegisteredMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// ErrorMessage reports protocol errors. Message is always generic.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// ChunkID names the chunk a chunk_unavailable error refers to.
	ChunkID string `json:"chunk_id,omitempty"`
}

// NewErrorMessage converts err to its client-facing frame.
func NewErrorMessage(err error) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: apperr.Code(err), Message: apperr.Public(err)}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

func decodeMessage(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return apperr.Validationf(err, "malformed message")
	}
	return nil
}
