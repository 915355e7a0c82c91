// Package signaling relays opaque WebRTC handshake payloads between members of
// a pairing room. Each room runs on its own actor; members are addressed by
// pairing code and a payload only ever reaches its named target.
package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"meshcoord/actor"
	"meshcoord/apperr"
	"meshcoord/crypto"
	"meshcoord/models"
)

const (
	DefaultMaxMembers  = 8
	DefaultMaxRooms    = 1024
	DefaultMaxPayload  = 64 << 10
	codeGenerateTries  = 8
	roomActorKeyPrefix = "room/"

	// TypeSignal is the frame type delivered to a relay target.
	TypeSignal = "signal"
)

// Member is a live connection that can join a room.
type Member interface {
	ID() string
	Send(v any) error
}

// Delivery is the frame sent to the target of a relay.
type Delivery struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Config tunes a Manager.
type Config struct {
	MaxMembers int
	MaxRooms   int
	MaxPayload int
	Logger     *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxMembers <= 0 {
		c.MaxMembers = DefaultMaxMembers
	}
	if c.MaxRooms <= 0 {
		c.MaxRooms = DefaultMaxRooms
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Manager tracks live rooms. A room's actor is removed when its last
// connection leaves.
type Manager struct {
	cfg Config
	sys *actor.System

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager creates a Manager whose rooms run on sys.
func NewManager(sys *actor.System, cfg Config) *Manager {
	return &Manager{
		cfg:   cfg.withDefaults(),
		sys:   sys,
		rooms: make(map[string]*Room),
	}
}

// Len returns the number of live rooms.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Join attaches a connection to the named room, creating it on first use.
// Every successful Join must be paired with a Leave.
func (m *Manager) Join(name string) (*Room, error) {
	if err := models.ValidateID("room", name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[name]
	if !ok {
		if len(m.rooms) >= m.cfg.MaxRooms {
			return nil, apperr.Unavailable("too many rooms")
		}
		a, err := m.sys.Get(roomActorKeyPrefix + name)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		room = &Room{
			name:    name,
			cfg:     m.cfg,
			actor:   a,
			members: make(map[string]Member),
			codes:   make(map[string]string),
		}
		m.rooms[name] = room
	}
	if room.attached >= m.cfg.MaxMembers {
		return nil, apperr.Limit("room full")
	}
	room.attached++
	return room, nil
}

// Leave unregisters connID from room and drops the room once nobody is
// attached. It must not be called from inside a room turn.
func (m *Manager) Leave(ctx context.Context, room *Room, connID string) {
	if err := room.Unregister(ctx, connID); err != nil {
		m.cfg.Logger.Debug("unregister from room", zap.String("room", room.name), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	room.attached--
	if room.attached > 0 {
		return
	}
	if m.rooms[room.name] == room {
		delete(m.rooms, room.name)
		m.sys.Remove(roomActorKeyPrefix + room.name)
	}
}

// Room is one pairing room. Its maps are touched only inside its actor.
type Room struct {
	name  string
	cfg   Config
	actor *actor.Actor

	// guarded by Manager.mu
	attached int

	members map[string]Member // code -> member
	codes   map[string]string // conn id -> code
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Register adds member under code, generating a code when code is empty.
// It returns the code in use.
func (r *Room) Register(ctx context.Context, code string, member Member) (string, error) {
	if code != "" {
		if err := models.ValidatePairingCode(code); err != nil {
			return "", err
		}
	}

	var out string
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		if existing, ok := r.codes[member.ID()]; ok {
			if code == "" || code == existing {
				out = existing
				return nil
			}
			return apperr.Auth("connection already registered")
		}
		if len(r.members) >= r.cfg.MaxMembers {
			return apperr.Limit("room full")
		}

		if code == "" {
			generated, err := r.generateCode()
			if err != nil {
				return err
			}
			code = generated
		} else if _, taken := r.members[code]; taken {
			return apperr.Auth("code in use")
		}

		r.members[code] = member
		r.codes[member.ID()] = code
		out = code
		r.cfg.Logger.Debug("pairing member registered",
			zap.String("room", r.name),
			zap.String("code", crypto.Fingerprint(code)),
		)
		return nil
	})
	return out, err
}

// GenerateCode returns a code not currently used in the room.
func (r *Room) GenerateCode(ctx context.Context) (string, error) {
	var out string
	err := r.actor.Do(ctx, func(context.Context) error {
		var err error
		out, err = r.generateCode()
		return err
	})
	return out, err
}

func (r *Room) generateCode() (string, error) {
	for i := 0; i < codeGenerateTries; i++ {
		code, err := crypto.PairingCode()
		if err != nil {
			return "", apperr.Internal(err)
		}
		if _, taken := r.members[code]; !taken {
			return code, nil
		}
	}
	return "", apperr.Unavailable("no pairing code available")
}

// Relay sends payload from the member registered on fromConnID to the member
// registered under targetCode, and to no one else.
func (r *Room) Relay(ctx context.Context, fromConnID, targetCode string, payload json.RawMessage) error {
	if len(payload) > r.cfg.MaxPayload {
		return apperr.TooLarge("payload too large")
	}
	if len(payload) == 0 {
		return apperr.Validation("missing payload")
	}
	if err := models.ValidatePairingCode(targetCode); err != nil {
		return err
	}

	return r.actor.Do(ctx, func(context.Context) error {
		from, ok := r.codes[fromConnID]
		if !ok {
			return apperr.Auth("not registered")
		}
		target, ok := r.members[targetCode]
		if !ok {
			return apperr.NotFound("peer not found")
		}
		if err := target.Send(Delivery{Type: TypeSignal, From: from, Payload: payload}); err != nil {
			r.cfg.Logger.Info("signal delivery failed",
				zap.String("room", r.name),
				zap.String("target", crypto.Fingerprint(targetCode)),
				zap.Error(err),
			)
			return apperr.Unavailable("peer unavailable")
		}
		return nil
	})
}

// Unregister removes the member registered on connID, if any.
func (r *Room) Unregister(ctx context.Context, connID string) error {
	return r.actor.Do(ctx, func(context.Context) error {
		code, ok := r.codes[connID]
		if !ok {
			return nil
		}
		delete(r.codes, connID)
		delete(r.members, code)
		return nil
	})
}

// Members returns the number of registered members.
func (r *Room) Members(ctx context.Context) (int, error) {
	var n int
	err := r.actor.Do(ctx, func(context.Context) error {
		n = len(r.members)
		return nil
	})
	return n, err
}
