// Package relay tracks relay-capable peers and their load, and binds peer
// identities to transport connections.
package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"meshcoord/actor"
	"meshcoord/apperr"
	"meshcoord/crypto"
	"meshcoord/models"
	"meshcoord/storage"
)

const (
	// ActorKey is the key of the global relay actor.
	ActorKey = "relay"

	// DefaultStaleThreshold is how long a peer may go without an update.
	DefaultStaleThreshold = 90 * time.Second
	// DefaultSweepInterval is the cleanup cadence.
	DefaultSweepInterval = 30 * time.Second
	// DefaultLoadThreshold is the capacity ratio at which a relay stops being offered.
	DefaultLoadThreshold = 0.5
	// DefaultMaxListed caps relays returned by one listing.
	DefaultMaxListed = 50

	peerPrefix = "peer"
)

// Config tunes a Registry.
type Config struct {
	StaleThreshold time.Duration
	SweepInterval  time.Duration
	LoadThreshold  float64
	MaxListed      int
	Now            func() time.Time
	Logger         *zap.Logger
	Security       storage.SecurityLog
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LoadThreshold <= 0 {
		c.LoadThreshold = DefaultLoadThreshold
	}
	if c.MaxListed <= 0 {
		c.MaxListed = DefaultMaxListed
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Security == nil {
		c.Security = storage.NopSecurityLog{}
	}
	return c
}

// Registry is the relay registry. All state is owned by its actor; exported
// methods enqueue on that actor.
type Registry struct {
	cfg   Config
	actor *actor.Actor

	peers map[string]*models.PeerInfo
	// conn id -> peer id, and the reverse.
	bindings map[string]string
	owners   map[string]string
}

// New creates a registry on a.
func New(a *actor.Actor, cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		actor:    a,
		peers:    make(map[string]*models.PeerInfo),
		bindings: make(map[string]string),
		owners:   make(map[string]string),
	}
}

// Start restores persisted peers and schedules the stale-peer sweep.
// Restored peers are unbound until a connection registers them again with
// the same public key.
func (r *Registry) Start(ctx context.Context) error {
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		peers, err := actor.LoadAll[models.PeerInfo](ctx, r.actor.Storage(), peerPrefix, func(key string, err error) {
			r.cfg.Logger.Warn("skip corrupt peer record", zap.String("key", key), zap.Error(err))
		})
		if err != nil {
			return err
		}
		for i := range peers {
			p := peers[i]
			r.peers[p.PeerID] = &p
		}
		r.cfg.Logger.Info("relay registry loaded", zap.Int("peers", len(r.peers)))
		return nil
	})
	if err != nil {
		return apperr.Internal(err)
	}

	r.actor.Every(r.cfg.SweepInterval, func(ctx context.Context) error {
		_, err := r.cleanup(ctx, r.cfg.StaleThreshold)
		return err
	})
	return nil
}

// RegisterRequest is a relay registration as received from a client.
type RegisterRequest struct {
	PeerID         string
	MaxConnections float64
	PublicKey      string
}

// Register binds peerID to connID and records its capacity. A connection
// can hold one identity, and an identity one live connection.
func (r *Registry) Register(ctx context.Context, connID string, req RegisterRequest) (models.PeerInfo, error) {
	if err := models.ValidateID("peer id", req.PeerID); err != nil {
		return models.PeerInfo{}, err
	}
	maxConns, err := models.ValidateCount("max_connections", req.MaxConnections, models.MinMaxConnections, models.MaxMaxConnections)
	if err != nil {
		return models.PeerInfo{}, err
	}
	if _, err := crypto.ParsePublicKey(req.PublicKey); err != nil {
		return models.PeerInfo{}, apperr.Validationf(err, "invalid public key")
	}

	var out models.PeerInfo
	err = r.actor.Do(ctx, func(ctx context.Context) error {
		if bound, ok := r.bindings[connID]; ok && bound != req.PeerID {
			r.securityEvent(connID, req.PeerID, "rebind")
			return apperr.Auth("connection already registered")
		}
		if owner, ok := r.owners[req.PeerID]; ok && owner != connID {
			r.securityEvent(connID, req.PeerID, "duplicate")
			return apperr.Auth("identity already bound")
		}
		// A peer restored from storage has no live owner; only the key it
		// registered with may reclaim it until the stale sweep drops it.
		if existing, ok := r.peers[req.PeerID]; ok && existing.PublicKey != req.PublicKey {
			if _, owned := r.owners[req.PeerID]; !owned {
				r.securityEvent(connID, req.PeerID, "key_mismatch")
				return apperr.Auth("identity key mismatch")
			}
		}

		peer := &models.PeerInfo{
			PeerID:         req.PeerID,
			PublicKey:      req.PublicKey,
			MaxConnections: maxConns,
			LastUpdate:     r.cfg.Now().UnixMilli(),
		}
		if existing, ok := r.peers[req.PeerID]; ok && existing.PublicKey == req.PublicKey {
			peer.ConnectedCount = existing.ConnectedCount
		}
		if err := r.actor.Storage().PutJSON(ctx, peerKey(peer.PeerID), peer); err != nil {
			return apperr.Internal(err)
		}

		r.peers[peer.PeerID] = peer
		r.bindings[connID] = peer.PeerID
		r.owners[peer.PeerID] = connID
		out = *peer
		return nil
	})
	return out, err
}

// UpdateLoad records the bound peer's current connection count.
func (r *Registry) UpdateLoad(ctx context.Context, connID string, connectedCount float64) (models.PeerInfo, error) {
	count, err := models.ValidateCount("connected_count", connectedCount, models.MinConnectedCount, models.MaxConnectedCount)
	if err != nil {
		return models.PeerInfo{}, err
	}
	return r.touch(ctx, connID, func(p *models.PeerInfo) {
		p.ConnectedCount = count
	})
}

// Heartbeat refreshes the bound peer's last update time.
func (r *Registry) Heartbeat(ctx context.Context, connID string) (models.PeerInfo, error) {
	return r.touch(ctx, connID, func(*models.PeerInfo) {})
}

func (r *Registry) touch(ctx context.Context, connID string, mutate func(*models.PeerInfo)) (models.PeerInfo, error) {
	var out models.PeerInfo
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		peer, ok := r.boundPeer(connID)
		if !ok {
			return apperr.Auth("not registered")
		}
		next := *peer
		mutate(&next)
		next.LastUpdate = r.cfg.Now().UnixMilli()
		if err := r.actor.Storage().PutJSON(ctx, peerKey(next.PeerID), &next); err != nil {
			return apperr.Internal(err)
		}
		*peer = next
		out = next
		return nil
	})
	return out, err
}

// Unregister releases connID's identity and removes its peer entry.
func (r *Registry) Unregister(ctx context.Context, connID string) error {
	return r.actor.Do(ctx, func(ctx context.Context) error {
		peerID, ok := r.bindings[connID]
		if !ok {
			return nil
		}
		delete(r.bindings, connID)
		delete(r.owners, peerID)
		delete(r.peers, peerID)
		if err := r.actor.Storage().Delete(ctx, peerKey(peerID)); err != nil {
			r.cfg.Logger.Warn("delete peer record", zap.String("peer_id", peerID), zap.Error(err))
		}
		return nil
	})
}

// BoundPeer returns the identity bound to connID.
func (r *Registry) BoundPeer(ctx context.Context, connID string) (string, bool, error) {
	var (
		peerID string
		ok     bool
	)
	err := r.actor.Do(ctx, func(context.Context) error {
		peerID, ok = r.bindings[connID]
		return nil
	})
	return peerID, ok, err
}

// ConnFor returns the connection currently bound to peerID.
func (r *Registry) ConnFor(ctx context.Context, peerID string) (string, bool, error) {
	var (
		connID string
		ok     bool
	)
	err := r.actor.Do(ctx, func(context.Context) error {
		connID, ok = r.owners[peerID]
		return nil
	})
	return connID, ok, err
}

// Lookup returns a tracked peer.
func (r *Registry) Lookup(ctx context.Context, peerID string) (models.PeerInfo, bool, error) {
	var (
		out models.PeerInfo
		ok  bool
	)
	err := r.actor.Do(ctx, func(context.Context) error {
		var p *models.PeerInfo
		p, ok = r.peers[peerID]
		if ok {
			out = *p
		}
		return nil
	})
	return out, ok, err
}

// ListAvailable returns fresh peers below the load threshold in random order.
func (r *Registry) ListAvailable(ctx context.Context) ([]models.RelayView, error) {
	var out []models.RelayView
	err := r.actor.Do(ctx, func(context.Context) error {
		cutoff := r.cfg.Now().Add(-r.cfg.StaleThreshold).UnixMilli()
		out = make([]models.RelayView, 0, len(r.peers))
		for _, p := range r.peers {
			if p.LastUpdate < cutoff {
				continue
			}
			if p.CapacityRatio() >= r.cfg.LoadThreshold {
				continue
			}
			out = append(out, p.View())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := crypto.Shuffle(out); err != nil {
		return nil, apperr.Internal(err)
	}
	if len(out) > r.cfg.MaxListed {
		out = out[:r.cfg.MaxListed]
	}
	return out, nil
}

// Cleanup removes peers not updated within maxAge and returns how many
// were removed.
func (r *Registry) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	var n int
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.cleanup(ctx, maxAge)
		return err
	})
	return n, err
}

func (r *Registry) cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := r.cfg.Now().Add(-maxAge).UnixMilli()
	stale := make([]string, 0)
	for id, p := range r.peers {
		if p.LastUpdate < cutoff {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(stale))
	for _, id := range stale {
		delete(r.peers, id)
		if connID, ok := r.owners[id]; ok {
			delete(r.bindings, connID)
			delete(r.owners, id)
		}
		keys = append(keys, peerKey(id))
	}
	r.cfg.Logger.Info("reaped stale relays", zap.Int("count", len(stale)))

	if err := r.actor.Storage().DeleteBatch(ctx, keys); err != nil {
		return len(stale), err
	}
	return len(stale), nil
}

func (r *Registry) boundPeer(connID string) (*models.PeerInfo, bool) {
	peerID, ok := r.bindings[connID]
	if !ok {
		return nil, false
	}
	peer, ok := r.peers[peerID]
	return peer, ok
}

func (r *Registry) securityEvent(connID, claimed, reason string) {
	r.cfg.Logger.Warn("rejected identity claim",
		zap.String("conn_id", connID),
		zap.String("peer_id", claimed),
		zap.String("reason", reason),
	)
	event := storage.NewSecurityEvent(storage.EventIdentitySpoof, claimed, map[string]any{
		"conn_id": connID,
		"reason":  reason,
	})
	if err := r.cfg.Security.LogSecurityEvent(event); err != nil && !errors.Is(err, context.Canceled) {
		r.cfg.Logger.Warn("record security event", zap.Error(err))
	}
}

func peerKey(id string) string {
	return peerPrefix + "/" + id
}
