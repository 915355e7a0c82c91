// Package rendezvous keeps short-lived bootstrap records that let two peers
// exchange a connection endpoint through a shared token. A token is single
// use: the first successful lookup consumes it.
package rendezvous

import (
	"context"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"meshcoord/actor"
	"meshcoord/apperr"
	"meshcoord/models"
)

const (
	// ActorKey is the key of the global rendezvous actor.
	ActorKey = "rendezvous"

	DefaultTTL            = 5 * time.Minute
	DefaultMaxPerOwner    = 16
	DefaultMaxEndpointLen = 512
	DefaultSweepInterval  = time.Minute

	entryPrefix = "rendezvous"
)

// Config tunes a Registry.
type Config struct {
	TTL            time.Duration
	MaxPerOwner    int
	MaxEndpointLen int
	SweepInterval  time.Duration
	Now            func() time.Time
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxPerOwner <= 0 {
		c.MaxPerOwner = DefaultMaxPerOwner
	}
	if c.MaxEndpointLen <= 0 {
		c.MaxEndpointLen = DefaultMaxEndpointLen
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Registry is the rendezvous registry.
type Registry struct {
	cfg   Config
	actor *actor.Actor

	entries map[string]*models.RendezvousEntry
	byOwner map[string]map[string]struct{}
}

// New creates a registry on a.
func New(a *actor.Actor, cfg Config) *Registry {
	return &Registry{
		cfg:     cfg.withDefaults(),
		actor:   a,
		entries: make(map[string]*models.RendezvousEntry),
		byOwner: make(map[string]map[string]struct{}),
	}
}

// Start restores unexpired entries and schedules the sweep.
func (r *Registry) Start(ctx context.Context) error {
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		entries, err := actor.LoadAll[models.RendezvousEntry](ctx, r.actor.Storage(), entryPrefix, func(key string, err error) {
			r.cfg.Logger.Warn("skip corrupt rendezvous record", zap.String("key", key), zap.Error(err))
		})
		if err != nil {
			return err
		}
		for i := range entries {
			r.add(&entries[i])
		}
		_, err = r.cleanup(ctx)
		return err
	})
	if err != nil {
		return apperr.Internal(err)
	}

	r.actor.Every(r.cfg.SweepInterval, func(ctx context.Context) error {
		_, err := r.cleanup(ctx)
		return err
	})
	return nil
}

// Register publishes endpoint under token for the configured TTL.
func (r *Registry) Register(ctx context.Context, owner, token, endpoint string) (models.RendezvousEntry, error) {
	if err := models.ValidateID("peer id", owner); err != nil {
		return models.RendezvousEntry{}, err
	}
	if err := models.ValidateToken(token); err != nil {
		return models.RendezvousEntry{}, err
	}
	if len(endpoint) == 0 || len(endpoint) > r.cfg.MaxEndpointLen {
		return models.RendezvousEntry{}, apperr.Validation("invalid endpoint")
	}
	if _, err := ma.NewMultiaddr(endpoint); err != nil {
		return models.RendezvousEntry{}, apperr.Validationf(err, "invalid endpoint")
	}

	var out models.RendezvousEntry
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		now := r.cfg.Now()
		if existing, ok := r.entries[token]; ok && !r.expired(existing, now) && existing.Owner != owner {
			return apperr.Auth("token in use")
		}
		r.pruneOwner(ctx, owner, now)
		if _, mine := r.byOwner[owner][token]; !mine && len(r.byOwner[owner]) >= r.cfg.MaxPerOwner {
			return apperr.Limit("too many rendezvous tokens")
		}

		entry := &models.RendezvousEntry{
			Token:     token,
			Endpoint:  endpoint,
			Owner:     owner,
			ExpiresAt: now.Add(r.cfg.TTL).UnixMilli(),
		}
		if err := r.actor.Storage().PutJSON(ctx, entryKey(token), entry); err != nil {
			return apperr.Internal(err)
		}
		r.remove(token)
		r.add(entry)
		out = *entry
		return nil
	})
	return out, err
}

// Lookup returns and consumes the entry for token. Expired or consumed
// tokens are not found.
func (r *Registry) Lookup(ctx context.Context, token string) (models.RendezvousEntry, error) {
	if err := models.ValidateToken(token); err != nil {
		return models.RendezvousEntry{}, err
	}

	var out models.RendezvousEntry
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		entry, ok := r.entries[token]
		if !ok {
			return apperr.NotFound("rendezvous not found")
		}
		expired := r.expired(entry, r.cfg.Now())
		r.remove(token)
		if err := r.actor.Storage().Delete(ctx, entryKey(token)); err != nil {
			r.cfg.Logger.Warn("delete rendezvous record", zap.Error(err))
		}
		if expired {
			return apperr.NotFound("rendezvous not found")
		}
		out = *entry
		return nil
	})
	return out, err
}

// ReleaseOwner removes every entry registered by owner.
func (r *Registry) ReleaseOwner(ctx context.Context, owner string) error {
	return r.actor.Do(ctx, func(ctx context.Context) error {
		tokens := r.byOwner[owner]
		keys := make([]string, 0, len(tokens))
		for token := range tokens {
			keys = append(keys, entryKey(token))
			delete(r.entries, token)
		}
		delete(r.byOwner, owner)
		return r.actor.Storage().DeleteBatch(ctx, keys)
	})
}

// Cleanup removes expired entries.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	var n int
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.cleanup(ctx)
		return err
	})
	return n, err
}

func (r *Registry) cleanup(ctx context.Context) (int, error) {
	now := r.cfg.Now()
	var keys []string
	for token, e := range r.entries {
		if r.expired(e, now) {
			r.remove(token)
			keys = append(keys, entryKey(token))
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return len(keys), r.actor.Storage().DeleteBatch(ctx, keys)
}

// pruneOwner drops owner's expired tokens ahead of the next sweep.
func (r *Registry) pruneOwner(ctx context.Context, owner string, now time.Time) {
	var keys []string
	for token := range r.byOwner[owner] {
		if e := r.entries[token]; e != nil && r.expired(e, now) {
			r.remove(token)
			keys = append(keys, entryKey(token))
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := r.actor.Storage().DeleteBatch(ctx, keys); err != nil {
		r.cfg.Logger.Warn("delete expired rendezvous records", zap.String("peer_id", owner), zap.Error(err))
	}
}

func (r *Registry) expired(e *models.RendezvousEntry, now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

func (r *Registry) add(e *models.RendezvousEntry) {
	r.entries[e.Token] = e
	owned := r.byOwner[e.Owner]
	if owned == nil {
		owned = make(map[string]struct{})
		r.byOwner[e.Owner] = owned
	}
	owned[e.Token] = struct{}{}
}

func (r *Registry) remove(token string) {
	e, ok := r.entries[token]
	if !ok {
		return
	}
	delete(r.entries, token)
	if owned := r.byOwner[e.Owner]; owned != nil {
		delete(owned, token)
		if len(owned) == 0 {
			delete(r.byOwner, e.Owner)
		}
	}
}

func entryKey(token string) string {
	return entryPrefix + "/" + token
}
