// Package servers keeps the directory of coordination servers. Servers
// register an Ed25519 key and then prove ownership of it on every heartbeat
// and deletion.
package servers

import (
	"context"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"meshcoord/actor"
	"meshcoord/apperr"
	"meshcoord/crypto"
	"meshcoord/models"
	"meshcoord/storage"
)

const (
	// ActorKey is the key of the server directory actor.
	ActorKey = "servers"

	DefaultTTL            = 5 * time.Minute
	DefaultMaxSkew        = 2 * time.Minute
	DefaultMaxServers     = 1024
	DefaultMaxEndpointLen = 512
	DefaultSweepInterval  = time.Minute

	serverPrefix = "server"
)

// Signed request actions.
const (
	ActionHeartbeat = "heartbeat"
	ActionDelete    = "delete"
)

// Config tunes a Directory.
type Config struct {
	TTL           time.Duration
	MaxSkew       time.Duration
	MaxServers    int
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
	Security      storage.SecurityLog
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxSkew <= 0 {
		c.MaxSkew = DefaultMaxSkew
	}
	if c.MaxServers <= 0 {
		c.MaxServers = DefaultMaxServers
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
	if c.Security == nil {
		c.Security = storage.NopSecurityLog{}
	}
	return c
}

// Directory is the server directory.
type Directory struct {
	cfg   Config
	actor *actor.Actor

	servers map[string]*models.ServerRecord
}

// New creates a directory on a.
func New(a *actor.Actor, cfg Config) *Directory {
	return &Directory{
		cfg:     cfg.withDefaults(),
		actor:   a,
		servers: make(map[string]*models.ServerRecord),
	}
}

// Start restores persisted records and schedules the sweep.
func (d *Directory) Start(ctx context.Context) error {
	err := d.actor.Do(ctx, func(ctx context.Context) error {
		records, err := actor.LoadAll[models.ServerRecord](ctx, d.actor.Storage(), serverPrefix, func(key string, err error) {
			d.cfg.Logger.Warn("skip corrupt server record", zap.String("key", key), zap.Error(err))
		})
		if err != nil {
			return err
		}
		for i := range records {
			rec := records[i]
			d.servers[rec.ServerID] = &rec
		}
		_, err = d.cleanup(ctx)
		return err
	})
	if err != nil {
		return apperr.Internal(err)
	}

	d.actor.Every(d.cfg.SweepInterval, func(ctx context.Context) error {
		_, err := d.cleanup(ctx)
		return err
	})
	return nil
}

// Register records a server. An id whose record is still live can only be
// re-registered with the same key.
func (d *Directory) Register(ctx context.Context, id, publicKey, endpoint string) (models.ServerRecord, error) {
	if err := models.ValidateID("server id", id); err != nil {
		return models.ServerRecord{}, err
	}
	if _, err := crypto.ParsePublicKey(publicKey); err != nil {
		return models.ServerRecord{}, apperr.Validationf(err, "invalid public key")
	}
	if err := validateEndpoint(endpoint); err != nil {
		return models.ServerRecord{}, err
	}

	var out models.ServerRecord
	err := d.actor.Do(ctx, func(ctx context.Context) error {
		now := d.cfg.Now()
		existing, ok := d.servers[id]
		live := ok && !d.expired(existing, now)
		if live && existing.PublicKey != publicKey {
			d.securityEvent(id, "key_mismatch")
			return apperr.Auth("server id in use")
		}
		if !live && len(d.servers) >= d.cfg.MaxServers {
			if _, err := d.cleanup(ctx); err != nil {
				d.cfg.Logger.Warn("server sweep", zap.Error(err))
			}
			if len(d.servers) >= d.cfg.MaxServers {
				return apperr.Unavailable("server directory full")
			}
		}

		rec := &models.ServerRecord{
			ServerID:  id,
			PublicKey: publicKey,
			Endpoint:  endpoint,
			LastSeen:  now.UnixMilli(),
		}
		if live {
			rec.SignedAt = existing.SignedAt
		}
		if err := d.actor.Storage().PutJSON(ctx, serverKey(id), rec); err != nil {
			return apperr.Internal(err)
		}
		d.servers[id] = rec
		out = *rec
		d.cfg.Logger.Info("server registered", zap.String("server_id", id), zap.String("endpoint", endpoint))
		return nil
	})
	return out, err
}

// Heartbeat refreshes a server after checking its signature over
// "heartbeat:<id>:<ts>".
func (d *Directory) Heartbeat(ctx context.Context, id string, ts int64, signature string) (models.ServerRecord, error) {
	if err := models.ValidateID("server id", id); err != nil {
		return models.ServerRecord{}, err
	}

	var out models.ServerRecord
	err := d.actor.Do(ctx, func(ctx context.Context) error {
		rec, err := d.authorize(ActionHeartbeat, id, ts, signature)
		if err != nil {
			return err
		}
		next := *rec
		next.LastSeen = d.cfg.Now().UnixMilli()
		next.SignedAt = ts
		if err := d.actor.Storage().PutJSON(ctx, serverKey(id), &next); err != nil {
			return apperr.Internal(err)
		}
		*rec = next
		out = next
		return nil
	})
	return out, err
}

// Delete removes a server after checking its signature over
// "delete:<id>:<ts>".
func (d *Directory) Delete(ctx context.Context, id string, ts int64, signature string) error {
	if err := models.ValidateID("server id", id); err != nil {
		return err
	}
	return d.actor.Do(ctx, func(ctx context.Context) error {
		if _, err := d.authorize(ActionDelete, id, ts, signature); err != nil {
			return err
		}
		if err := d.actor.Storage().Delete(ctx, serverKey(id)); err != nil {
			return apperr.Internal(err)
		}
		delete(d.servers, id)
		d.cfg.Logger.Info("server deleted", zap.String("server_id", id))
		return nil
	})
}

// authorize runs inside the actor.
func (d *Directory) authorize(action, id string, ts int64, signature string) (*models.ServerRecord, error) {
	now := d.cfg.Now()
	rec, ok := d.servers[id]
	if !ok || d.expired(rec, now) {
		return nil, apperr.NotFound("server not found")
	}

	skew := now.Sub(time.UnixMilli(ts))
	if skew < -d.cfg.MaxSkew || skew > d.cfg.MaxSkew {
		return nil, apperr.Auth("stale request")
	}
	if ts <= rec.SignedAt {
		d.securityEvent(id, action+"_replay")
		return nil, apperr.Replay("request already used")
	}

	pub, err := crypto.ParsePublicKey(rec.PublicKey)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !crypto.VerifyBase64(pub, SignedMessage(action, id, ts), signature) {
		d.securityEvent(id, action+"_signature")
		return nil, apperr.Auth("invalid signature")
	}
	return rec, nil
}

// List returns live servers ordered by id, evicting expired ones first.
func (d *Directory) List(ctx context.Context) ([]models.ServerRecord, error) {
	var out []models.ServerRecord
	err := d.actor.Do(ctx, func(ctx context.Context) error {
		if _, err := d.cleanup(ctx); err != nil {
			d.cfg.Logger.Warn("server sweep", zap.Error(err))
		}
		out = make([]models.ServerRecord, 0, len(d.servers))
		for _, rec := range d.servers {
			out = append(out, *rec)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b models.ServerRecord) int {
		return strings.Compare(a.ServerID, b.ServerID)
	})
	return out, err
}

// Cleanup removes expired records.
func (d *Directory) Cleanup(ctx context.Context) (int, error) {
	var n int
	err := d.actor.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = d.cleanup(ctx)
		return err
	})
	return n, err
}

func (d *Directory) cleanup(ctx context.Context) (int, error) {
	now := d.cfg.Now()
	var keys []string
	for id, rec := range d.servers {
		if d.expired(rec, now) {
			delete(d.servers, id)
			keys = append(keys, serverKey(id))
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	d.cfg.Logger.Info("evicted expired servers", zap.Int("count", len(keys)))
	return len(keys), d.actor.Storage().DeleteBatch(ctx, keys)
}

func (d *Directory) expired(rec *models.ServerRecord, now time.Time) bool {
	return now.Sub(time.UnixMilli(rec.LastSeen)) > d.cfg.TTL
}

func (d *Directory) securityEvent(id, reason string) {
	d.cfg.Logger.Warn("rejected server request", zap.String("server_id", id), zap.String("reason", reason))
	event := storage.NewSecurityEvent(storage.EventSignatureRejected, id, map[string]any{
		"reason": reason,
	})
	if err := d.cfg.Security.LogSecurityEvent(event); err != nil {
		d.cfg.Logger.Warn("record security event", zap.Error(err))
	}
}

// SignedMessage is the byte string a server signs for action.
func SignedMessage(action, id string, ts int64) []byte {
	return []byte(action + ":" + id + ":" + strconv.FormatInt(ts, 10))
}

func validateEndpoint(endpoint string) error {
	if len(endpoint) == 0 || len(endpoint) > DefaultMaxEndpointLen {
		return apperr.Validation("invalid endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return apperr.Validationf(err, "invalid endpoint")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return apperr.Validation("invalid endpoint")
	}
	if u.Host == "" || u.User != nil {
		return apperr.Validation("invalid endpoint")
	}
	return nil
}

func serverKey(id string) string {
	return serverPrefix + "/" + id
}
