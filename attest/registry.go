// Package attest verifies that client devices run trusted builds. A device
// registers with a build token signed by the build pipeline, answers a nonce
// challenge over regions of its binary, and receives a session token signed
// with a separate key.
package attest

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"regexp"
	"time"

	ds "github.com/ipfs/go-datastore"
	"go.uber.org/zap"

	"meshcoord/actor"
	"meshcoord/apperr"
	"meshcoord/crypto"
	"meshcoord/models"
	"meshcoord/storage"
)

const (
	// ActorKey is the key of the global attestation actor.
	ActorKey = "attest"

	DefaultNonceTTL         = 5 * time.Minute
	DefaultMaxTokenAge      = 30 * 24 * time.Hour
	DefaultClockSkew        = 60 * time.Second
	DefaultSessionTTL       = 24 * time.Hour
	DefaultDeviceTTL        = 90 * 24 * time.Hour
	DefaultMaxOutstanding   = 5
	DefaultMinRegions       = 3
	DefaultMaxRegions       = 8
	DefaultMaxRefRegions    = 64
	DefaultMaxRegionSize    = 64 << 10
	DefaultSweepInterval    = time.Minute
	MaxBuildTokenLength     = 4096
	nonceBytes              = 32
	noncePrefix             = "nonce"
	devicePrefix            = "device"
	referencePrefix         = "reference"
	policyPrefix            = "policy"
	consumedRetentionFactor = 2
)

var (
	// ErrKeyReuse is returned when the build verification key and the session
	// signing key are the same key.
	ErrKeyReuse = errors.New("attest: build verification key must differ from session signing key")

	buildHashRegex = regexp.MustCompile(`^[A-Za-z0-9]{1,128}$`)
)

// NonceJournal remembers consumed nonces so reuse can be told apart from an
// unknown nonce. *storage.Store implements it.
type NonceJournal interface {
	MarkNonceConsumed(nonceKey, deviceID string, consumedAt int64) error
	NonceConsumed(nonceKey string) (bool, error)
	PruneConsumedNonces(cutoffTimestamp int64) (int64, error)
}

// Config tunes a Registry. BuildKey, SessionKey and Journal are required.
type Config struct {
	BuildKey   ed25519.PublicKey
	SessionKey ed25519.PrivateKey
	Journal    NonceJournal

	NonceTTL       time.Duration
	MaxTokenAge    time.Duration
	ClockSkew      time.Duration
	SessionTTL     time.Duration
	DeviceTTL      time.Duration
	MaxOutstanding int
	MinRegions     int
	MaxRegions     int
	MaxRefRegions  int
	MaxRegionSize  int
	SweepInterval  time.Duration

	Now      func() time.Time
	Logger   *zap.Logger
	Security storage.SecurityLog
}

func (c Config) withDefaults() Config {
	if c.NonceTTL <= 0 {
		c.NonceTTL = DefaultNonceTTL
	}
	if c.MaxTokenAge <= 0 {
		c.MaxTokenAge = DefaultMaxTokenAge
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.DeviceTTL <= 0 {
		c.DeviceTTL = DefaultDeviceTTL
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = DefaultMaxOutstanding
	}
	if c.MinRegions <= 0 {
		c.MinRegions = DefaultMinRegions
	}
	if c.MaxRegions < c.MinRegions {
		c.MaxRegions = max(DefaultMaxRegions, c.MinRegions)
	}
	if c.MaxRefRegions <= 0 {
		c.MaxRefRegions = DefaultMaxRefRegions
	}
	if c.MaxRegionSize <= 0 {
		c.MaxRegionSize = DefaultMaxRegionSize
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

// Registry is the attestation registry.
type Registry struct {
	cfg   Config
	actor *actor.Actor

	// device id -> outstanding nonce -> issued at (unix ms), rebuilt from
	// storage on Start.
	outstanding map[string]map[string]int64
}

// Challenge is issued to a device to prove its build.
type Challenge struct {
	Nonce     string `json:"nonce"`
	Regions   []int  `json:"regions"`
	ExpiresAt int64  `json:"expires_at"`
}

// Session is the result of a successful verification.
type Session struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// New creates a registry on a.
func New(a *actor.Actor, cfg Config) (*Registry, error) {
	cfg = cfg.withDefaults()
	if len(cfg.BuildKey) != ed25519.PublicKeySize {
		return nil, errors.New("attest: build verification key is required")
	}
	if len(cfg.SessionKey) != ed25519.PrivateKeySize {
		return nil, errors.New("attest: session signing key is required")
	}
	if crypto.SameKey(cfg.BuildKey, cfg.SessionKey.Public().(ed25519.PublicKey)) {
		return nil, ErrKeyReuse
	}
	if cfg.Journal == nil {
		return nil, errors.New("attest: nonce journal is required")
	}
	return &Registry{
		cfg:         cfg,
		actor:       a,
		outstanding: make(map[string]map[string]int64),
	}, nil
}

// Start rebuilds the outstanding-nonce index and schedules the sweep.
func (r *Registry) Start(ctx context.Context) error {
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		challenges, err := actor.LoadAll[models.NonceChallenge](ctx, r.actor.Storage(), noncePrefix, func(key string, err error) {
			r.cfg.Logger.Warn("skip corrupt challenge record", zap.String("key", key), zap.Error(err))
		})
		if err != nil {
			return err
		}
		for _, ch := range challenges {
			r.track(ch.DeviceID, ch.Nonce, ch.IssuedAt)
		}
		r.cfg.Logger.Info("attestation registry loaded", zap.Int("challenges", len(challenges)))
		return nil
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

// Register verifies a build token and records the device.
func (r *Registry) Register(ctx context.Context, deviceID, buildToken string) (models.DeviceRecord, error) {
	if err := models.ValidateID("device id", deviceID); err != nil {
		return models.DeviceRecord{}, err
	}
	if len(buildToken) == 0 || len(buildToken) > MaxBuildTokenLength {
		return models.DeviceRecord{}, apperr.Validation("invalid build token")
	}

	claims, err := crypto.ParseBuildToken(buildToken, r.cfg.BuildKey)
	if err != nil {
		r.securityEvent(storage.EventBuildTokenRejected, deviceID, map[string]any{"reason": "signature"})
		r.cfg.Logger.Info("build token rejected", zap.String("device_id", deviceID), zap.Error(err))
		return models.DeviceRecord{}, apperr.Auth("invalid build token")
	}

	now := r.cfg.Now()
	if !r.tokenTimeValid(claims.IssuedAt.Time, now) {
		r.securityEvent(storage.EventBuildTokenRejected, deviceID, map[string]any{"reason": "time"})
		return models.DeviceRecord{}, apperr.Auth("invalid build token")
	}
	if err := models.ValidatePlatform(claims.Platform); err != nil {
		return models.DeviceRecord{}, apperr.Auth("invalid build token")
	}
	if _, err := ParseVersion(claims.Version); err != nil {
		return models.DeviceRecord{}, apperr.Auth("invalid build token")
	}
	if !buildHashRegex.MatchString(claims.BuildHash) {
		return models.DeviceRecord{}, apperr.Auth("invalid build token")
	}

	var out models.DeviceRecord
	err = r.actor.Do(ctx, func(ctx context.Context) error {
		if err := r.checkPolicy(ctx, claims.Platform, claims.Version); err != nil {
			return err
		}

		record := models.DeviceRecord{
			DeviceID:     deviceID,
			Version:      claims.Version,
			Platform:     claims.Platform,
			BuildHash:    claims.BuildHash,
			RegisteredAt: now.UnixMilli(),
			LastSeen:     now.UnixMilli(),
		}
		var existing models.DeviceRecord
		switch err := r.actor.Storage().GetJSON(ctx, deviceKey(deviceID), &existing); {
		case err == nil:
			record.RegisteredAt = existing.RegisteredAt
		case !errors.Is(err, ds.ErrNotFound):
			return apperr.Internal(err)
		}

		if err := r.actor.Storage().PutJSON(ctx, deviceKey(deviceID), record); err != nil {
			return apperr.Internal(err)
		}
		out = record
		return nil
	})
	return out, err
}

// tokenTimeValid accepts -skew <= age < maxAge.
func (r *Registry) tokenTimeValid(issuedAt, now time.Time) bool {
	age := now.Sub(issuedAt)
	return age >= -r.cfg.ClockSkew && age < r.cfg.MaxTokenAge
}

// IssueChallenge creates a nonce challenge for a registered device.
func (r *Registry) IssueChallenge(ctx context.Context, deviceID string) (Challenge, error) {
	if err := models.ValidateID("device id", deviceID); err != nil {
		return Challenge{}, err
	}

	var out Challenge
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		var device models.DeviceRecord
		if err := r.actor.Storage().GetJSON(ctx, deviceKey(deviceID), &device); err != nil {
			if errors.Is(err, ds.ErrNotFound) {
				return apperr.NotFound("device not registered")
			}
			return apperr.Internal(err)
		}

		var ref models.ReferenceData
		if err := r.actor.Storage().GetJSON(ctx, referenceKey(device.Platform, device.Version), &ref); err != nil {
			if errors.Is(err, ds.ErrNotFound) {
				return apperr.NotFound("no reference data for build")
			}
			return apperr.Internal(err)
		}

		now := r.cfg.Now()
		if err := r.expireOutstanding(ctx, deviceID, now); err != nil {
			return apperr.Internal(err)
		}
		if len(r.outstanding[deviceID]) >= r.cfg.MaxOutstanding {
			return apperr.Limit("too many outstanding challenges")
		}

		regions, err := crypto.SelectRegions(len(ref.Regions), r.cfg.MinRegions, r.cfg.MaxRegions)
		if err != nil {
			return apperr.Internal(err)
		}
		nonce, err := crypto.RandomToken(nonceBytes)
		if err != nil {
			return apperr.Internal(err)
		}

		ch := models.NonceChallenge{
			Nonce:    nonce,
			DeviceID: deviceID,
			IssuedAt: now.UnixMilli(),
			Regions:  regions,
		}
		if err := r.actor.Storage().PutJSON(ctx, nonceKey(nonce), ch); err != nil {
			return apperr.Internal(err)
		}
		r.track(deviceID, nonce, ch.IssuedAt)

		out = Challenge{
			Nonce:     nonce,
			Regions:   regions,
			ExpiresAt: now.Add(r.cfg.NonceTTL).UnixMilli(),
		}
		return nil
	})
	return out, err
}

// Verify checks the responses to a challenge. The nonce is consumed by the
// attempt whatever its outcome; a second attempt is a replay.
func (r *Registry) Verify(ctx context.Context, nonce string, responses []string) (Session, error) {
	if len(nonce) == 0 || len(nonce) > 64 {
		return Session{}, apperr.Validation("invalid nonce")
	}
	nonceRaw, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil || len(nonceRaw) != nonceBytes {
		return Session{}, apperr.Validation("invalid nonce")
	}
	if len(responses) == 0 || len(responses) > r.cfg.MaxRegions {
		return Session{}, apperr.Validation("invalid responses")
	}
	for _, resp := range responses {
		if len(resp) > 128 {
			return Session{}, apperr.Validation("invalid responses")
		}
	}

	var out Session
	err = r.actor.Do(ctx, func(ctx context.Context) error {
		journalKey := crypto.Digest(nonce)
		consumed, err := r.cfg.Journal.NonceConsumed(journalKey)
		if err != nil {
			return apperr.Internal(err)
		}
		if consumed {
			r.securityEvent(storage.EventNonceReplay, crypto.Fingerprint(nonce), nil)
			return apperr.Replay("challenge already used")
		}

		var ch models.NonceChallenge
		if err := r.actor.Storage().GetJSON(ctx, nonceKey(nonce), &ch); err != nil {
			if errors.Is(err, ds.ErrNotFound) {
				return apperr.Auth("unknown challenge")
			}
			return apperr.Internal(err)
		}

		now := r.cfg.Now()
		if err := r.consume(ctx, ch, journalKey, now); err != nil {
			return apperr.Internal(err)
		}
		if now.Sub(time.UnixMilli(ch.IssuedAt)) > r.cfg.NonceTTL {
			return apperr.Auth("challenge expired")
		}

		var device models.DeviceRecord
		if err := r.actor.Storage().GetJSON(ctx, deviceKey(ch.DeviceID), &device); err != nil {
			if errors.Is(err, ds.ErrNotFound) {
				return apperr.Auth("attestation failed")
			}
			return apperr.Internal(err)
		}
		var ref models.ReferenceData
		if err := r.actor.Storage().GetJSON(ctx, referenceKey(device.Platform, device.Version), &ref); err != nil {
			if errors.Is(err, ds.ErrNotFound) {
				return apperr.Auth("attestation failed")
			}
			return apperr.Internal(err)
		}

		if !r.responsesMatch(nonceRaw, ch.Regions, ref.Regions, responses) {
			r.securityEvent(storage.EventAttestationFailed, ch.DeviceID, map[string]any{
				"platform": device.Platform,
				"version":  device.Version,
			})
			return apperr.Auth("attestation failed")
		}
		if err := r.checkPolicy(ctx, device.Platform, device.Version); err != nil {
			return err
		}

		token, expires, err := crypto.IssueSessionToken(r.cfg.SessionKey, device.DeviceID, device.Platform, device.Version, now, r.cfg.SessionTTL)
		if err != nil {
			return apperr.Internal(err)
		}
		device.LastSeen = now.UnixMilli()
		device.VerifiedAt = now.UnixMilli()
		if err := r.actor.Storage().PutJSON(ctx, deviceKey(device.DeviceID), device); err != nil {
			return apperr.Internal(err)
		}

		out = Session{Token: token, ExpiresAt: expires.UnixMilli()}
		return nil
	})
	return out, err
}

// consume deletes the challenge and journals its nonce.
func (r *Registry) consume(ctx context.Context, ch models.NonceChallenge, journalKey string, now time.Time) error {
	r.untrack(ch.DeviceID, ch.Nonce)
	if err := r.actor.Storage().Delete(ctx, nonceKey(ch.Nonce)); err != nil {
		return err
	}
	return r.cfg.Journal.MarkNonceConsumed(journalKey, ch.DeviceID, now.UnixMilli())
}

// responsesMatch checks every response without stopping at the first
// mismatch.
func (r *Registry) responsesMatch(nonce []byte, selected []int, regions [][]byte, responses []string) bool {
	if len(responses) != len(selected) {
		return false
	}
	ok := true
	for i, idx := range selected {
		if idx < 0 || idx >= len(regions) {
			ok = false
			continue
		}
		expected := crypto.RegionResponse(nonce, regions[idx])
		if !crypto.ResponseMatches(expected, responses[i]) {
			ok = false
		}
	}
	return ok
}

// VerifySession checks a session token issued by this registry.
func (r *Registry) VerifySession(token string) (*crypto.SessionClaims, error) {
	if len(token) == 0 || len(token) > MaxBuildTokenLength {
		return nil, apperr.Auth("invalid session token")
	}
	pub := r.cfg.SessionKey.Public().(ed25519.PublicKey)
	claims, err := crypto.ParseSessionToken(token, pub, r.cfg.Now())
	if err != nil {
		return nil, apperr.Auth("invalid session token")
	}
	return claims, nil
}

// UploadReference stores the region bytes of a build.
func (r *Registry) UploadReference(ctx context.Context, platform, version string, regions [][]byte) error {
	if err := models.ValidatePlatform(platform); err != nil {
		return err
	}
	if _, err := ParseVersion(version); err != nil {
		return err
	}
	if len(regions) < r.cfg.MinRegions {
		return apperr.Validation("too few regions")
	}
	if len(regions) > r.cfg.MaxRefRegions {
		return apperr.TooLarge("too many regions")
	}
	for _, region := range regions {
		if len(region) == 0 {
			return apperr.Validation("empty region")
		}
		if len(region) > r.cfg.MaxRegionSize {
			return apperr.TooLarge("region too large")
		}
	}

	return r.actor.Do(ctx, func(ctx context.Context) error {
		ref := models.ReferenceData{Platform: platform, Version: version, Regions: regions}
		if err := r.actor.Storage().PutJSON(ctx, referenceKey(platform, version), ref); err != nil {
			return apperr.Internal(err)
		}
		r.cfg.Logger.Info("reference data uploaded",
			zap.String("platform", platform),
			zap.String("version", version),
			zap.Int("regions", len(regions)),
		)
		return nil
	})
}

// SetMinimumVersion sets the lowest accepted version for platform.
func (r *Registry) SetMinimumVersion(ctx context.Context, platform, version string) error {
	if err := models.ValidatePlatform(platform); err != nil {
		return err
	}
	if _, err := ParseVersion(version); err != nil {
		return err
	}
	return r.actor.Do(ctx, func(ctx context.Context) error {
		if err := r.actor.Storage().PutJSON(ctx, policyKey(platform), version); err != nil {
			return apperr.Internal(err)
		}
		r.cfg.Logger.Info("minimum version set", zap.String("platform", platform), zap.String("version", version))
		return nil
	})
}

// MinimumVersion returns the policy for platform, empty when none is set.
func (r *Registry) MinimumVersion(ctx context.Context, platform string) (string, error) {
	if err := models.ValidatePlatform(platform); err != nil {
		return "", err
	}
	var out string
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		err := r.actor.Storage().GetJSON(ctx, policyKey(platform), &out)
		if err != nil && !errors.Is(err, ds.ErrNotFound) {
			return apperr.Internal(err)
		}
		return nil
	})
	return out, err
}

func (r *Registry) checkPolicy(ctx context.Context, platform, version string) error {
	var minimum string
	err := r.actor.Storage().GetJSON(ctx, policyKey(platform), &minimum)
	if errors.Is(err, ds.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Internal(err)
	}
	ok, err := VersionAtLeast(version, minimum)
	if err != nil {
		return apperr.Forbidden("version not accepted")
	}
	if !ok {
		return apperr.Forbidden("version not accepted")
	}
	return nil
}

// CleanupStats reports one sweep.
type CleanupStats struct {
	Nonces   int
	Devices  int
	Journal  int64
	Failures int
}

// Cleanup removes expired challenges, inactive devices and old journal
// entries.
func (r *Registry) Cleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	err := r.actor.Do(ctx, func(ctx context.Context) error {
		var err error
		stats, err = r.cleanup(ctx)
		return err
	})
	return stats, err
}

func (r *Registry) cleanup(ctx context.Context) (CleanupStats, error) {
	var (
		stats CleanupStats
		errs  []error
	)
	now := r.cfg.Now()
	st := r.actor.Storage()
	onErr := func(key string, err error) {
		stats.Failures++
		r.cfg.Logger.Warn("skip corrupt record during sweep", zap.String("key", key), zap.Error(err))
	}

	challenges, err := actor.LoadAll[models.NonceChallenge](ctx, st, noncePrefix, onErr)
	if err != nil {
		errs = append(errs, err)
	}
	var nonceKeys []string
	for _, ch := range challenges {
		if now.Sub(time.UnixMilli(ch.IssuedAt)) > r.cfg.NonceTTL {
			r.untrack(ch.DeviceID, ch.Nonce)
			nonceKeys = append(nonceKeys, nonceKey(ch.Nonce))
		}
	}
	if err := st.DeleteBatch(ctx, nonceKeys); err != nil {
		errs = append(errs, err)
	} else {
		stats.Nonces = len(nonceKeys)
	}

	devices, err := actor.LoadAll[models.DeviceRecord](ctx, st, devicePrefix, onErr)
	if err != nil {
		errs = append(errs, err)
	}
	deviceCutoff := now.Add(-r.cfg.DeviceTTL).UnixMilli()
	var deviceKeys []string
	for _, d := range devices {
		if d.LastSeen < deviceCutoff {
			deviceKeys = append(deviceKeys, deviceKey(d.DeviceID))
		}
	}
	if err := st.DeleteBatch(ctx, deviceKeys); err != nil {
		errs = append(errs, err)
	} else {
		stats.Devices = len(deviceKeys)
	}

	journalCutoff := now.Add(-consumedRetentionFactor * r.cfg.NonceTTL).UnixMilli()
	if pruned, err := r.cfg.Journal.PruneConsumedNonces(journalCutoff); err != nil {
		errs = append(errs, err)
	} else {
		stats.Journal = pruned
	}

	if stats.Nonces+stats.Devices > 0 {
		r.cfg.Logger.Info("attestation sweep",
			zap.Int("nonces", stats.Nonces),
			zap.Int("devices", stats.Devices),
			zap.Int64("journal", stats.Journal),
		)
	}
	return stats, errors.Join(errs...)
}

// expireOutstanding drops deviceID's expired challenges ahead of the sweep so
// they do not count against its cap.
func (r *Registry) expireOutstanding(ctx context.Context, deviceID string, now time.Time) error {
	var keys []string
	for nonce, issuedAt := range r.outstanding[deviceID] {
		if now.Sub(time.UnixMilli(issuedAt)) > r.cfg.NonceTTL {
			keys = append(keys, nonceKey(nonce))
			r.untrack(deviceID, nonce)
		}
	}
	return r.actor.Storage().DeleteBatch(ctx, keys)
}

func (r *Registry) track(deviceID, nonce string, issuedAt int64) {
	set := r.outstanding[deviceID]
	if set == nil {
		set = make(map[string]int64)
		r.outstanding[deviceID] = set
	}
	set[nonce] = issuedAt
}

func (r *Registry) untrack(deviceID, nonce string) {
	set := r.outstanding[deviceID]
	delete(set, nonce)
	if len(set) == 0 {
		delete(r.outstanding, deviceID)
	}
}

func (r *Registry) securityEvent(eventType, subject string, details map[string]any) {
	event := storage.NewSecurityEvent(eventType, subject, details)
	if err := r.cfg.Security.LogSecurityEvent(event); err != nil {
		r.cfg.Logger.Warn("record security event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func nonceKey(nonce string) string { return noncePrefix + "/" + nonce }

func deviceKey(id string) string { return devicePrefix + "/" + id }

func policyKey(platform string) string { return policyPrefix + "/" + platform }

func referenceKey(platform, version string) string {
	return referencePrefix + "/" + platform + "/" + version
}
