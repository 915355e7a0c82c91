// Package chunks tracks which peers hold which content-addressed chunks and
// keeps a bounded cache of chunk payloads.
package chunks

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshcoord/actor"
	"meshcoord/apperr"
	"meshcoord/crypto"
	"meshcoord/models"
)

const (
	// ActorKey is the key of the global chunk actor.
	ActorKey = "chunks"

	DefaultMaxEntries         = 512
	DefaultMaxBytes           = 32 << 20
	DefaultMaxChunkSize       = 256 << 10
	DefaultMaxAnnounce        = 100
	DefaultSourceTTL          = time.Hour
	DefaultCacheTTL           = 30 * time.Minute
	DefaultPendingTTL         = 2 * time.Minute
	DefaultMaxPendingPerChunk = 32
	DefaultMaxSourcesPerChunk = 256
	DefaultMaxPullTargets     = 3
	DefaultSweepInterval      = time.Minute

	dataPrefix   = "chunk/data"
	sourcePrefix = "chunk/source"
)

// Config tunes an Index.
type Config struct {
	MaxEntries         int
	MaxBytes           int64
	MaxChunkSize       int
	MaxAnnounce        int
	SourceTTL          time.Duration
	CacheTTL           time.Duration
	PendingTTL         time.Duration
	MaxPendingPerChunk int
	MaxSourcesPerChunk int
	MaxPullTargets     int
	SweepInterval      time.Duration
	Now                func() time.Time
	Logger             *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxAnnounce <= 0 {
		c.MaxAnnounce = DefaultMaxAnnounce
	}
	if c.SourceTTL <= 0 {
		c.SourceTTL = DefaultSourceTTL
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.MaxPendingPerChunk <= 0 {
		c.MaxPendingPerChunk = DefaultMaxPendingPerChunk
	}
	if c.MaxSourcesPerChunk <= 0 {
		c.MaxSourcesPerChunk = DefaultMaxSourcesPerChunk
	}
	if c.MaxPullTargets <= 0 {
		c.MaxPullTargets = DefaultMaxPullTargets
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

// Index is the chunk index.
type Index struct {
	cfg   Config
	actor *actor.Actor

	cache      map[string]*models.ChunkEntry
	cacheBytes int64
	nextSeq    uint64

	sources map[string]map[string]int64
	// chunk id -> requester peer id -> requested at (unix ms). Not persisted:
	// requesters are live connections.
	pending map[string]map[string]int64

	onAbandoned atomic.Pointer[func([]Abandoned)]
}

// Abandoned is a pending pull that can no longer be served, either because
// it outlived PendingTTL or because no live source remains.
type Abandoned struct {
	ChunkID   string
	Requester string
}

// Stats is a point-in-time view of index occupancy.
type Stats struct {
	CachedEntries int   `json:"cached_entries"`
	CachedBytes   int64 `json:"cached_bytes"`
	TrackedChunks int   `json:"tracked_chunks"`
	PendingPulls  int   `json:"pending_pulls"`
}

// PullResult is the outcome of a pull request. Exactly one of Data or
// Sources is set.
type PullResult struct {
	Data    []byte
	Sources []string
}

// New creates an index on a.
func New(a *actor.Actor, cfg Config) *Index {
	return &Index{
		cfg:     cfg.withDefaults(),
		actor:   a,
		cache:   make(map[string]*models.ChunkEntry),
		sources: make(map[string]map[string]int64),
		pending: make(map[string]map[string]int64),
	}
}

// Start restores cached chunks and sources, then schedules the sweep.
func (x *Index) Start(ctx context.Context) error {
	err := x.actor.Do(ctx, func(ctx context.Context) error {
		onErr := func(key string, err error) {
			x.cfg.Logger.Warn("skip corrupt chunk record", zap.String("key", key), zap.Error(err))
		}
		entries, err := actor.LoadAll[models.ChunkEntry](ctx, x.actor.Storage(), dataPrefix, onErr)
		if err != nil {
			return err
		}
		for i := range entries {
			e := entries[i]
			x.cache[e.ChunkID] = &e
			x.cacheBytes += int64(len(e.Data))
			if e.Seq >= x.nextSeq {
				x.nextSeq = e.Seq + 1
			}
		}

		srcs, err := actor.LoadAll[models.ChunkSources](ctx, x.actor.Storage(), sourcePrefix, onErr)
		if err != nil {
			return err
		}
		for _, s := range srcs {
			if len(s.Peers) > 0 {
				x.sources[s.ChunkID] = s.Peers
			}
		}

		evicted := x.evict()
		if len(evicted) > 0 {
			if err := x.actor.Storage().DeleteBatch(ctx, dataKeys(evicted)); err != nil {
				return err
			}
		}
		x.cfg.Logger.Info("chunk index loaded",
			zap.Int("cached", len(x.cache)),
			zap.Int64("bytes", x.cacheBytes),
			zap.Int("tracked", len(x.sources)),
		)
		return nil
	})
	if err != nil {
		return apperr.Internal(err)
	}

	x.actor.Every(x.cfg.SweepInterval, func(ctx context.Context) error {
		_, lost, err := x.cleanup(ctx)
		x.abandon(lost)
		return err
	})
	return nil
}

// OnAbandoned sets the handler told about pulls that will never complete.
// It runs on its own goroutine, outside the index actor.
func (x *Index) OnAbandoned(fn func([]Abandoned)) {
	x.onAbandoned.Store(&fn)
}

func (x *Index) abandon(lost []Abandoned) {
	if len(lost) == 0 {
		return
	}
	fn := x.onAbandoned.Load()
	if fn == nil || *fn == nil {
		x.cfg.Logger.Debug("abandoned pulls without handler", zap.Int("count", len(lost)))
		return
	}
	go (*fn)(lost)
}

// Announce records peerID as a source of every chunk in ids.
func (x *Index) Announce(ctx context.Context, peerID string, ids []string) (int, error) {
	if len(ids) > x.cfg.MaxAnnounce {
		return 0, apperr.TooLarge("too many chunk ids")
	}
	if len(ids) == 0 {
		return 0, apperr.Validation("no chunk ids")
	}
	if err := models.ValidateID("peer id", peerID); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := models.ParseChunkID(id); err != nil {
			return 0, err
		}
	}

	err := x.actor.Do(ctx, func(ctx context.Context) error {
		now := x.cfg.Now().UnixMilli()
		updates := make(map[string]any, len(ids))
		for _, id := range ids {
			peers, ok := x.sources[id]
			if !ok {
				peers = make(map[string]int64)
			}
			if _, known := peers[peerID]; !known && len(peers) >= x.cfg.MaxSourcesPerChunk {
				dropOldest(peers)
			}
			peers[peerID] = now
			x.sources[id] = peers
			updates[sourceKey(id)] = models.ChunkSources{ChunkID: id, Peers: peers}
		}
		if err := x.actor.Storage().PutBatchJSON(ctx, updates); err != nil {
			return apperr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CacheChunk stores a verified payload and returns the requesters that were
// waiting for it. Requesters are cleared from the pending set.
func (x *Index) CacheChunk(ctx context.Context, id string, data []byte) ([]string, error) {
	if len(data) > x.cfg.MaxChunkSize {
		return nil, apperr.TooLarge("chunk too large")
	}
	if len(data) == 0 {
		return nil, apperr.Validation("empty chunk")
	}
	c, err := models.ParseChunkID(id)
	if err != nil {
		return nil, err
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !sum.Equals(c) {
		return nil, apperr.Validation("chunk does not match id")
	}

	var waiting []string
	err = x.actor.Do(ctx, func(ctx context.Context) error {
		if _, fresh := x.cached(id); !fresh {
			if stale, ok := x.cache[id]; ok {
				x.cacheBytes -= int64(len(stale.Data))
				delete(x.cache, id)
			}
			entry := &models.ChunkEntry{
				ChunkID:    id,
				Data:       data,
				InsertedAt: x.cfg.Now().UnixMilli(),
				Seq:        x.nextSeq,
			}
			if err := x.actor.Storage().PutJSON(ctx, dataKey(id), entry); err != nil {
				return apperr.Internal(err)
			}
			x.nextSeq++
			x.cache[id] = entry
			x.cacheBytes += int64(len(data))

			if evicted := x.evict(); len(evicted) > 0 {
				if err := x.actor.Storage().DeleteBatch(ctx, dataKeys(evicted)); err != nil {
					x.cfg.Logger.Warn("delete evicted chunks", zap.Int("count", len(evicted)), zap.Error(err))
				}
			}
		}

		for requester := range x.pending[id] {
			waiting = append(waiting, requester)
		}
		delete(x.pending, id)
		return nil
	})
	sort.Strings(waiting)
	return waiting, err
}

// evict drops the oldest entries until both bounds hold.
func (x *Index) evict() []string {
	var evicted []string
	for len(x.cache) > x.cfg.MaxEntries || x.cacheBytes > x.cfg.MaxBytes {
		var oldest *models.ChunkEntry
		for _, e := range x.cache {
			if oldest == nil || e.Seq < oldest.Seq {
				oldest = e
			}
		}
		if oldest == nil {
			break
		}
		delete(x.cache, oldest.ChunkID)
		x.cacheBytes -= int64(len(oldest.Data))
		evicted = append(evicted, oldest.ChunkID)
	}
	return evicted
}

// Get returns a cached payload.
func (x *Index) Get(ctx context.Context, id string) ([]byte, bool, error) {
	var (
		data []byte
		ok   bool
	)
	err := x.actor.Do(ctx, func(context.Context) error {
		data, ok = x.cached(id)
		return nil
	})
	return data, ok, err
}

func (x *Index) cached(id string) ([]byte, bool) {
	e, ok := x.cache[id]
	if !ok {
		return nil, false
	}
	if x.cfg.Now().Sub(time.UnixMilli(e.InsertedAt)) > x.cfg.CacheTTL {
		return nil, false
	}
	return e.Data, true
}

// GetSources returns the peers with a live announcement for id.
func (x *Index) GetSources(ctx context.Context, id string) ([]string, error) {
	if _, err := models.ParseChunkID(id); err != nil {
		return nil, err
	}
	var out []string
	err := x.actor.Do(ctx, func(context.Context) error {
		out = x.liveSources(id, "")
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (x *Index) liveSources(id, exclude string) []string {
	cutoff := x.cfg.Now().Add(-x.cfg.SourceTTL).UnixMilli()
	out := make([]string, 0, len(x.sources[id]))
	for peer, at := range x.sources[id] {
		if peer == exclude || at < cutoff {
			continue
		}
		out = append(out, peer)
	}
	return out
}

// PullRequest answers from cache when possible. Otherwise it picks sources
// to ask and records requester as waiting for the chunk.
func (x *Index) PullRequest(ctx context.Context, id, requester string) (PullResult, error) {
	if _, err := models.ParseChunkID(id); err != nil {
		return PullResult{}, err
	}
	if err := models.ValidateID("peer id", requester); err != nil {
		return PullResult{}, err
	}

	var res PullResult
	err := x.actor.Do(ctx, func(context.Context) error {
		if data, ok := x.cached(id); ok {
			res.Data = data
			return nil
		}

		srcs := x.liveSources(id, requester)
		if len(srcs) == 0 {
			return apperr.NotFound("chunk unavailable")
		}
		waiting := x.pending[id]
		if waiting == nil {
			waiting = make(map[string]int64)
		}
		if _, ok := waiting[requester]; !ok && len(waiting) >= x.cfg.MaxPendingPerChunk {
			return apperr.Limit("too many pending requests")
		}
		waiting[requester] = x.cfg.Now().UnixMilli()
		x.pending[id] = waiting

		if err := crypto.Shuffle(srcs); err != nil {
			return apperr.Internal(err)
		}
		if len(srcs) > x.cfg.MaxPullTargets {
			srcs = srcs[:x.cfg.MaxPullTargets]
		}
		res.Sources = srcs
		return nil
	})
	return res, err
}

// CancelPull drops requester's pending request for id, used when no source
// could be reached.
func (x *Index) CancelPull(ctx context.Context, id, requester string) error {
	return x.actor.Do(ctx, func(context.Context) error {
		x.dropPending(id, requester)
		return nil
	})
}

func (x *Index) dropPending(id, requester string) {
	waiting := x.pending[id]
	delete(waiting, requester)
	if len(waiting) == 0 {
		delete(x.pending, id)
	}
}

// DropPeer forgets peerID as a source and as a requester. Requesters left
// without any live source are handed to the OnAbandoned handler.
func (x *Index) DropPeer(ctx context.Context, peerID string) error {
	var lost []Abandoned
	defer func() { x.abandon(lost) }()
	return x.actor.Do(ctx, func(ctx context.Context) error {
		for id := range x.pending {
			x.dropPending(id, peerID)
		}

		updates := make(map[string]any)
		var emptied []string
		for id, peers := range x.sources {
			if _, ok := peers[peerID]; !ok {
				continue
			}
			delete(peers, peerID)
			if len(peers) == 0 {
				delete(x.sources, id)
				emptied = append(emptied, sourceKey(id))
				continue
			}
			updates[sourceKey(id)] = models.ChunkSources{ChunkID: id, Peers: peers}
		}
		lost = x.orphaned()

		if err := x.actor.Storage().PutBatchJSON(ctx, updates); err != nil {
			return apperr.Internal(err)
		}
		if err := x.actor.Storage().DeleteBatch(ctx, emptied); err != nil {
			return apperr.Internal(err)
		}
		return nil
	})
}

// orphaned removes and returns pending requests with no live source left.
func (x *Index) orphaned() []Abandoned {
	var lost []Abandoned
	for id, waiting := range x.pending {
		for requester := range waiting {
			if len(x.liveSources(id, requester)) > 0 {
				continue
			}
			delete(waiting, requester)
			lost = append(lost, Abandoned{ChunkID: id, Requester: requester})
		}
		if len(waiting) == 0 {
			delete(x.pending, id)
		}
	}
	return lost
}

// Cleanup expires sources, cached payloads and pending requests past their
// TTLs. It returns the number of removed records. Expired pending requests
// go to the OnAbandoned handler.
func (x *Index) Cleanup(ctx context.Context) (int, error) {
	var (
		n    int
		lost []Abandoned
	)
	err := x.actor.Do(ctx, func(ctx context.Context) error {
		var err error
		n, lost, err = x.cleanup(ctx)
		return err
	})
	x.abandon(lost)
	return n, err
}

func (x *Index) cleanup(ctx context.Context) (int, []Abandoned, error) {
	now := x.cfg.Now()
	sourceCutoff := now.Add(-x.cfg.SourceTTL).UnixMilli()
	cacheCutoff := now.Add(-x.cfg.CacheTTL).UnixMilli()
	pendingCutoff := now.Add(-x.cfg.PendingTTL).UnixMilli()

	var deletes []string
	updates := make(map[string]any)
	removed := 0

	for id, peers := range x.sources {
		changed := false
		for peer, at := range peers {
			if at < sourceCutoff {
				delete(peers, peer)
				changed = true
				removed++
			}
		}
		switch {
		case len(peers) == 0:
			delete(x.sources, id)
			deletes = append(deletes, sourceKey(id))
		case changed:
			updates[sourceKey(id)] = models.ChunkSources{ChunkID: id, Peers: peers}
		}
	}

	for id, e := range x.cache {
		if e.InsertedAt < cacheCutoff {
			delete(x.cache, id)
			x.cacheBytes -= int64(len(e.Data))
			deletes = append(deletes, dataKey(id))
			removed++
		}
	}

	var lost []Abandoned
	for id, waiting := range x.pending {
		for requester, at := range waiting {
			if at < pendingCutoff {
				delete(waiting, requester)
				lost = append(lost, Abandoned{ChunkID: id, Requester: requester})
			}
		}
		if len(waiting) == 0 {
			delete(x.pending, id)
		}
	}
	lost = append(lost, x.orphaned()...)

	var firstErr error
	if err := x.actor.Storage().PutBatchJSON(ctx, updates); err != nil {
		x.cfg.Logger.Warn("persist pruned sources", zap.Error(err))
		firstErr = err
	}
	if err := x.actor.Storage().DeleteBatch(ctx, deletes); err != nil {
		x.cfg.Logger.Warn("delete expired chunk records", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if removed > 0 {
		x.cfg.Logger.Debug("chunk sweep", zap.Int("removed", removed))
	}
	return removed, lost, firstErr
}

// Stats returns current occupancy.
func (x *Index) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := x.actor.Do(ctx, func(context.Context) error {
		s = Stats{
			CachedEntries: len(x.cache),
			CachedBytes:   x.cacheBytes,
			TrackedChunks: len(x.sources),
		}
		for _, w := range x.pending {
			s.PendingPulls += len(w)
		}
		return nil
	})
	return s, err
}

func dropOldest(peers map[string]int64) {
	var (
		oldest   string
		oldestAt int64
	)
	for p, at := range peers {
		if oldest == "" || at < oldestAt {
			oldest, oldestAt = p, at
		}
	}
	delete(peers, oldest)
}

func dataKey(id string) string { return dataPrefix + "/" + id }

func sourceKey(id string) string { return sourcePrefix + "/" + id }

func dataKeys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = dataKey(id)
	}
	return keys
}
