package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcoord/actor"
	"meshcoord/apperr"
	"meshcoord/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingLog struct {
	mu     sync.Mutex
	events []storage.SecurityEvent
}

func (l *recordingLog) LogSecurityEvent(e storage.SecurityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

type harness struct {
	reg   *Registry
	sys   *actor.System
	store ds.Batching
	clock *fakeClock
	log   *recordingLog
}

func newHarness(t *testing.T, store ds.Batching) *harness {
	t.Helper()
	if store == nil {
		store = dssync.MutexWrap(ds.NewMapDatastore())
	}
	sys := actor.NewSystem(store, nil)
	t.Cleanup(sys.Close)

	a, err := sys.Get(ActorKey)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	log := &recordingLog{}
	reg := New(a, Config{Now: clock.Now, Security: log, SweepInterval: time.Hour})
	require.NoError(t, reg.Start(context.Background()))
	return &harness{reg: reg, sys: sys, store: store, clock: clock, log: log}
}

func testKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

func TestRegisterRejectsInvalidCapacity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key := testKey(t)

	for _, bad := range []float64{0, -5, 1001, 1.5} {
		_, err := h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p1", MaxConnections: bad, PublicKey: key})
		require.Error(t, err, "%v", bad)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}

	_, ok, err := h.reg.Lookup(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok, "rejected registration must not be stored")
}

func TestRegisterRejectsBadIdentifiers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "../etc", MaxConnections: 10, PublicKey: testKey(t)})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p1", MaxConnections: 10, PublicKey: "nope"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLoadThresholdScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: testKey(t)})
	require.NoError(t, err)

	list, err := h.reg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].PeerID)

	peer, err := h.reg.UpdateLoad(ctx, "c1", 11)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, peer.CapacityRatio(), 1e-9)

	list, err = h.reg.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.reg.UpdateLoad(ctx, "c1", 9)
	require.NoError(t, err)
	list, err = h.reg.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpdateLoadValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.reg.UpdateLoad(ctx, "c1", 1)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err), "unregistered connection")

	_, err = h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: testKey(t)})
	require.NoError(t, err)

	for _, bad := range []float64{-1, 10001, 0.5} {
		_, err := h.reg.UpdateLoad(ctx, "c1", bad)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "%v", bad)
	}
}

func TestIdentityBinding(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key := testKey(t)

	_, err := h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: key})
	require.NoError(t, err)

	_, err = h.reg.Register(ctx, "c2", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: key})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))

	_, err = h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p2", MaxConnections: 20, PublicKey: key})
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err), "second identity on same connection")

	_, err = h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p1", MaxConnections: 30, PublicKey: key})
	require.NoError(t, err, "same identity may re-register")

	peerID, ok, err := h.reg.BoundPeer(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "p1", peerID)

	h.log.mu.Lock()
	assert.Len(t, h.log.events, 2)
	h.log.mu.Unlock()

	require.NoError(t, h.reg.Unregister(ctx, "c1"))
	_, err = h.reg.Register(ctx, "c2", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: key})
	require.NoError(t, err, "identity is free after disconnect")
}

func TestCleanupRemovesStalePeers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.reg.Register(ctx, "c1", RegisterRequest{PeerID: "old", MaxConnections: 10, PublicKey: testKey(t)})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)
	_, err = h.reg.Register(ctx, "c2", RegisterRequest{PeerID: "fresh", MaxConnections: 10, PublicKey: testKey(t)})
	require.NoError(t, err)

	list, err := h.reg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1, "stale peers are never offered")

	n, err := h.reg.Cleanup(ctx, DefaultStaleThreshold)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	has, err := h.store.Has(ctx, ds.NewKey("/relay/peer/old"))
	require.NoError(t, err)
	assert.False(t, has)

	_, ok, err := h.reg.BoundPeer(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok, "binding released with the stale peer")
}

func TestPeersSurviveRestart(t *testing.T) {
	store := dssync.MutexWrap(ds.NewMapDatastore())
	ctx := context.Background()
	key := testKey(t)

	first := newHarness(t, store)
	_, err := first.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: key})
	require.NoError(t, err)
	_, err = first.reg.UpdateLoad(ctx, "c1", 3)
	require.NoError(t, err)
	first.sys.Close()

	second := newHarness(t, store)
	second.clock.now = first.clock.Now()
	peer, ok, err := second.reg.Lookup(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, peer.ConnectedCount)

	_, err = second.reg.Register(ctx, "c9", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: key})
	require.NoError(t, err, "restored peers are unbound")
}

func TestRestoredPeerRequiresStoredKey(t *testing.T) {
	store := dssync.MutexWrap(ds.NewMapDatastore())
	ctx := context.Background()
	key := testKey(t)

	first := newHarness(t, store)
	_, err := first.reg.Register(ctx, "c1", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: key})
	require.NoError(t, err)
	first.sys.Close()

	second := newHarness(t, store)
	second.clock.now = first.clock.Now()

	_, err = second.reg.Register(ctx, "c2", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: testKey(t)})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	require.Len(t, second.log.events, 1)
	assert.Equal(t, storage.EventIdentitySpoof, second.log.events[0].EventType)

	_, err = second.reg.Register(ctx, "c3", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: key})
	require.NoError(t, err)

	// Once the restored record is swept, the identity is free for a new key.
	second.clock.Advance(DefaultStaleThreshold + time.Second)
	_, err = second.reg.Cleanup(ctx, DefaultStaleThreshold)
	require.NoError(t, err)
	_, err = second.reg.Register(ctx, "c4", RegisterRequest{PeerID: "p1", MaxConnections: 20, PublicKey: testKey(t)})
	require.NoError(t, err)
}
