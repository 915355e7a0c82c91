package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcoord/actor"
	"meshcoord/apperr"
)

const endpoint = "/ip4/203.0.113.7/udp/4001/quic-v1"

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

func newTestRegistry(t *testing.T, store ds.Batching) (*Registry, *fakeClock, *actor.System) {
	t.Helper()
	if store == nil {
		store = dssync.MutexWrap(ds.NewMapDatastore())
	}
	sys := actor.NewSystem(store, nil)
	t.Cleanup(sys.Close)
	a, err := sys.Get(ActorKey)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := New(a, Config{Now: clock.Now, SweepInterval: time.Hour})
	require.NoError(t, reg.Start(context.Background()))
	return reg, clock, sys
}

func TestLookupConsumesToken(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, "alice", "token-0123456789ab", endpoint)
	require.NoError(t, err)

	got, err := reg.Lookup(ctx, "token-0123456789ab")
	require.NoError(t, err)
	assert.Equal(t, endpoint, got.Endpoint)
	assert.Equal(t, "alice", got.Owner)

	_, err = reg.Lookup(ctx, "token-0123456789ab")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestLookupAfterExpiryIsNotFound(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, "alice", "token-0123456789ab", endpoint)
	require.NoError(t, err)
	clock.Advance(DefaultTTL)

	_, err = reg.Lookup(ctx, "token-0123456789ab")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRegisterValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, "alice", "short", endpoint)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = reg.Register(ctx, "alice", "token-0123456789ab", "not a multiaddr")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = reg.Register(ctx, "al/ice", "token-0123456789ab", endpoint)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestTokenOwnedByAnotherPeer(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, "alice", "token-0123456789ab", endpoint)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "mallory", "token-0123456789ab", "/ip4/198.51.100.1/tcp/1")
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}

func TestPerOwnerCap(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	for i := 0; i < DefaultMaxPerOwner; i++ {
		_, err := reg.Register(ctx, "alice", fmt.Sprintf("token-%016d", i), endpoint)
		require.NoError(t, err)
	}
	_, err := reg.Register(ctx, "alice", "token-overflow-000", endpoint)
	assert.Equal(t, apperr.KindResourceLimit, apperr.KindOf(err))

	_, err = reg.Register(ctx, "alice", fmt.Sprintf("token-%016d", 0), endpoint)
	require.NoError(t, err, "refreshing an owned token is not a new slot")

	require.NoError(t, reg.ReleaseOwner(ctx, "alice"))
	_, err = reg.Register(ctx, "alice", "token-overflow-000", endpoint)
	require.NoError(t, err)
}

func TestCleanupAndRestart(t *testing.T) {
	store := dssync.MutexWrap(ds.NewMapDatastore())
	ctx := context.Background()

	reg, clock, sys := newTestRegistry(t, store)
	_, err := reg.Register(ctx, "alice", "token-old-00000000", endpoint)
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)
	_, err = reg.Register(ctx, "bob", "token-new-00000000", endpoint)
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)

	n, err := reg.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	has, err := store.Has(ctx, ds.NewKey("/rendezvous/rendezvous/token-old-00000000"))
	require.NoError(t, err)
	assert.False(t, has)
	sys.Close()

	restarted, _, _ := newTestRegistry(t, store)
	got, err := restarted.Lookup(ctx, "token-new-00000000")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Owner)
}

func TestExpiredTokensFreeOwnerSlotsBeforeSweep(t *testing.T) {
	store := dssync.MutexWrap(ds.NewMapDatastore())
	reg, clock, _ := newTestRegistry(t, store)
	ctx := context.Background()

	for i := 0; i < DefaultMaxPerOwner; i++ {
		_, err := reg.Register(ctx, "alice", fmt.Sprintf("token-%016d", i), endpoint)
		require.NoError(t, err)
	}
	clock.Advance(DefaultTTL)

	_, err := reg.Register(ctx, "alice", "token-after-expiry", endpoint)
	require.NoError(t, err, "expired tokens do not count against the cap")

	has, err := store.Has(ctx, ds.NewKey("/rendezvous/rendezvous/"+fmt.Sprintf("token-%016d", 0)))
	require.NoError(t, err)
	assert.False(t, has, "expired records are deleted on the way")

	n, err := reg.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
