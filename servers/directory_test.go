package servers

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

type serverKeys struct {
	pub  string
	priv ed25519.PrivateKey
}

func newServerKeys(t *testing.T) serverKeys {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return serverKeys{pub: base64.StdEncoding.EncodeToString(pub), priv: priv}
}

func (k serverKeys) sign(action, id string, ts int64) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, SignedMessage(action, id, ts)))
}

func newTestDirectory(t *testing.T, store ds.Batching) (*Directory, *fakeClock, *actor.System) {
	t.Helper()
	if store == nil {
		store = dssync.MutexWrap(ds.NewMapDatastore())
	}
	sys := actor.NewSystem(store, nil)
	t.Cleanup(sys.Close)
	a, err := sys.Get(ActorKey)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	dir := New(a, Config{Now: clock.Now, SweepInterval: time.Hour})
	require.NoError(t, dir.Start(context.Background()))
	return dir, clock, sys
}

func TestRegisterHeartbeatDelete(t *testing.T) {
	dir, clock, _ := newTestDirectory(t, nil)
	ctx := context.Background()
	keys := newServerKeys(t)

	_, err := dir.Register(ctx, "srv-1", keys.pub, "https://coord.example.net")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	ts := clock.Now().UnixMilli()
	rec, err := dir.Heartbeat(ctx, "srv-1", ts, keys.sign("heartbeat", "srv-1", ts))
	require.NoError(t, err)
	assert.Equal(t, ts, rec.LastSeen)

	_, err = dir.Heartbeat(ctx, "srv-1", ts, keys.sign("heartbeat", "srv-1", ts))
	assert.Equal(t, apperr.KindReplay, apperr.KindOf(err))

	ts++
	err = dir.Delete(ctx, "srv-1", ts, keys.sign("heartbeat", "srv-1", ts))
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err), "heartbeat signature cannot delete")

	require.NoError(t, dir.Delete(ctx, "srv-1", ts, keys.sign("delete", "srv-1", ts)))
	list, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSignatureFromOtherKeyRejected(t *testing.T) {
	dir, clock, _ := newTestDirectory(t, nil)
	ctx := context.Background()
	owner := newServerKeys(t)
	other := newServerKeys(t)

	_, err := dir.Register(ctx, "srv-1", owner.pub, "wss://coord.example.net/ws")
	require.NoError(t, err)

	ts := clock.Now().UnixMilli()
	err = dir.Delete(ctx, "srv-1", ts, other.sign("delete", "srv-1", ts))
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))

	_, err = dir.Register(ctx, "srv-1", other.pub, "wss://evil.example.net/ws")
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err), "live id keeps its key")

	clock.Advance(DefaultTTL + time.Second)
	_, err = dir.Register(ctx, "srv-1", other.pub, "wss://new.example.net/ws")
	assert.NoError(t, err, "expired id can be claimed")
}

func TestTimestampSkew(t *testing.T) {
	dir, clock, _ := newTestDirectory(t, nil)
	ctx := context.Background()
	keys := newServerKeys(t)
	_, err := dir.Register(ctx, "srv-1", keys.pub, "https://coord.example.net")
	require.NoError(t, err)

	now := clock.Now()
	for _, ts := range []int64{
		now.Add(-DefaultMaxSkew - time.Second).UnixMilli(),
		now.Add(DefaultMaxSkew + time.Second).UnixMilli(),
	} {
		_, err := dir.Heartbeat(ctx, "srv-1", ts, keys.sign("heartbeat", "srv-1", ts))
		assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	}

	ts := now.Add(90 * time.Second).UnixMilli()
	_, err = dir.Heartbeat(ctx, "srv-1", ts, keys.sign("heartbeat", "srv-1", ts))
	assert.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	dir, _, _ := newTestDirectory(t, nil)
	ctx := context.Background()
	keys := newServerKeys(t)

	cases := []struct {
		name, id, key, endpoint string
	}{
		{"bad id", "srv/1", keys.pub, "https://coord.example.net"},
		{"bad key", "srv-1", "bm90IGEga2V5", "https://coord.example.net"},
		{"bad scheme", "srv-1", keys.pub, "ftp://coord.example.net"},
		{"no host", "srv-1", keys.pub, "https://"},
		{"userinfo", "srv-1", keys.pub, "https://user:pw@coord.example.net"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dir.Register(ctx, tc.id, tc.key, tc.endpoint)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestListEvictsLazilyAndSurvivesRestart(t *testing.T) {
	store := dssync.MutexWrap(ds.NewMapDatastore())
	ctx := context.Background()

	dir, clock, sys := newTestDirectory(t, store)
	_, err := dir.Register(ctx, "old", newServerKeys(t).pub, "https://old.example.net")
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	_, err = dir.Register(ctx, "new", newServerKeys(t).pub, "https://new.example.net")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	list, err := dir.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].ServerID)

	has, err := store.Has(ctx, ds.NewKey("/servers/server/old"))
	require.NoError(t, err)
	assert.False(t, has)
	sys.Close()

	restarted, _, _ := newTestDirectory(t, store)
	list, err = restarted.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].ServerID)
}
