package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSystem(t *testing.T) (*System, ds.Batching) {
	t.Helper()
	store := dssync.MutexWrap(ds.NewMapDatastore())
	sys := NewSystem(store, nil)
	t.Cleanup(sys.Close)
	return sys, store
}

func TestGetReturnsSameActorPerKey(t *testing.T) {
	sys, _ := newTestSystem(t)

	a1, err := sys.Get("relay")
	require.NoError(t, err)
	a2, err := sys.Get("relay")
	require.NoError(t, err)
	b, err := sys.Get("room/ABCDEFGH")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, 2, sys.Len())
}

func TestDoSerializesRequests(t *testing.T) {
	sys, _ := newTestSystem(t)
	a, err := sys.Get("counter")
	require.NoError(t, err)

	var (
		inside  int32
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.Do(context.Background(), func(context.Context) error {
				if !atomic.CompareAndSwapInt32(&inside, 0, 1) {
					return errors.New("concurrent execution")
				}
				v := counter
				time.Sleep(100 * time.Microsecond)
				counter = v + 1
				atomic.StoreInt32(&inside, 0)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestDoRecoversPanics(t *testing.T) {
	sys, _ := newTestSystem(t)
	a, err := sys.Get("panicky")
	require.NoError(t, err)

	err = a.Do(context.Background(), func(context.Context) error {
		panic("boom")
	})
	require.ErrorIs(t, err, ErrPanic)

	require.NoError(t, a.Do(context.Background(), func(context.Context) error { return nil }),
		"actor keeps serving after a panic")
}

func TestDoAfterRemoveFails(t *testing.T) {
	sys, _ := newTestSystem(t)
	a, err := sys.Get("room/X")
	require.NoError(t, err)

	sys.Remove("room/X")
	err = a.Do(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 0, sys.Len())
}

func TestGetAfterCloseFails(t *testing.T) {
	sys, _ := newTestSystem(t)
	sys.Close()
	_, err := sys.Get("relay")
	require.ErrorIs(t, err, ErrStopped)
}

func TestEveryReschedulesItself(t *testing.T) {
	sys, _ := newTestSystem(t)
	a, err := sys.Get("sweeper")
	require.NoError(t, err)

	var runs int32
	a.Every(5*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("sweep failures do not stop the schedule")
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStorageIsNamespacedPerActor(t *testing.T) {
	ctx := context.Background()
	sys, store := newTestSystem(t)
	a, err := sys.Get("relay")
	require.NoError(t, err)

	require.NoError(t, a.Storage().PutJSON(ctx, "peer/p1", map[string]int{"max": 20}))

	raw, err := store.Get(ctx, ds.NewKey("/relay/peer/p1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"max":20}`, string(raw))

	var got map[string]int
	require.NoError(t, a.Storage().GetJSON(ctx, "peer/p1", &got))
	assert.Equal(t, 20, got["max"])

	err = a.Storage().GetJSON(ctx, "peer/missing", &got)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteBatchSplitsIntoSubBatches(t *testing.T) {
	ctx := context.Background()
	st := NewStorage(dssync.MutexWrap(ds.NewMapDatastore()))

	keys := make([]string, 0, MaxBatchSize*2+7)
	for i := 0; i < cap(keys); i++ {
		key := fmt.Sprintf("chunk/%04d", i)
		keys = append(keys, key)
		require.NoError(t, st.PutJSON(ctx, key, i))
	}
	require.NoError(t, st.PutJSON(ctx, "keep/me", true))

	require.NoError(t, st.DeleteBatch(ctx, keys))

	left, err := st.List(ctx, "chunk")
	require.NoError(t, err)
	assert.Empty(t, left)

	has, err := st.Has(ctx, "keep/me")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestLoadAllSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	raw := dssync.MutexWrap(ds.NewMapDatastore())
	st := NewStorage(raw)

	require.NoError(t, st.PutJSON(ctx, "peer/a", map[string]string{"id": "a"}))
	require.NoError(t, raw.Put(ctx, ds.NewKey("/peer/b"), []byte("{not json")))

	var bad []string
	got, err := LoadAll[map[string]string](ctx, st, "peer", func(key string, _ error) {
		bad = append(bad, key)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0]["id"])
	assert.Equal(t, []string{"/peer/b"}, bad)
}

func TestPutBatchJSON(t *testing.T) {
	ctx := context.Background()
	st := NewStorage(dssync.MutexWrap(ds.NewMapDatastore()))

	values := make(map[string]any)
	for i := 0; i < MaxBatchSize+10; i++ {
		values[fmt.Sprintf("source/%04d", i)] = map[string]int{"n": i}
	}
	require.NoError(t, st.PutBatchJSON(ctx, values))

	entries, err := st.List(ctx, "source")
	require.NoError(t, err)
	assert.Len(t, entries, MaxBatchSize+10)

	var got map[string]int
	require.NoError(t, st.GetJSON(ctx, "source/0042", &got))
	assert.Equal(t, 42, got["n"])
}
