package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumedNonceJournal(t *testing.T) {
	store := newTestStore(t)

	oldTimestamp := nowUnixMilli() - 10_000
	newTimestamp := nowUnixMilli()

	require.NoError(t, store.MarkNonceConsumed("nonce-old", "d1", oldTimestamp))
	require.NoError(t, store.MarkNonceConsumed("nonce-new", "d1", newTimestamp))
	require.NoError(t, store.MarkNonceConsumed("nonce-new", "d1", newTimestamp), "second mark is a no-op")

	consumed, err := store.NonceConsumed("nonce-old")
	require.NoError(t, err)
	assert.True(t, consumed)

	consumed, err = store.NonceConsumed("missing")
	require.NoError(t, err)
	assert.False(t, consumed)

	pruned, err := store.PruneConsumedNonces(nowUnixMilli() - 5_000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	consumed, err = store.NonceConsumed("nonce-old")
	require.NoError(t, err)
	assert.False(t, consumed)

	consumed, err = store.NonceConsumed("nonce-new")
	require.NoError(t, err)
	assert.True(t, consumed)
}

func TestConsumedNonceRejectsEmptyKey(t *testing.T) {
	store := newTestStore(t)

	require.Error(t, store.MarkNonceConsumed("", "d1", 0))
	_, err := store.NonceConsumed("")
	require.Error(t, err)
	_, err = store.PruneConsumedNonces(0)
	require.Error(t, err)
}
