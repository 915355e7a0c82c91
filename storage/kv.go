package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
)

var _ ds.Batching = (*Store)(nil)

// Get returns the value stored under key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kv %q: %w", key.String(), err)
	}
	return value, nil
}

// Has reports whether key exists.
func (s *Store) Has(ctx context.Context, key ds.Key) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM kv WHERE key = ?)`,
		key.String(),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check kv %q: %w", key.String(), err)
	}
	return exists == 1, nil
}

// GetSize returns the stored value length or ErrNotFound.
func (s *Store) GetSize(ctx context.Context, key ds.Key) (int, error) {
	var size int
	err := s.db.QueryRowContext(ctx, `SELECT length(value) FROM kv WHERE key = ?`, key.String()).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, ErrNotFound
	}
	if err != nil {
		return -1, fmt.Errorf("size kv %q: %w", key.String(), err)
	}
	return size, nil
}

// Put upserts one value.
func (s *Store) Put(ctx context.Context, key ds.Key, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertKVSQL, key.String(), value, nowUnixMilli()); err != nil {
		return fmt.Errorf("put kv %q: %w", key.String(), err)
	}
	return nil
}

// Delete removes one key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key ds.Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete kv %q: %w", key.String(), err)
	}
	return nil
}

// Query loads every row under q.Prefix and applies the remaining query
// options in memory. The prefix is matched as a binary key range so it is
// case-sensitive and needs no escaping.
func (s *Store) Query(ctx context.Context, q query.Query) (query.Results, error) {
	prefix := strings.TrimSuffix(ds.NewKey(q.Prefix).String(), "/")
	// Every key under prefix sorts in [prefix+"/", prefix+"0"); '0' follows '/'.
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
		prefix+"/", prefix+"0",
	)
	if err != nil {
		return nil, fmt.Errorf("query kv prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	entries := make([]query.Entry, 0)
	for rows.Next() {
		var entry query.Entry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		entry.Size = len(entry.Value)
		if q.KeysOnly {
			entry.Value = nil
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv rows: %w", err)
	}

	return query.NaiveQueryApply(q, query.ResultsWithEntries(q, entries)), nil
}

// Sync is a no-op; every write is committed before it returns.
func (s *Store) Sync(context.Context, ds.Key) error {
	return nil
}

// Batch returns a write batch committed in a single transaction.
func (s *Store) Batch(context.Context) (ds.Batch, error) {
	return &kvBatch{store: s, ops: make(map[ds.Key]batchOp)}, nil
}

const upsertKVSQL = `INSERT INTO kv (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

type batchOp struct {
	value  []byte
	delete bool
}

type kvBatch struct {
	store *Store

	mu  sync.Mutex
	ops map[ds.Key]batchOp
}

func (b *kvBatch) Put(_ context.Context, key ds.Key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[key] = batchOp{value: value}
	return nil
}

func (b *kvBatch) Delete(_ context.Context, key ds.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[key] = batchOp{delete: true}
	return nil
}

func (b *kvBatch) Commit(ctx context.Context) error {
	b.mu.Lock()
	ops := b.ops
	b.ops = make(map[ds.Key]batchOp)
	b.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin kv batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := nowUnixMilli()
	for key, op := range ops {
		if op.delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key.String()); err != nil {
				return fmt.Errorf("batch delete %q: %w", key.String(), err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertKVSQL, key.String(), op.value, now); err != nil {
			return fmt.Errorf("batch put %q: %w", key.String(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit kv batch: %w", err)
	}
	return nil
}
