package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
)

// MaxBatchSize caps the number of keys committed per batch.
const MaxBatchSize = 128

// ErrNotFound is returned by GetJSON for missing keys.
var ErrNotFound = ds.ErrNotFound

// Storage is an actor's view of the shared datastore, rooted at /<actor key>.
type Storage struct {
	ds ds.Batching
}

// NewStorage wraps a datastore directly. Used by tests and tools.
func NewStorage(d ds.Batching) *Storage {
	return &Storage{ds: d}
}

// GetJSON decodes the value at key into v.
func (s *Storage) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := s.ds.Get(ctx, ds.NewKey(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it at key.
func (s *Storage) PutJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.ds.Put(ctx, ds.NewKey(key), raw)
}

// Has reports whether key exists.
func (s *Storage) Has(ctx context.Context, key string) (bool, error) {
	return s.ds.Has(ctx, ds.NewKey(key))
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.ds.Delete(ctx, ds.NewKey(key))
}

// DeleteBatch removes keys in batched commits of at most MaxBatchSize.
// A failed sub-batch does not stop the remaining ones; the joined error is
// returned.
func (s *Storage) DeleteBatch(ctx context.Context, keys []string) error {
	var errs []error
	for start := 0; start < len(keys); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(keys))
		if err := s.commitDeletes(ctx, keys[start:end]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PutBatchJSON writes values in batched commits of at most MaxBatchSize.
func (s *Storage) PutBatchJSON(ctx context.Context, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	for start := 0; start < len(keys); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(keys))
		batch, err := s.ds.Batch(ctx)
		if err != nil {
			return fmt.Errorf("open batch: %w", err)
		}
		for _, key := range keys[start:end] {
			raw, err := json.Marshal(values[key])
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			if err := batch.Put(ctx, ds.NewKey(key), raw); err != nil {
				return fmt.Errorf("batch put %s: %w", key, err)
			}
		}
		if err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("commit batch of %d puts: %w", end-start, err)
		}
	}
	return nil
}

func (s *Storage) commitDeletes(ctx context.Context, keys []string) error {
	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return fmt.Errorf("open batch: %w", err)
	}
	for _, key := range keys {
		if err := batch.Delete(ctx, ds.NewKey(key)); err != nil {
			return fmt.Errorf("batch delete %s: %w", key, err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch of %d deletes: %w", len(keys), err)
	}
	return nil
}

// List returns every entry under prefix.
func (s *Storage) List(ctx context.Context, prefix string) ([]query.Entry, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", prefix, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", prefix, err)
	}
	return entries, nil
}

// LoadAll decodes every entry under prefix as T. Entries that fail to
// decode are reported through onError and skipped.
func LoadAll[T any](ctx context.Context, s *Storage, prefix string, onError func(key string, err error)) ([]T, error) {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			if onError != nil {
				onError(e.Key, err)
			}
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
