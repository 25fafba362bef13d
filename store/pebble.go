package store

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

// PebbleStore persists values in a local Pebble database, CBOR-encoded,
// under a configurable key prefix so several stores can share one DB.
type PebbleStore[T any] struct {
	db     *pebble.DB
	prefix []byte
	closed atomic.Bool
}

// PebbleStoreConfig configures a Pebble-backed store.
type PebbleStoreConfig struct {
	Path   string
	Prefix string // key namespace inside the DB; "data:" when empty
	Opts   *pebble.Options
}

// NewPebbleStore opens (or creates) the database at config.Path.
func NewPebbleStore[T any](config PebbleStoreConfig) (*PebbleStore[T], error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "data:"
	}

	return &PebbleStore[T]{db: db, prefix: []byte(prefix)}, nil
}

func (p *PebbleStore[T]) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

func (p *PebbleStore[T]) dbKey(key string) []byte {
	out := make([]byte, 0, len(p.prefix)+len(key))
	out = append(out, p.prefix...)
	return append(out, key...)
}

// keyspace returns iterator bounds covering exactly this store's prefix.
func (p *PebbleStore[T]) keyspace() *pebble.IterOptions {
	upper := make([]byte, len(p.prefix), len(p.prefix)+1)
	copy(upper, p.prefix)
	return &pebble.IterOptions{
		LowerBound: p.prefix,
		UpperBound: append(upper, 0xFF),
	}
}

func (p *PebbleStore[T]) Save(ctx context.Context, key string, value T) error {
	if err := p.usable(ctx); err != nil {
		return err
	}

	encoded, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	return p.db.Set(p.dbKey(key), encoded, pebble.Sync)
}

func (p *PebbleStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	if err := p.usable(ctx); err != nil {
		return zero, err
	}

	encoded, closer, err := p.db.Get(p.dbKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return zero, ErrNotFound
		}
		return zero, err
	}
	defer closer.Close()

	var value T
	if err := cbor.Unmarshal(encoded, &value); err != nil {
		return zero, err
	}
	return value, nil
}

func (p *PebbleStore[T]) Delete(ctx context.Context, key string) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	return p.db.Delete(p.dbKey(key), pebble.Sync)
}

func (p *PebbleStore[T]) Exists(ctx context.Context, key string) (bool, error) {
	if err := p.usable(ctx); err != nil {
		return false, err
	}

	_, closer, err := p.db.Get(p.dbKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

// scan walks the store's keyspace invoking fn with each bare key.
func (p *PebbleStore[T]) scan(fn func(key string)) error {
	iter, err := p.db.NewIter(p.keyspace())
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		fn(string(iter.Key()[len(p.prefix):]))
	}
	return iter.Error()
}

func (p *PebbleStore[T]) List(ctx context.Context) ([]string, error) {
	if err := p.usable(ctx); err != nil {
		return nil, err
	}

	var keys []string
	if err := p.scan(func(key string) { keys = append(keys, key) }); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *PebbleStore[T]) Count(ctx context.Context) (int64, error) {
	if err := p.usable(ctx); err != nil {
		return 0, err
	}

	var count int64
	if err := p.scan(func(string) { count++ }); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *PebbleStore[T]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}
	return p.db.Close()
}
