package store

import (
	"context"
)

// Store is the broker's generic persistence seam: a keyed collection of T
// with the same surface whether it lives in memory, in a local Pebble
// database, or in Redis. Sessions, stored credentials, and any other
// keyed broker state select a backend through this one interface.
type Store[T any] interface {
	// Save writes or replaces the value under key.
	Save(ctx context.Context, key string, value T) error

	// Load returns the value under key, or ErrNotFound.
	Load(ctx context.Context, key string) (T, error)

	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key, in no particular order.
	List(ctx context.Context) ([]string, error)

	// Count returns the number of stored values.
	Count(ctx context.Context) (int64, error)

	// Close releases the backend; every later call fails with
	// ErrStoreClosed.
	Close() error
}
