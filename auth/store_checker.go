package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/pbkdf2"

	"github.com/RustRobotics/hebo-sub002/store"
)

// StoreChecker is the store-backed credential backend: username -> encoded
// pbkdf2 entry records held in any store.Store[string] implementation, so
// the same memory/Pebble/Redis selection that backs sessions also backs
// credentials.
type StoreChecker struct {
	store store.Store[string]
}

// NewStoreChecker wraps a credential store.
func NewStoreChecker(s store.Store[string]) *StoreChecker {
	return &StoreChecker{store: s}
}

// IsMatch implements CredentialChecker against the backing store. A
// missing user is a mismatch, not an error.
func (c *StoreChecker) IsMatch(ctx context.Context, username, password string) (bool, error) {
	encoded, err := c.store.Load(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	entry, err := parseHashedEntry(encoded)
	if err != nil {
		return false, err
	}

	derived := pbkdf2.Key([]byte(password), entry.salt, entry.iterations, pbkdf2KeyLen, sha256.New)
	return subtle.ConstantTimeCompare(derived, entry.hash) == 1, nil
}

// SetUser writes a user's hashed entry into the store, in the same
// encoded form the file backend uses.
func (c *StoreChecker) SetUser(ctx context.Context, username, password string, salt []byte, iterations int) error {
	line := FormatEntry(username, password, salt, iterations)
	// FormatEntry renders "user:entry"; the store keys by user already.
	return c.store.Save(ctx, username, line[len(username)+1:])
}

// DeleteUser removes a user from the store.
func (c *StoreChecker) DeleteUser(ctx context.Context, username string) error {
	return c.store.Delete(ctx, username)
}
