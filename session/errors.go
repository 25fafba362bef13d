package session

import "errors"

var (
	// ErrSessionNotFound is returned when no stored session exists for a
	// client id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyExists is returned when a generated client id
	// cannot be made unique.
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrStoreClosed mirrors the backing store's closed state.
	ErrStoreClosed = errors.New("store is closed")
)
