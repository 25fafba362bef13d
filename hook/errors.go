package hook

import "errors"

var (
	// ErrHookNotFound is returned when removing or fetching an
	// unregistered hook id.
	ErrHookNotFound = errors.New("hook not found")

	// ErrHookAlreadyExists is returned when adding a duplicate hook id.
	ErrHookAlreadyExists = errors.New("hook already exists")

	// ErrEmptyHookID rejects registration without an identifier.
	ErrEmptyHookID = errors.New("hook id cannot be empty")
)
