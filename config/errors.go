package config

import "errors"

// Config-family sentinels. Load and
// Validate wrap the specific failure with %w against one of these so
// callers can branch with errors.Is without string matching, the same
// convention encoding/session/auth/acl/network follow for their own
// taxonomy families.
var (
	// ErrConfigRead covers failures reading the configuration file itself.
	ErrConfigRead = errors.New("config: reading configuration file")

	// ErrConfigParse covers YAML decode failures.
	ErrConfigParse = errors.New("config: parsing configuration file")

	// ErrInvalidListener covers a listeners entry that fails its
	// protocol's field requirements.
	ErrInvalidListener = errors.New("config: invalid listener")

	// ErrInvalidSecurity covers an unknown security backend selection.
	ErrInvalidSecurity = errors.New("config: invalid security configuration")

	// ErrInvalidStorage covers an unknown storage backend selection.
	ErrInvalidStorage = errors.New("config: invalid storage configuration")
)
