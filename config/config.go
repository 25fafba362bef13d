// Package config loads the broker's startup configuration.
//
// The file is YAML with top-level sections general, listeners, security,
// storage, log, dashboard and metrics, decoded via gopkg.in/yaml.v3. The
// CLI (cmd/hebo) loads a Config with Load before starting any listener.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration.
type Config struct {
	General   General    `yaml:"general"`
	Listeners []Listener `yaml:"listeners"`
	Security  Security   `yaml:"security"`
	Storage   Storage    `yaml:"storage"`
	Log       Log        `yaml:"log"`
	Dashboard Dashboard  `yaml:"dashboard"`
	Metrics   Metrics    `yaml:"metrics"`
}

// General holds broker-wide policy knobs.
type General struct {
	PIDFile        string        `yaml:"pid_file"`
	MaxConnections int           `yaml:"max_connections"`
	MaxKeepalive   uint16        `yaml:"max_keepalive"`
	SysInterval    time.Duration `yaml:"sys_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Protocol identifies a listener's transport.
type Protocol string

const (
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolMQTTS Protocol = "mqtts"
	ProtocolWS    Protocol = "ws"
	ProtocolWSS   Protocol = "wss"
	ProtocolUDS   Protocol = "uds"
	ProtocolQUIC  Protocol = "quic"
)

// Listener configures one accept endpoint.
type Listener struct {
	Protocol Protocol `yaml:"protocol"`
	Address  string   `yaml:"address"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Path     string   `yaml:"path"`
}

// AuthBackend selects which CredentialChecker the broker constructs,
// independent of which listener transports are configured.
type AuthBackend string

const (
	// AuthBackendFile loads credentials from Security.PasswordFile
	// (default when Backend is empty).
	AuthBackendFile AuthBackend = "file"

	// AuthBackendStore holds credentials in the same Store[T] abstraction
	// (memory/Pebble/Redis, selected by Storage.Backend) that backs
	// sessions, under "cred:" keys.
	AuthBackendStore AuthBackend = "store"
)

// Security holds the authentication and authorization settings.
type Security struct {
	Backend        AuthBackend `yaml:"backend"`
	AllowAnonymous bool        `yaml:"allow_anonymous"`
	PasswordFile   string      `yaml:"password_file"`
	ACLFile        string      `yaml:"acl_file"`
}

// StorageBackend selects a persistence backend for sessions and stored
// credentials (default memory). Retained messages are always held in
// memory.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StoragePebble StorageBackend = "pebble"
	StorageRedis  StorageBackend = "redis"
)

// Storage selects and configures the persistence backend.
type Storage struct {
	Backend  StorageBackend `yaml:"backend"`
	Path     string         `yaml:"path"`     // pebble data directory
	RedisURL string         `yaml:"redis_url"`
}

// Log configures log level and destination.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Dashboard configures the REST endpoint serving broker uptime.
type Dashboard struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Metrics configures the optional Prometheus exporter (off by default).
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with the broker's default policy values.
func Default() *Config {
	return &Config{
		General: General{
			MaxConnections: 10000,
			MaxKeepalive:   65535,
			SysInterval:    3 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Listeners: []Listener{
			{Protocol: ProtocolMQTT, Address: "0.0.0.0:1883"},
		},
		Security: Security{AllowAnonymous: true},
		Storage:  Storage{Backend: StorageMemory},
		Log:      Log{Level: "info"},
	}
}

// Load reads and validates a YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w: %w", path, err, ErrConfigRead)
	}

	cfg := Default()
	cfg.Listeners = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w: %w", path, err, ErrConfigParse)
	}

	if len(cfg.Listeners) == 0 {
		cfg.Listeners = Default().Listeners
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field-level invariants that the YAML decoder can't
// enforce on its own.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("config: at least one listener is required: %w", ErrInvalidListener)
	}

	for i, l := range c.Listeners {
		if l.Address == "" && l.Protocol != ProtocolUDS {
			return fmt.Errorf("config: listener %d: address is required: %w", i, ErrInvalidListener)
		}
		if l.Protocol == ProtocolUDS && l.Path == "" {
			return fmt.Errorf("config: listener %d: uds listener requires path: %w", i, ErrInvalidListener)
		}
		switch l.Protocol {
		case ProtocolMQTT, ProtocolMQTTS, ProtocolWS, ProtocolWSS, ProtocolUDS, ProtocolQUIC:
		default:
			return fmt.Errorf("config: listener %d: unknown protocol %q: %w", i, l.Protocol, ErrInvalidListener)
		}
		if (l.Protocol == ProtocolMQTTS || l.Protocol == ProtocolWSS) && (l.CertFile == "" || l.KeyFile == "") {
			return fmt.Errorf("config: listener %d: %s requires cert_file and key_file: %w", i, l.Protocol, ErrInvalidListener)
		}
	}

	// allow_anonymous alongside a password file is not an error:
	// unauthenticated clients are accepted in addition to authenticated
	// ones.

	switch c.Security.Backend {
	case "", AuthBackendFile, AuthBackendStore:
	default:
		return fmt.Errorf("config: unknown security backend %q: %w", c.Security.Backend, ErrInvalidSecurity)
	}

	switch c.Storage.Backend {
	case "", StorageMemory, StoragePebble, StorageRedis:
	default:
		return fmt.Errorf("config: unknown storage backend %q: %w", c.Storage.Backend, ErrInvalidStorage)
	}

	return nil
}
