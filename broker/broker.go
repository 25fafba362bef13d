// Package broker assembles the MQTT broker core: it builds the dispatcher,
// auth policy, ACL list, session manager, and metrics registry from a
// loaded configuration, starts one listener per configured endpoint
// (TCP/TLS/WebSocket/Unix-domain), and runs the per-connection session
// state machine that ties the wire codec to the dispatcher's pub/sub
// routing.
//
// Concurrency follows an actor model: one goroutine per accept
// loop, one reader and one writer goroutine per session, one dispatcher
// goroutine owning the subscription trie, and bounded channels (capacity
// 16) as the only cross-goroutine links.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/RustRobotics/hebo-sub002/acl"
	"github.com/RustRobotics/hebo-sub002/auth"
	"github.com/RustRobotics/hebo-sub002/config"
	"github.com/RustRobotics/hebo-sub002/dispatcher"
	"github.com/RustRobotics/hebo-sub002/hook"
	"github.com/RustRobotics/hebo-sub002/metrics"
	"github.com/RustRobotics/hebo-sub002/pkg/logger"
	"github.com/RustRobotics/hebo-sub002/session"
	"github.com/RustRobotics/hebo-sub002/store"
	"github.com/RustRobotics/hebo-sub002/types/message"
)

// Server is the broker: configuration, singleton subsystems, and one
// listenerRuntime per configured endpoint.
type Server struct {
	cfg  *config.Config
	log  *logger.SlogLogger
	reg  *metrics.Registry
	disp *dispatcher.Dispatcher

	authPolicy *auth.Policy
	aclList    *acl.List
	sessions   *session.Manager
	hooks      *hook.Manager

	listeners  []*listenerRuntime
	metricsSrv *metrics.Server

	cancel       context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
}

// New assembles a Server from cfg without binding any socket; Start does
// the binding. The session store backend, credential backend, and ACL
// list are all resolved here so a bad configuration fails before any
// listener port is taken.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.NewSlogLogger(parseLogLevel(cfg.Log.Level), nil)
	reg := metrics.NewRegistry()

	checker, err := newCredentialChecker(cfg.Security, cfg.Storage)
	if err != nil {
		return nil, err
	}
	authPolicy := auth.NewPolicy(checker, cfg.Security.AllowAnonymous)

	var aclList *acl.List
	if cfg.Security.ACLFile != "" {
		list, err := acl.Load(cfg.Security.ACLFile)
		if err != nil {
			return nil, fmt.Errorf("broker: loading acl file: %w", err)
		}
		aclList = list
	}

	sessStore, err := newSessionStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	dispCfg := dispatcher.DefaultConfig()
	if cfg.General.SysInterval > 0 {
		dispCfg.SysInterval = cfg.General.SysInterval
	}
	disp := dispatcher.New(dispCfg, aclList, reg)

	s := &Server{
		cfg:        cfg,
		log:        log,
		reg:        reg,
		disp:       disp,
		authPolicy: authPolicy,
		aclList:    aclList,
		hooks:      hook.NewManager(),
		done:       make(chan struct{}),
	}

	s.sessions = session.NewManager(session.ManagerConfig{
		Store:         sessStore,
		WillPublisher: (*willPublisher)(s),
	})

	for i, lc := range cfg.Listeners {
		lr, err := newListenerRuntime(s, uint32(i+1), lc)
		if err != nil {
			return nil, err
		}
		s.listeners = append(s.listeners, lr)
	}

	if cfg.Metrics.Enabled {
		s.metricsSrv = metrics.NewServer(cfg.Metrics.Address, reg)
	} else if cfg.Dashboard.Enabled {
		s.metricsSrv = metrics.NewServer(cfg.Dashboard.Address, reg)
	}

	return s, nil
}

// Hooks exposes the hook manager so embedders can attach auth/ACL/
// observability hooks before Start.
func (s *Server) Hooks() *hook.Manager { return s.hooks }

// Registry exposes the metrics registry (tests, dashboard glue).
func (s *Server) Registry() *metrics.Registry { return s.reg }

// Dispatcher exposes the router, used by tests and by embedded clients
// that publish without a socket.
func (s *Server) Dispatcher() *dispatcher.Dispatcher { return s.disp }

// ListenerAddrs returns every started listener's bound address in
// configuration order, which is how callers binding ":0" learn the real
// port.
func (s *Server) ListenerAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, lr := range s.listeners {
		addrs = append(addrs, lr.transport.Addr())
	}
	return addrs
}

// Start binds every configured listener and runs the dispatcher. It
// returns once everything is accepting; the broker then runs until ctx is
// canceled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.disp.Run(ctx)

	for _, lr := range s.listeners {
		if err := lr.start(ctx); err != nil {
			s.closeListeners()
			s.cancel()
			return err
		}
		s.log.Info("listener started",
			"listener_id", lr.id,
			"protocol", string(lr.cfg.Protocol),
			"address", lr.addr())
	}

	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil {
				s.log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	go s.sysHookLoop(ctx)

	s.hooks.OnStarted()
	s.log.Info("broker started", "listeners", len(s.listeners))
	return nil
}

// sysHookLoop feeds hook.OnSysInfoTick on the same cadence as the
// dispatcher's `$SYS` publishes, so hook-based observers and `$SYS`
// subscribers see consistent snapshots.
func (s *Server) sysHookLoop(ctx context.Context) {
	interval := s.cfg.General.SysInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hooks.OnSysInfoTick(s.reg.SysInfo())
		}
	}
}

// Shutdown stops accepting, disconnects every session with a bounded
// flush, stops the dispatcher, and releases the session store.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.closeListeners()

		if s.metricsSrv != nil {
			_ = s.metricsSrv.Shutdown(ctx)
		}

		select {
		case <-s.disp.Done():
		case <-ctx.Done():
		}

		err = s.sessions.Close()
		s.hooks.OnStopped(nil)
		close(s.done)
		s.log.Info("broker stopped")
	})
	return err
}

func (s *Server) closeListeners() {
	for _, lr := range s.listeners {
		lr.close()
	}
}

// willPublisher adapts the Server to session.WillPublisher so the session
// manager's expiry checker can publish delayed wills through the
// dispatcher when a persistent session lapses.
type willPublisher Server

func (w *willPublisher) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	s := (*Server)(w)
	msg := message.NewMessage(0, will.Topic, will.Payload, toQoS(will.QoS), will.Retain, will.Properties)
	return s.disp.Publish(ctx, dispatcher.PublishRequest{Message: msg})
}

// newCredentialChecker builds the broker's CredentialChecker: AuthBackendFile
// (default) parses Security.PasswordFile, AuthBackendStore wraps a
// credential Store[string] selected the same way the session store is
// (memory/Pebble/Redis via Storage.Backend), namespaced separately from
// the session store so the two never collide.
func newCredentialChecker(sec config.Security, st config.Storage) (auth.CredentialChecker, error) {
	switch sec.Backend {
	case config.AuthBackendStore:
		credStore, err := newCredentialStore(st)
		if err != nil {
			return nil, err
		}
		return auth.NewStoreChecker(credStore), nil
	case "", config.AuthBackendFile:
		if sec.PasswordFile == "" {
			return nil, nil
		}
		fc, err := auth.NewFileChecker(sec.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("broker: loading password file: %w", err)
		}
		return fc, nil
	default:
		return nil, fmt.Errorf("broker: unknown security backend %q", sec.Backend)
	}
}

func newCredentialStore(st config.Storage) (store.Store[string], error) {
	switch st.Backend {
	case "", config.StorageMemory:
		return store.NewMemoryStore[string](), nil
	case config.StoragePebble:
		// A Pebble database holds an exclusive lock on its directory, so
		// the credential store gets its own subdirectory rather than
		// reopening the session store's path (Prefix alone only
		// namespaces keys within one already-open *pebble.DB).
		return store.NewPebbleStore[string](store.PebbleStoreConfig{
			Path:   filepath.Join(st.Path, "auth"),
			Prefix: "cred:",
		})
	case config.StorageRedis:
		return store.NewRedisStore[string](store.RedisStoreConfig{
			Addr:   st.RedisURL,
			Prefix: "cred:",
		})
	default:
		return nil, fmt.Errorf("broker: unknown storage backend %q", st.Backend)
	}
}

func newSessionStore(st config.Storage) (session.Store, error) {
	switch st.Backend {
	case "", config.StorageMemory:
		return store.NewMemoryStore[*session.Session](), nil
	case config.StoragePebble:
		return store.NewPebbleStore[*session.Session](store.PebbleStoreConfig{
			Path:   st.Path,
			Prefix: "session:",
		})
	case config.StorageRedis:
		return store.NewRedisStore[*session.Session](store.RedisStoreConfig{
			Addr:   st.RedisURL,
			Prefix: "session:",
		})
	default:
		return nil, fmt.Errorf("broker: unknown storage backend %q", st.Backend)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
