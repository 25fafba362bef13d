package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/RustRobotics/hebo-sub002/store"
)

// Store is the persistence seam for sessions: any generic store keyed by
// client id. The memory backend is the default; Pebble and Redis come
// from the same store package when configured.
type Store = store.Store[*Session]

// WillPublisher publishes a will message through the broker's routing
// path; the manager calls it for immediate wills at disconnect and for
// delayed wills from the expiry sweep.
type WillPublisher interface {
	PublishWill(ctx context.Context, will *WillMessage, clientID string) error
}

// ManagerConfig configures NewManager.
type ManagerConfig struct {
	Store               Store
	ExpiryCheckInterval time.Duration
	WillPublisher       WillPublisher
	AssignedIDPrefix    string
}

// Manager owns session lifecycle: create/resume on CONNECT, disconnect
// bookkeeping, expiry sweeping, and server-assigned client ids. Live
// sessions are cached in memory; the store is the durable copy.
type Manager struct {
	store         Store
	willPublisher WillPublisher
	idPrefix      string

	mu     sync.RWMutex
	active map[string]*Session

	sweepTicker *time.Ticker
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewManager builds a Manager and starts its expiry sweeper.
func NewManager(config ManagerConfig) *Manager {
	if config.ExpiryCheckInterval <= 0 {
		config.ExpiryCheckInterval = 30 * time.Second
	}
	if config.AssignedIDPrefix == "" {
		config.AssignedIDPrefix = "auto-"
	}

	m := &Manager{
		store:         config.Store,
		willPublisher: config.WillPublisher,
		idPrefix:      config.AssignedIDPrefix,
		active:        make(map[string]*Session),
		sweepTicker:   time.NewTicker(config.ExpiryCheckInterval),
		stop:          make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// ensureContainers rebuilds any nil maps on a session decoded from a
// persistence backend, which may omit empty containers.
func (s *Session) ensureContainers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Subscriptions == nil {
		s.Subscriptions = make(map[string]*Subscription)
	}
	if s.Inflight.Outbound == nil {
		s.Inflight.Outbound = make(map[uint16]*PendingMessage)
	}
	if s.Inflight.AwaitRel == nil {
		s.Inflight.AwaitRel = make(map[uint16]struct{})
	}
	if s.Inflight.AwaitComp == nil {
		s.Inflight.AwaitComp = make(map[uint16]struct{})
	}
	if s.nextPacketID == 0 {
		s.nextPacketID = 1
	}
}

// CreateSession implements CONNECT's session establishment: resume the
// stored session when clean-start is off and one survives, reset it when
// clean-start is on, create otherwise. The second return value is the
// CONNACK session-present flag.
func (m *Manager) CreateSession(ctx context.Context, clientID string, cleanStart bool, expiryInterval uint32, protocolVersion byte) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.lookupLocked(ctx, clientID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}

	if existing != nil && !existing.IsExpired() {
		sessionPresent := !cleanStart
		if cleanStart {
			existing.Clear()
			existing.CleanStart = true
			existing.ExpiryInterval = expiryInterval
		} else if expiryInterval > 0 {
			existing.UpdateExpiryInterval(expiryInterval)
		}
		existing.SetActive()

		m.active[clientID] = existing
		if err := m.store.Save(ctx, clientID, existing); err != nil {
			return nil, false, err
		}
		return existing, sessionPresent, nil
	}

	created := New(clientID, cleanStart, expiryInterval, protocolVersion)
	created.SetActive()
	m.active[clientID] = created

	if err := m.store.Save(ctx, clientID, created); err != nil {
		delete(m.active, clientID)
		return nil, false, err
	}
	return created, false, nil
}

// lookupLocked finds a session in the live cache or the store. Caller
// holds m.mu.
func (m *Manager) lookupLocked(ctx context.Context, clientID string) (*Session, error) {
	if sess, ok := m.active[clientID]; ok {
		return sess, nil
	}
	return m.loadStored(ctx, clientID)
}

// loadStored fetches and normalizes a session from the backing store.
func (m *Manager) loadStored(ctx context.Context, clientID string) (*Session, error) {
	sess, err := m.store.Load(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	sess.ensureContainers()
	return sess, nil
}

// GetSession returns the live or stored session for clientID.
func (m *Manager) GetSession(ctx context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.active[clientID]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}
	return m.loadStored(ctx, clientID)
}

// DisconnectSession detaches a session. With sendWill set, an undelayed
// will is published immediately; a delayed will stays on the session for
// the sweeper. Clean or expiry-0 sessions are deleted, persistent ones
// saved back.
func (m *Manager) DisconnectSession(ctx context.Context, clientID string, sendWill bool) error {
	sess, err := m.GetSession(ctx, clientID)
	if err != nil {
		return err
	}

	sess.SetDisconnected()

	if sendWill {
		if will := sess.GetWillMessage(); will != nil && sess.WillDelayInterval == 0 {
			if m.willPublisher != nil {
				_ = m.willPublisher.PublishWill(ctx, will, clientID)
			}
			sess.ClearWillMessage()
		}
	} else {
		sess.ClearWillMessage()
	}

	m.mu.Lock()
	delete(m.active, clientID)
	m.mu.Unlock()

	if sess.GetCleanStart() || sess.GetExpiryInterval() == 0 {
		return m.store.Delete(ctx, clientID)
	}
	return m.store.Save(ctx, clientID, sess)
}

// RemoveSession deletes a session outright.
func (m *Manager) RemoveSession(ctx context.Context, clientID string) error {
	m.mu.Lock()
	delete(m.active, clientID)
	m.mu.Unlock()
	return m.store.Delete(ctx, clientID)
}

// TakeoverSession prepares a stored session for a duplicate-client-id
// takeover; the evicted connection's will has already been handled by
// its own teardown.
func (m *Manager) TakeoverSession(ctx context.Context, clientID string) error {
	sess, err := m.GetSession(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	sess.ClearWillMessage()
	return nil
}

// GenerateClientID produces a prefixed random id not already in use.
func (m *Manager) GenerateClientID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		candidate := m.idPrefix + hex.EncodeToString(raw)

		taken, err := m.store.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", ErrSessionAlreadyExists
}

// sweepLoop periodically expires sessions and publishes due delayed
// wills.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.sweepTicker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	ctx := context.Background()

	clientIDs, err := m.store.List(ctx)
	if err != nil {
		return
	}

	for _, clientID := range clientIDs {
		sess, err := m.loadStored(ctx, clientID)
		if err != nil {
			continue
		}

		switch {
		case sess.IsExpired():
			if sess.ShouldPublishWill() && m.willPublisher != nil {
				if will := sess.GetWillMessage(); will != nil {
					_ = m.willPublisher.PublishWill(ctx, will, clientID)
				}
			}
			sess.SetExpired()
			_ = m.store.Delete(ctx, clientID)

		case sess.GetState() == StateDisconnected && sess.GetWillMessage() != nil:
			if sess.ShouldPublishWill() {
				if m.willPublisher != nil {
					_ = m.willPublisher.PublishWill(ctx, sess.GetWillMessage(), clientID)
				}
				sess.ClearWillMessage()
				_ = m.store.Save(ctx, clientID, sess)
			}
		}
	}
}

// Close stops the sweeper and releases the store.
func (m *Manager) Close() error {
	close(m.stop)
	m.sweepTicker.Stop()
	m.wg.Wait()
	return m.store.Close()
}

// GetActiveSessionCount returns how many sessions are attached to live
// connections.
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// GetAllActiveSessions lists the client ids with live connections.
func (m *Manager) GetAllActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.active))
	for clientID := range m.active {
		ids = append(ids, clientID)
	}
	return ids
}
