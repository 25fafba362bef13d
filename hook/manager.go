package hook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/RustRobotics/hebo-sub002/encoding"
)

// Manager dispatches lifecycle events to registered hooks. The hook list
// is copy-on-write behind an atomic pointer: dispatch paths read it
// lock-free on every packet, while Add/Remove swap in a fresh slice
// under the registration mutex.
type Manager struct {
	mu       sync.Mutex
	hooksPtr atomic.Pointer[[]Hook]
	index    map[string]int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	m := &Manager{index: make(map[string]int)}
	empty := make([]Hook, 0)
	m.hooksPtr.Store(&empty)
	return m
}

// Add registers a hook; ids must be unique and nonempty.
func (m *Manager) Add(hook Hook) error {
	if hook == nil || hook.ID() == "" {
		return ErrEmptyHookID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := hook.ID()
	if _, taken := m.index[id]; taken {
		return ErrHookAlreadyExists
	}

	current := *m.hooksPtr.Load()
	next := make([]Hook, len(current), len(current)+1)
	copy(next, current)
	next = append(next, hook)

	m.index[id] = len(current)
	m.hooksPtr.Store(&next)
	return nil
}

// Remove unregisters the hook with the given id.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, found := m.index[id]
	if !found {
		return ErrHookNotFound
	}

	current := *m.hooksPtr.Load()
	next := make([]Hook, 0, len(current)-1)
	next = append(next, current[:pos]...)
	next = append(next, current[pos+1:]...)

	delete(m.index, id)
	for i := pos; i < len(next); i++ {
		m.index[next[i].ID()] = i
	}

	m.hooksPtr.Store(&next)
	return nil
}

// Get looks a hook up by id.
func (m *Manager) Get(id string) (Hook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, found := m.index[id]
	if !found {
		return nil, false
	}
	return (*m.hooksPtr.Load())[pos], true
}

// List snapshots the registered hooks in registration order.
func (m *Manager) List() []Hook {
	current := *m.hooksPtr.Load()
	out := make([]Hook, len(current))
	copy(out, current)
	return out
}

// Count returns the number of registered hooks.
func (m *Manager) Count() int {
	return len(*m.hooksPtr.Load())
}

// Clear stops and unregisters every hook.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range *m.hooksPtr.Load() {
		_ = h.Stop()
	}

	empty := make([]Hook, 0)
	m.hooksPtr.Store(&empty)
	m.index = make(map[string]int)
}

// each invokes fn on every hook providing event, ignoring results;
// the observer-style dispatch.
func (m *Manager) each(event Event, fn func(Hook)) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(event) {
			fn(h)
		}
	}
}

// firstError invokes fn on every provider, stopping at the first error;
// the veto-style dispatch.
func (m *Manager) firstError(event Event, fn func(Hook) error) error {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(event) {
			if err := fn(h); err != nil {
				return err
			}
		}
	}
	return nil
}

// vote invokes fn on every provider; a single false denies, the
// unanimous-approval dispatch. No providers means approval.
func (m *Manager) vote(event Event, fn func(Hook) bool) bool {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(event) {
			if !fn(h) {
				return false
			}
		}
	}
	return true
}

// SetOptions distributes broker options; the first hook error aborts.
func (m *Manager) SetOptions(opts *Options) error {
	return m.firstError(SetOptions, func(h Hook) error { return h.SetOptions(opts) })
}

// OnSysInfoTick fans a telemetry snapshot out to observers.
func (m *Manager) OnSysInfoTick(info *SysInfo) {
	m.each(OnSysInfoTick, func(h Hook) { _ = h.OnSysInfoTick(info) })
}

// OnStarted announces broker startup.
func (m *Manager) OnStarted() {
	m.each(OnStarted, func(h Hook) { _ = h.OnStarted() })
}

// OnStopped announces broker shutdown.
func (m *Manager) OnStopped(err error) {
	m.each(OnStopped, func(h Hook) { _ = h.OnStopped(err) })
}

// OnConnectAuthenticate requires unanimous approval of the credentials.
func (m *Manager) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool {
	return m.vote(OnConnectAuthenticate, func(h Hook) bool {
		return h.OnConnectAuthenticate(client, packet)
	})
}

// OnACLCheck requires unanimous approval of the topic access.
func (m *Manager) OnACLCheck(client *Client, topic string, access AccessType) bool {
	return m.vote(OnACLCheck, func(h Hook) bool {
		return h.OnACLCheck(client, topic, access)
	})
}

// OnConnect announces an accepted connection; a hook error aborts it.
func (m *Manager) OnConnect(client *Client, packet *ConnectPacket) error {
	return m.firstError(OnConnect, func(h Hook) error { return h.OnConnect(client, packet) })
}

// OnSessionEstablish returns the first non-nil replacement session
// state, or nil to proceed with the default.
func (m *Manager) OnSessionEstablish(client *Client, packet *ConnectPacket) *SessionState {
	var state *SessionState
	m.each(OnSessionEstablish, func(h Hook) {
		if state == nil {
			state = h.OnSessionEstablish(client, packet)
		}
	})
	return state
}

// OnSessionEstablished announces completed session setup.
func (m *Manager) OnSessionEstablished(client *Client, packet *ConnectPacket) error {
	return m.firstError(OnSessionEstablished, func(h Hook) error {
		return h.OnSessionEstablished(client, packet)
	})
}

// OnDisconnect announces a session detach.
func (m *Manager) OnDisconnect(client *Client, err error, expire bool) {
	m.each(OnDisconnect, func(h Hook) { _ = h.OnDisconnect(client, err, expire) })
}

// OnAuthPacket requires unanimous approval of a v5 AUTH step.
func (m *Manager) OnAuthPacket(client *Client, packet *AuthPacket) bool {
	return m.vote(OnAuthPacket, func(h Hook) bool { return h.OnAuthPacket(client, packet) })
}

// OnPacketRead threads raw inbound bytes through each rewriting hook.
func (m *Manager) OnPacketRead(client *Client, packet []byte) ([]byte, error) {
	current := packet
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(OnPacketRead) {
			next, err := h.OnPacketRead(client, current)
			if err != nil {
				return nil, err
			}
			current = next
		}
	}
	return current, nil
}

// OnPacketEncode threads raw outbound bytes through each rewriting hook.
func (m *Manager) OnPacketEncode(client *Client, packet []byte) []byte {
	current := packet
	m.each(OnPacketEncode, func(h Hook) {
		current = h.OnPacketEncode(client, current)
	})
	return current
}

// OnPacketSent reports a completed write.
func (m *Manager) OnPacketSent(client *Client, packet []byte, count int, err error) {
	m.each(OnPacketSent, func(h Hook) { _ = h.OnPacketSent(client, packet, count, err) })
}

// OnPacketProcessed reports one packet's outcome.
func (m *Manager) OnPacketProcessed(client *Client, packetType encoding.PacketType, err error) {
	m.each(OnPacketProcessed, func(h Hook) { _ = h.OnPacketProcessed(client, packetType, err) })
}

// OnSubscribe lets hooks veto a subscription before it is granted.
func (m *Manager) OnSubscribe(client *Client, sub *Subscription) error {
	return m.firstError(OnSubscribe, func(h Hook) error { return h.OnSubscribe(client, sub) })
}

// OnSubscribed announces a granted subscription.
func (m *Manager) OnSubscribed(client *Client, sub *Subscription) {
	m.each(OnSubscribed, func(h Hook) { _ = h.OnSubscribed(client, sub) })
}

// OnSelectSubscribers lets hooks adjust a publish's recipient set.
func (m *Manager) OnSelectSubscribers(subscribers *Subscribers, topic string) {
	m.each(OnSelectSubscribers, func(h Hook) { _ = h.OnSelectSubscribers(subscribers, topic) })
}

// OnUnsubscribe lets hooks veto an unsubscription.
func (m *Manager) OnUnsubscribe(client *Client, topicFilter string) error {
	return m.firstError(OnUnsubscribe, func(h Hook) error {
		return h.OnUnsubscribe(client, topicFilter)
	})
}

// OnUnsubscribed announces a completed unsubscription.
func (m *Manager) OnUnsubscribed(client *Client, topicFilter string) {
	m.each(OnUnsubscribed, func(h Hook) { _ = h.OnUnsubscribed(client, topicFilter) })
}

// OnPublish lets hooks veto a publish before routing.
func (m *Manager) OnPublish(client *Client, packet *PublishPacket) error {
	return m.firstError(OnPublish, func(h Hook) error { return h.OnPublish(client, packet) })
}

// OnPublished announces a routed publish.
func (m *Manager) OnPublished(client *Client, packet *PublishPacket) {
	m.each(OnPublished, func(h Hook) { _ = h.OnPublished(client, packet) })
}

// OnPublishDropped reports a publish lost to backpressure or policy.
func (m *Manager) OnPublishDropped(client *Client, packet *PublishPacket, reason DropReason) {
	m.each(OnPublishDropped, func(h Hook) { _ = h.OnPublishDropped(client, packet, reason) })
}

// OnRetainMessage lets hooks veto a retained-message write.
func (m *Manager) OnRetainMessage(client *Client, packet *PublishPacket) error {
	return m.firstError(OnRetainMessage, func(h Hook) error {
		return h.OnRetainMessage(client, packet)
	})
}

// OnRetainPublished announces a retained delivery.
func (m *Manager) OnRetainPublished(client *Client, packet *PublishPacket) {
	m.each(OnRetainPublished, func(h Hook) { _ = h.OnRetainPublished(client, packet) })
}

// OnQosPublish reports one QoS exchange attempt.
func (m *Manager) OnQosPublish(client *Client, packet *PublishPacket, sent time.Time, resend int) {
	m.each(OnQosPublish, func(h Hook) { _ = h.OnQosPublish(client, packet, sent, resend) })
}

// OnQosComplete reports a finished QoS exchange.
func (m *Manager) OnQosComplete(client *Client, packetID uint16, packetType encoding.PacketType) {
	m.each(OnQosComplete, func(h Hook) { _ = h.OnQosComplete(client, packetID, packetType) })
}

// OnQosDropped reports an abandoned QoS exchange.
func (m *Manager) OnQosDropped(client *Client, packetID uint16, reason DropReason) {
	m.each(OnQosDropped, func(h Hook) { _ = h.OnQosDropped(client, packetID, reason) })
}

// OnPacketIDExhausted reports an id-space exhaustion.
func (m *Manager) OnPacketIDExhausted(client *Client, packetType encoding.PacketType) {
	m.each(OnPacketIDExhausted, func(h Hook) { _ = h.OnPacketIDExhausted(client, packetType) })
}

// OnWill threads the will through each rewriting hook; a nil return
// from a hook keeps the previous value.
func (m *Manager) OnWill(client *Client, will *WillMessage) *WillMessage {
	current := will
	m.each(OnWill, func(h Hook) {
		if replaced := h.OnWill(client, current); replaced != nil {
			current = replaced
		}
	})
	return current
}

// OnWillSent announces a delivered will.
func (m *Manager) OnWillSent(client *Client, will *WillMessage) {
	m.each(OnWillSent, func(h Hook) { _ = h.OnWillSent(client, will) })
}

// OnClientExpired reports an expired session sweep.
func (m *Manager) OnClientExpired(clientID string) {
	m.each(OnClientExpired, func(h Hook) { _ = h.OnClientExpired(clientID) })
}

// OnRetainedExpired reports an expired retained message.
func (m *Manager) OnRetainedExpired(topic string) {
	m.each(OnRetainedExpired, func(h Hook) { _ = h.OnRetainedExpired(topic) })
}

// The Stored* queries return the first providing hook's data: exactly
// one persistence hook is expected.

func (m *Manager) StoredClients() ([]*Client, error) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(StoredClients) {
			return h.StoredClients()
		}
	}
	return nil, nil
}

func (m *Manager) StoredSubscriptions() ([]*Subscription, error) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(StoredSubscriptions) {
			return h.StoredSubscriptions()
		}
	}
	return nil, nil
}

func (m *Manager) StoredInflightMessages() ([]*InflightMessage, error) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(StoredInflightMessages) {
			return h.StoredInflightMessages()
		}
	}
	return nil, nil
}

func (m *Manager) StoredRetainedMessages() ([]*RetainedMessage, error) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(StoredRetainedMessages) {
			return h.StoredRetainedMessages()
		}
	}
	return nil, nil
}

func (m *Manager) StoredSysInfo() (*SysInfo, error) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(StoredSysInfo) {
			return h.StoredSysInfo()
		}
	}
	return nil, nil
}
