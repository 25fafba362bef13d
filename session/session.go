// Package session holds per-client session state: identity, lifecycle,
// subscriptions, the will message, and the in-flight QoS bookkeeping
// that must survive a reconnect. Persistence goes through the generic
// store.Store seam, so the same Session rides the memory, Pebble, or
// Redis backend unchanged.
package session

import (
	"sync"
	"time"
)

// State is a stored session's lifecycle. The transient connection states
// (connect received, awaiting auth, disconnecting) live in the broker's
// connection handler; a stored session only needs to answer whether it is
// currently attached to a socket and whether it may still be resumed.
type State byte

const (
	StateNew State = iota
	StateActive
	StateDisconnected
	StateExpired
)

// WillMessage is the message published on the client's behalf when its
// session ends without a clean DISCONNECT.
type WillMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties map[string]interface{}
}

// Subscription is one stored subscription, kept so a persistent session
// can be re-registered with the router on resume.
type Subscription struct {
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
	SubscribedAt           time.Time
}

// PendingMessage is one outbound QoS1/2 publish awaiting its ack,
// retransmitted with DUP=1 on reconnect.
type PendingMessage struct {
	PacketID   uint16
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	DUP        bool
	Properties map[string]interface{}
	Timestamp  time.Time
}

// Inflight groups the three QoS maps whose ids share one packet-id
// space: outbound publishes awaiting PUBACK/PUBREC, inbound QoS2 ids
// awaiting PUBREL, and outbound QoS2 ids awaiting PUBCOMP.
type Inflight struct {
	Outbound  map[uint16]*PendingMessage
	AwaitRel  map[uint16]struct{}
	AwaitComp map[uint16]struct{}
}

func newInflight() Inflight {
	return Inflight{
		Outbound:  make(map[uint16]*PendingMessage),
		AwaitRel:  make(map[uint16]struct{}),
		AwaitComp: make(map[uint16]struct{}),
	}
}

// busy reports whether id is claimed anywhere in the inflight state.
func (f *Inflight) busy(id uint16) bool {
	if _, ok := f.Outbound[id]; ok {
		return true
	}
	if _, ok := f.AwaitRel[id]; ok {
		return true
	}
	_, ok := f.AwaitComp[id]
	return ok
}

// Session is one client's stored state, keyed by client id. All methods
// are safe for concurrent use; the session's reader and writer goroutines
// both touch it.
type Session struct {
	mu sync.RWMutex

	ClientID        string
	CleanStart      bool
	State           State
	ExpiryInterval  uint32 // seconds; 0 means the session ends at disconnect
	ProtocolVersion byte

	CreatedAt      time.Time
	LastAccessedAt time.Time
	DisconnectedAt time.Time

	WillMessage       *WillMessage
	WillDelayInterval uint32

	Subscriptions map[string]*Subscription
	Inflight      Inflight

	ReceiveMaximum uint16
	MaxPacketSize  uint32

	nextPacketID uint16
}

// New creates a fresh session in StateNew.
func New(clientID string, cleanStart bool, expiryInterval uint32, protocolVersion byte) *Session {
	now := time.Now()
	return &Session{
		ClientID:        clientID,
		CleanStart:      cleanStart,
		State:           StateNew,
		ExpiryInterval:  expiryInterval,
		ProtocolVersion: protocolVersion,
		CreatedAt:       now,
		LastAccessedAt:  now,
		Subscriptions:   make(map[string]*Subscription),
		Inflight:        newInflight(),
		ReceiveMaximum:  65535,
		nextPacketID:    1,
	}
}

// setState is the single lifecycle mutation point.
func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
	switch state {
	case StateActive:
		s.LastAccessedAt = time.Now()
	case StateDisconnected:
		s.DisconnectedAt = time.Now()
	}
}

// SetActive attaches the session to a live connection.
func (s *Session) SetActive() { s.setState(StateActive) }

// SetDisconnected detaches the session, stamping the disconnect time the
// expiry clock runs from.
func (s *Session) SetDisconnected() { s.setState(StateDisconnected) }

// SetExpired marks the session unusable.
func (s *Session) SetExpired() { s.setState(StateExpired) }

// IsExpired reports whether the session may no longer be resumed. A
// persistent session with no expiry interval never expires on its own.
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.State == StateExpired:
		return true
	case s.ExpiryInterval == 0 && !s.CleanStart:
		return false
	case s.State == StateDisconnected && s.ExpiryInterval > 0:
		return time.Since(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
	default:
		return false
	}
}

// Touch refreshes the last-accessed stamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastAccessedAt = time.Now()
	s.mu.Unlock()
}

// SetWillMessage stores the will and its delay from CONNECT.
func (s *Session) SetWillMessage(will *WillMessage, delayInterval uint32) {
	s.mu.Lock()
	s.WillMessage = will
	s.WillDelayInterval = delayInterval
	s.mu.Unlock()
}

// ClearWillMessage drops the will, as a clean DISCONNECT requires.
func (s *Session) ClearWillMessage() {
	s.mu.Lock()
	s.WillMessage = nil
	s.mu.Unlock()
}

// GetWillMessage returns the stored will, nil when none.
func (s *Session) GetWillMessage() *WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WillMessage
}

// ShouldPublishWill reports whether the will is due: immediately when no
// delay is set, otherwise once the delay has elapsed since disconnect.
func (s *Session) ShouldPublishWill() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.WillMessage == nil {
		return false
	}
	if s.WillDelayInterval == 0 {
		return true
	}
	return time.Since(s.DisconnectedAt) >= time.Duration(s.WillDelayInterval)*time.Second
}

// AddSubscription records (or replaces) a subscription by filter.
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	s.Subscriptions[sub.TopicFilter] = sub
	s.mu.Unlock()
}

// RemoveSubscription drops the subscription for filter.
func (s *Session) RemoveSubscription(topicFilter string) {
	s.mu.Lock()
	delete(s.Subscriptions, topicFilter)
	s.mu.Unlock()
}

// GetSubscription looks a subscription up by filter.
func (s *Session) GetSubscription(topicFilter string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.Subscriptions[topicFilter]
	return sub, ok
}

// GetAllSubscriptions snapshots the subscription map.
func (s *Session) GetAllSubscriptions() map[string]*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Subscription, len(s.Subscriptions))
	for filter, sub := range s.Subscriptions {
		out[filter] = sub
	}
	return out
}

// ClearSubscriptions drops every subscription.
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	s.Subscriptions = make(map[string]*Subscription)
	s.mu.Unlock()
}

// NextPacketID allocates the next free outbound packet id, skipping ids
// still claimed by in-flight exchanges and never returning zero.
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		id := s.nextPacketID
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if id != 0 && !s.Inflight.busy(id) {
			return id
		}
	}
}

// AddPendingPublish records an outbound publish awaiting its ack.
func (s *Session) AddPendingPublish(msg *PendingMessage) {
	s.mu.Lock()
	s.Inflight.Outbound[msg.PacketID] = msg
	s.mu.Unlock()
}

// RemovePendingPublish releases an acked outbound publish.
func (s *Session) RemovePendingPublish(packetID uint16) {
	s.mu.Lock()
	delete(s.Inflight.Outbound, packetID)
	s.mu.Unlock()
}

// GetPendingPublish looks up one outbound in-flight publish.
func (s *Session) GetPendingPublish(packetID uint16) (*PendingMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.Inflight.Outbound[packetID]
	return msg, ok
}

// GetAllPendingPublish snapshots the outbound in-flight map, for DUP
// retransmission on resume.
func (s *Session) GetAllPendingPublish() map[uint16]*PendingMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint16]*PendingMessage, len(s.Inflight.Outbound))
	for id, msg := range s.Inflight.Outbound {
		out[id] = msg
	}
	return out
}

// AddPendingPubrel marks an inbound QoS2 id as held until PUBREL.
func (s *Session) AddPendingPubrel(packetID uint16) {
	s.mu.Lock()
	s.Inflight.AwaitRel[packetID] = struct{}{}
	s.mu.Unlock()
}

// RemovePendingPubrel completes the inbound QoS2 exchange for the id.
func (s *Session) RemovePendingPubrel(packetID uint16) {
	s.mu.Lock()
	delete(s.Inflight.AwaitRel, packetID)
	s.mu.Unlock()
}

// HasPendingPubrel reports whether the inbound QoS2 id is held.
func (s *Session) HasPendingPubrel(packetID uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.Inflight.AwaitRel[packetID]
	return ok
}

// AddPendingPubcomp marks an outbound QoS2 id as awaiting PUBCOMP.
func (s *Session) AddPendingPubcomp(packetID uint16) {
	s.mu.Lock()
	s.Inflight.AwaitComp[packetID] = struct{}{}
	s.mu.Unlock()
}

// RemovePendingPubcomp completes the outbound QoS2 exchange for the id.
func (s *Session) RemovePendingPubcomp(packetID uint16) {
	s.mu.Lock()
	delete(s.Inflight.AwaitComp, packetID)
	s.mu.Unlock()
}

// HasPendingPubcomp reports whether the outbound QoS2 id is open.
func (s *Session) HasPendingPubcomp(packetID uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.Inflight.AwaitComp[packetID]
	return ok
}

// Clear wipes subscriptions, in-flight state, and the will: the
// clean-start reset.
func (s *Session) Clear() {
	s.mu.Lock()
	s.Subscriptions = make(map[string]*Subscription)
	s.Inflight = newInflight()
	s.WillMessage = nil
	s.mu.Unlock()
}

// GetState returns the lifecycle state.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// GetClientID returns the owning client id.
func (s *Session) GetClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ClientID
}

// GetCleanStart returns the clean-start flag.
func (s *Session) GetCleanStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CleanStart
}

// GetExpiryInterval returns the session expiry in seconds.
func (s *Session) GetExpiryInterval() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExpiryInterval
}

// UpdateExpiryInterval replaces the expiry, as a v5 DISCONNECT may do.
func (s *Session) UpdateExpiryInterval(interval uint32) {
	s.mu.Lock()
	s.ExpiryInterval = interval
	s.mu.Unlock()
}
