// Package qos implements the QoS1/QoS2 delivery state machine used by
// the client side of the repo: outbound publishes tracked until their
// acknowledgment completes, receiver-side exactly-once bookkeeping, and
// retry with exponential backoff for unacknowledged messages.
//
// The handler is transport-agnostic: callbacks carry packets to the wire
// (onPublish, onPubrel) or report exchange completion (onPuback,
// onPubcomp), so the same state machine serves any connection type.
package qos

import (
	"context"
	"sync"
	"time"

	"github.com/RustRobotics/hebo-sub002/encoding"
	"github.com/RustRobotics/hebo-sub002/types/message"
)

// Config tunes the handler's retry, expiry, and dedup behavior.
type Config struct {
	MaxInflight       uint16
	RetryInterval     time.Duration
	MaxRetries        int
	RetryBackoff      float64
	MaxRetryInterval  time.Duration
	CleanupInterval   time.Duration
	AckTimeout        time.Duration
	EnableDedup       bool
	DedupWindowSize   int
	DedupCleanupCount int
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxInflight:       65535,
		RetryInterval:     5 * time.Second,
		MaxRetries:        5,
		RetryBackoff:      2.0,
		MaxRetryInterval:  60 * time.Second,
		CleanupInterval:   30 * time.Second,
		AckTimeout:        30 * time.Second,
		EnableDedup:       true,
		DedupWindowSize:   1000,
		DedupCleanupCount: 100,
	}
}

// Handler owns the in-flight QoS state for one connection. The four maps
// share one packet-id space: qos1Messages and qos2Messages hold outbound
// publishes awaiting PUBACK/PUBREC, qos2Pubrel holds outbound ids between
// PUBREC and PUBCOMP, and qos2Received tracks inbound QoS2 ids whose
// PUBREL is still outstanding.
type Handler struct {
	config *Config

	mu            sync.RWMutex
	qos1Messages  map[uint16]*message.Message
	qos2Messages  map[uint16]*message.Message
	qos2Pubrel    map[uint16]struct{}
	qos2Received  map[uint16]time.Time
	dedupCache    *dedupCache
	nextPacketID  uint16
	inflightCount int
	callbacks     *callbacks
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	closed        bool
}

// callbacks are the handler's outputs: send hooks and completion hooks.
type callbacks struct {
	onPublish  func(msg *message.Message) error
	onPuback   func(packetID uint16) error
	onPubrec   func(packetID uint16) error
	onPubrel   func(packetID uint16) error
	onPubcomp  func(packetID uint16) error
	onExpired  func(msg *message.Message)
	onMaxRetry func(msg *message.Message)
}

// NewHandler starts a handler with its retry and cleanup loops running.
func NewHandler(config *Config) *Handler {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		config:       config,
		qos1Messages: make(map[uint16]*message.Message),
		qos2Messages: make(map[uint16]*message.Message),
		qos2Pubrel:   make(map[uint16]struct{}),
		qos2Received: make(map[uint16]time.Time),
		nextPacketID: 1,
		callbacks:    &callbacks{},
		ctx:          ctx,
		cancel:       cancel,
	}
	if config.EnableDedup {
		h.dedupCache = newDedupCache(config.DedupWindowSize)
	}

	h.wg.Add(2)
	go h.retryLoop()
	go h.cleanupLoop()
	return h
}

// setCallback is the single mutation point for the callback set.
func (h *Handler) setCallback(assign func(*callbacks)) {
	h.mu.Lock()
	assign(h.callbacks)
	h.mu.Unlock()
}

// SetPublishCallback installs the hook that puts a PUBLISH on the wire;
// it also carries retransmissions, which arrive with AttemptCount > 1.
func (h *Handler) SetPublishCallback(cb func(msg *message.Message) error) {
	h.setCallback(func(c *callbacks) { c.onPublish = cb })
}

// SetPubackCallback installs the hook fired when a QoS1 exchange ends,
// on receive flows it sends the PUBACK, on send flows it reports
// completion.
func (h *Handler) SetPubackCallback(cb func(packetID uint16) error) {
	h.setCallback(func(c *callbacks) { c.onPuback = cb })
}

// SetPubrecCallback installs the PUBREC hook.
func (h *Handler) SetPubrecCallback(cb func(packetID uint16) error) {
	h.setCallback(func(c *callbacks) { c.onPubrec = cb })
}

// SetPubrelCallback installs the PUBREL hook.
func (h *Handler) SetPubrelCallback(cb func(packetID uint16) error) {
	h.setCallback(func(c *callbacks) { c.onPubrel = cb })
}

// SetPubcompCallback installs the PUBCOMP hook.
func (h *Handler) SetPubcompCallback(cb func(packetID uint16) error) {
	h.setCallback(func(c *callbacks) { c.onPubcomp = cb })
}

// SetExpiredCallback installs the hook for messages dropped by expiry.
func (h *Handler) SetExpiredCallback(cb func(msg *message.Message)) {
	h.setCallback(func(c *callbacks) { c.onExpired = cb })
}

// SetMaxRetryCallback installs the hook for messages dropped after the
// retry budget is spent.
func (h *Handler) SetMaxRetryCallback(cb func(msg *message.Message)) {
	h.setCallback(func(c *callbacks) { c.onMaxRetry = cb })
}

// HandlePublish runs the receiver side of one inbound PUBLISH.
func (h *Handler) HandlePublish(msg *message.Message) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHandlerClosed
	}

	if msg.IsExpired() {
		return ErrMessageExpired
	}

	switch msg.QoS {
	case encoding.QoS0:
		return h.handleQoS0Publish(msg)
	case encoding.QoS1:
		return h.handleQoS1Publish(msg)
	case encoding.QoS2:
		return h.handleQoS2Publish(msg)
	default:
		return ErrInvalidQoS
	}
}

// handleQoS0Publish delivers and forgets.
func (h *Handler) handleQoS0Publish(msg *message.Message) error {
	if cb := h.publishCallback(); cb != nil {
		return cb(msg)
	}
	return nil
}

// handleQoS1Publish delivers then acknowledges; a deduplicated repeat is
// re-acknowledged without redelivery.
func (h *Handler) handleQoS1Publish(msg *message.Message) error {
	h.mu.Lock()
	if h.dedupCache != nil && h.dedupCache.exists(msg.PacketID) {
		h.mu.Unlock()
		return h.sendPuback(msg.PacketID)
	}
	if h.dedupCache != nil {
		h.dedupCache.add(msg.PacketID)
	}
	cb := h.callbacks.onPublish
	h.mu.Unlock()

	if cb != nil {
		if err := cb(msg); err != nil {
			return err
		}
	}
	return h.sendPuback(msg.PacketID)
}

// handleQoS2Publish starts the exactly-once receive flow: deliver once,
// remember the id, PUBREC. Repeats of a remembered id only re-PUBREC.
func (h *Handler) handleQoS2Publish(msg *message.Message) error {
	h.mu.Lock()
	if _, open := h.qos2Received[msg.PacketID]; open {
		h.mu.Unlock()
		return h.sendPubrec(msg.PacketID)
	}
	if h.dedupCache != nil && h.dedupCache.exists(msg.PacketID) {
		h.mu.Unlock()
		return h.sendPubrec(msg.PacketID)
	}

	h.qos2Received[msg.PacketID] = time.Now()
	if h.dedupCache != nil {
		h.dedupCache.add(msg.PacketID)
	}
	cb := h.callbacks.onPublish
	h.mu.Unlock()

	if cb != nil {
		if err := cb(msg); err != nil {
			return err
		}
	}
	return h.sendPubrec(msg.PacketID)
}

// HandlePuback closes an outbound QoS1 exchange.
func (h *Handler) HandlePuback(packetID uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandlerClosed
	}
	msg, open := h.qos1Messages[packetID]
	if !open {
		return ErrPacketIDNotFound
	}

	delete(h.qos1Messages, packetID)
	h.inflightCount--

	if h.callbacks.onPuback != nil {
		return h.callbacks.onPuback(msg.PacketID)
	}
	return nil
}

// HandlePubrec advances an outbound QoS2 exchange: the peer holds the
// message, so the handler releases it, notes the open PUBREL, and sends
// PUBREL.
func (h *Handler) HandlePubrec(packetID uint16) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandlerClosed
	}
	msg, open := h.qos2Messages[packetID]
	if !open {
		h.mu.Unlock()
		return ErrPacketIDNotFound
	}

	delete(h.qos2Messages, packetID)
	h.qos2Pubrel[packetID] = struct{}{}
	cb := h.callbacks.onPubrec
	h.mu.Unlock()

	if cb != nil {
		if err := cb(packetID); err != nil {
			return err
		}
	}
	return h.sendPubrel(msg.PacketID)
}

// HandlePubrel completes an inbound QoS2 exchange; an unknown id is
// answered with PUBCOMP anyway, as redelivered PUBRELs require.
func (h *Handler) HandlePubrel(packetID uint16) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandlerClosed
	}
	if _, open := h.qos2Received[packetID]; !open {
		h.mu.Unlock()
		return h.sendPubcomp(packetID)
	}

	delete(h.qos2Received, packetID)
	cb := h.callbacks.onPubrel
	h.mu.Unlock()

	if cb != nil {
		if err := cb(packetID); err != nil {
			return err
		}
	}
	return h.sendPubcomp(packetID)
}

// HandlePubcomp closes an outbound QoS2 exchange.
func (h *Handler) HandlePubcomp(packetID uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandlerClosed
	}
	if _, open := h.qos2Pubrel[packetID]; !open {
		return ErrPacketIDNotFound
	}

	delete(h.qos2Pubrel, packetID)
	h.inflightCount--

	if h.callbacks.onPubcomp != nil {
		return h.callbacks.onPubcomp(packetID)
	}
	return nil
}

// publishOutbound allocates an id, registers the message in the given
// map, and fires the publish callback. Shared by PublishQoS1/2.
func (h *Handler) publishOutbound(inflight map[uint16]*message.Message, topic string, payload []byte, qos encoding.QoS, retain bool, properties map[string]interface{}) (uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHandlerClosed
	}
	if h.inflightCount >= int(h.config.MaxInflight) {
		return 0, ErrQueueFull
	}

	packetID := h.allocatePacketID()
	msg := message.NewMessage(packetID, topic, payload, qos, retain, properties)
	if msg.IsExpired() {
		return 0, ErrMessageExpired
	}

	inflight[packetID] = msg
	h.inflightCount++
	msg.MarkAttempt()

	if h.callbacks.onPublish != nil {
		if err := h.callbacks.onPublish(msg); err != nil {
			delete(inflight, packetID)
			h.inflightCount--
			return 0, err
		}
	}
	return packetID, nil
}

// PublishQoS1 sends an at-least-once publish; the id is released by
// HandlePuback.
func (h *Handler) PublishQoS1(topic string, payload []byte, retain bool, properties map[string]interface{}) (uint16, error) {
	return h.publishOutbound(h.qos1Messages, topic, payload, encoding.QoS1, retain, properties)
}

// PublishQoS2 sends an exactly-once publish; the id travels
// PUBREC/PUBREL/PUBCOMP before release.
func (h *Handler) PublishQoS2(topic string, payload []byte, retain bool, properties map[string]interface{}) (uint16, error) {
	return h.publishOutbound(h.qos2Messages, topic, payload, encoding.QoS2, retain, properties)
}

// allocatePacketID returns the next id free across every in-flight map.
// Caller holds h.mu.
func (h *Handler) allocatePacketID() uint16 {
	for {
		id := h.nextPacketID
		h.nextPacketID++
		if h.nextPacketID == 0 {
			h.nextPacketID = 1
		}

		_, inQoS1 := h.qos1Messages[id]
		_, inQoS2 := h.qos2Messages[id]
		_, inRel := h.qos2Pubrel[id]
		if !inQoS1 && !inQoS2 && !inRel {
			return id
		}
	}
}

// publishCallback snapshots the publish hook under the read lock.
func (h *Handler) publishCallback() func(*message.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.callbacks.onPublish
}

func (h *Handler) fireAck(pick func(*callbacks) func(uint16) error, packetID uint16) error {
	h.mu.RLock()
	cb := pick(h.callbacks)
	h.mu.RUnlock()
	if cb != nil {
		return cb(packetID)
	}
	return nil
}

func (h *Handler) sendPuback(packetID uint16) error {
	return h.fireAck(func(c *callbacks) func(uint16) error { return c.onPuback }, packetID)
}

func (h *Handler) sendPubrec(packetID uint16) error {
	return h.fireAck(func(c *callbacks) func(uint16) error { return c.onPubrec }, packetID)
}

func (h *Handler) sendPubrel(packetID uint16) error {
	return h.fireAck(func(c *callbacks) func(uint16) error { return c.onPubrel }, packetID)
}

func (h *Handler) sendPubcomp(packetID uint16) error {
	return h.fireAck(func(c *callbacks) func(uint16) error { return c.onPubcomp }, packetID)
}

// retryLoop drives periodic retransmission of unacknowledged publishes.
func (h *Handler) retryLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.retryMessages()
		}
	}
}

// sweepInflightLocked walks one outbound map, dropping expired messages
// and retrying due ones. Caller holds h.mu.
func (h *Handler) sweepInflightLocked(inflight map[uint16]*message.Message, now time.Time, retry bool) {
	for packetID, msg := range inflight {
		if msg.IsExpired() {
			delete(inflight, packetID)
			h.inflightCount--
			if h.callbacks.onExpired != nil {
				h.callbacks.onExpired(msg)
			}
			continue
		}
		if !retry {
			continue
		}

		if now.Sub(msg.LastAttemptAt) < h.calculateRetryInterval(msg.AttemptCount) {
			continue
		}
		if msg.AttemptCount >= h.config.MaxRetries {
			delete(inflight, packetID)
			h.inflightCount--
			if h.callbacks.onMaxRetry != nil {
				h.callbacks.onMaxRetry(msg)
			}
			continue
		}

		msg.MarkAttempt()
		if h.callbacks.onPublish != nil {
			_ = h.callbacks.onPublish(msg)
		}
	}
}

func (h *Handler) retryMessages() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.sweepInflightLocked(h.qos1Messages, now, true)
	h.sweepInflightLocked(h.qos2Messages, now, true)
}

// calculateRetryInterval applies exponential backoff: the base interval
// for the first attempt, multiplied by the backoff factor per further
// attempt, capped at the maximum.
func (h *Handler) calculateRetryInterval(attemptCount int) time.Duration {
	if attemptCount == 0 {
		return h.config.RetryInterval
	}

	multiplier := 1.0
	for i := 1; i < attemptCount; i++ {
		multiplier *= h.config.RetryBackoff
	}

	interval := time.Duration(float64(h.config.RetryInterval) * multiplier)
	if interval > h.config.MaxRetryInterval {
		return h.config.MaxRetryInterval
	}
	return interval
}

// cleanupLoop drives periodic expiry of stale state.
func (h *Handler) cleanupLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.cleanup()
		}
	}
}

// cleanup expires in-flight messages, evicts abandoned inbound QoS2 ids
// whose PUBREL never came, and ages the dedup cache.
func (h *Handler) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.sweepInflightLocked(h.qos1Messages, now, false)
	h.sweepInflightLocked(h.qos2Messages, now, false)

	if len(h.qos2Received) > h.config.DedupCleanupCount {
		for packetID, receivedAt := range h.qos2Received {
			if now.Sub(receivedAt) > h.config.AckTimeout {
				delete(h.qos2Received, packetID)
			}
		}
	}

	if h.dedupCache != nil {
		h.dedupCache.cleanup()
	}
}

// GetInflightCount returns the open outbound exchange count.
func (h *Handler) GetInflightCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inflightCount
}

// GetPendingQoS1Count returns outbound QoS1 publishes awaiting PUBACK.
func (h *Handler) GetPendingQoS1Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.qos1Messages)
}

// GetPendingQoS2Count returns outbound QoS2 publishes awaiting PUBREC.
func (h *Handler) GetPendingQoS2Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.qos2Messages)
}

// Close stops the background loops. Idempotent.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	return nil
}
