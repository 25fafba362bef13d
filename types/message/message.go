// Package message defines the in-flight message value the dispatcher
// routes and the QoS machinery tracks: one PUBLISH's payload plus the
// delivery metadata (attempts, expiry) that travels with it.
package message

import (
	"time"

	"github.com/RustRobotics/hebo-sub002/encoding"
)

// Message is one publish moving through the broker.
type Message struct {
	PacketID         uint16
	Topic            string
	Payload          []byte
	QoS              encoding.QoS
	Retain           bool
	DUP              bool
	Properties       map[string]interface{}
	CreatedAt        time.Time
	LastAttemptAt    time.Time
	AttemptCount     int
	ExpiryInterval   uint32
	MessageExpirySet bool
}

// NewMessage stamps a message with its creation time and lifts the v5
// MessageExpiryInterval property, when present, into the expiry fields.
func NewMessage(packetID uint16, topic string, payload []byte, qos encoding.QoS, retain bool, properties map[string]interface{}) *Message {
	now := time.Now()
	msg := &Message{
		PacketID:      packetID,
		Topic:         topic,
		Payload:       payload,
		QoS:           qos,
		Retain:        retain,
		Properties:    properties,
		CreatedAt:     now,
		LastAttemptAt: now,
	}

	if expiry, ok := properties["MessageExpiryInterval"].(uint32); ok {
		msg.ExpiryInterval = expiry
		msg.MessageExpirySet = true
	}

	return msg
}

// IsExpired reports whether the message's expiry interval has lapsed.
// Messages without an expiry never expire.
func (m *Message) IsExpired() bool {
	if !m.MessageExpirySet || m.ExpiryInterval == 0 {
		return false
	}
	return time.Since(m.CreatedAt) >= time.Duration(m.ExpiryInterval)*time.Second
}

// RemainingExpiry returns the seconds of life left, zero when expired
// or when no expiry is set.
func (m *Message) RemainingExpiry() uint32 {
	if !m.MessageExpirySet || m.ExpiryInterval == 0 {
		return 0
	}
	if elapsed := uint32(time.Since(m.CreatedAt).Seconds()); elapsed < m.ExpiryInterval {
		return m.ExpiryInterval - elapsed
	}
	return 0
}

// MarkAttempt counts one delivery attempt; every attempt after the
// first sets DUP, per the retransmission rule.
func (m *Message) MarkAttempt() {
	m.AttemptCount++
	m.LastAttemptAt = time.Now()
	if m.AttemptCount > 1 {
		m.DUP = true
	}
}

// Clone deep-copies the message so per-subscriber QoS downgrades never
// alias the routed original.
func (m *Message) Clone() *Message {
	out := *m

	out.Payload = make([]byte, len(m.Payload))
	copy(out.Payload, m.Payload)

	out.Properties = make(map[string]interface{}, len(m.Properties))
	for k, v := range m.Properties {
		out.Properties[k] = v
	}

	return &out
}
