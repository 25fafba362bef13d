package qos

import "errors"

var (
	// ErrInvalidQoS rejects a QoS outside 0-2.
	ErrInvalidQoS = errors.New("invalid QoS level")

	// ErrPacketIDNotFound means an ack arrived for an id with no open
	// exchange.
	ErrPacketIDNotFound = errors.New("packet ID not found")

	// ErrMessageExpired means the message's expiry interval lapsed
	// before it could be handled.
	ErrMessageExpired = errors.New("message has expired")

	// ErrQueueFull means the in-flight window is exhausted.
	ErrQueueFull = errors.New("message queue is full")

	// ErrHandlerClosed is returned by every operation after Close.
	ErrHandlerClosed = errors.New("handler is closed")
)
