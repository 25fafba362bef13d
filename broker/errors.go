package broker

import "errors"

// Protocol-level error families.
// Decode errors stay in package encoding; transport errors in package
// network; these cover the session state machine and the channel fabric.
var (
	// ErrInvalidFirstPacket means a connection's first packet was not
	// CONNECT. The socket is closed without a CONNACK.
	ErrInvalidFirstPacket = errors.New("broker: first packet was not CONNECT")

	// ErrUnexpectedPacket means a packet type arrived that the session's
	// current state cannot accept (e.g. a second CONNECT, or AUTH on a
	// v3 connection).
	ErrUnexpectedPacket = errors.New("broker: unexpected packet for session state")

	// ErrKeepAliveTimeout means no control packet arrived within 1.5x the
	// negotiated keep-alive interval.
	ErrKeepAliveTimeout = errors.New("broker: keep-alive timeout")

	// ErrConnectTimeout means no CONNECT arrived within the configured
	// window after accept.
	ErrConnectTimeout = errors.New("broker: timed out waiting for CONNECT")

	// ErrDuplicateClientID marks the old session of a client-id takeover.
	ErrDuplicateClientID = errors.New("broker: session taken over by duplicate client id")

	// ErrTopicAliasUnknown means a v5 PUBLISH referenced a topic alias
	// that was never registered on this connection.
	ErrTopicAliasUnknown = errors.New("broker: unknown topic alias")

	// ErrTopicSyntax means a PUBLISH carried an invalid topic (wildcards,
	// empty, or malformed UTF-8).
	ErrTopicSyntax = errors.New("broker: invalid publish topic")

	// ErrNotAuthorized covers both failed credential checks and ACL
	// denials surfaced to a session.
	ErrNotAuthorized = errors.New("broker: not authorized")

	// ErrDispatcherUnavailable means a send to the dispatcher failed;
	// the dispatcher is critical, so the session shuts down.
	ErrDispatcherUnavailable = errors.New("broker: dispatcher channel send failed")

	// ErrServerClosed is returned by a listener's connection handler once
	// that listener has been closed.
	ErrServerClosed = errors.New("broker: server closed")
)
