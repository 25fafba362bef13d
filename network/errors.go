package network

import "errors"

// Transport-family sentinels.
var (
	// ErrConnectionClosed is returned by operations on a closed stream.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrListenerClosed is returned when starting or accepting on a
	// closed listener.
	ErrListenerClosed = errors.New("listener closed")

	// ErrInvalidAddress rejects a listener with no usable endpoint.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidTLSConfig rejects a TLS listener missing its key pair.
	ErrInvalidTLSConfig = errors.New("invalid TLS configuration")

	// ErrTooManyConnections is the accept-side overload signal.
	ErrTooManyConnections = errors.New("connection limit reached")
)
