// Package network is the broker's transport layer: listeners for plain
// TCP, TLS, WebSocket, and Unix-domain sockets, each handing accepted
// streams to the broker as a Connection: one owned socket with a
// listener-scoped numeric id the broker uses as the session id (the
// listener allocates ids by incrementing a counter per accept).
package network

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Connection wraps one accepted stream. Exactly one session owns it; the
// session's reader and writer goroutines are the only users, and Close
// is safe from any goroutine and idempotent.
type Connection struct {
	conn net.Conn
	id   uint64

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewConnection wraps conn under the listener-assigned id.
func NewConnection(conn net.Conn, id uint64) *Connection {
	return &Connection{
		conn:     conn,
		id:       id,
		closedCh: make(chan struct{}),
	}
}

// ID returns the listener-local connection id, used by the broker as the
// session-id half of the SessionGid.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Read reads from the stream, counting bytes.
func (c *Connection) Read(b []byte) (int, error) {
	n, err := c.conn.Read(b)
	if n > 0 {
		c.bytesRead.Add(uint64(n))
	}
	return n, err
}

// Write writes to the stream, counting bytes.
func (c *Connection) Write(b []byte) (int, error) {
	n, err := c.conn.Write(b)
	if n > 0 {
		c.bytesWritten.Add(uint64(n))
	}
	return n, err
}

// Close closes the stream once; later calls are no-ops.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closedCh)
		err = c.conn.Close()
	})
	return err
}

// CloseChan is closed when the connection closes, the cancellation
// signal for the session's writer and watchdog goroutines.
func (c *Connection) CloseChan() <-chan struct{} { return c.closedCh }

// BytesRead returns the total bytes read from the peer.
func (c *Connection) BytesRead() uint64 { return c.bytesRead.Load() }

// BytesWritten returns the total bytes written to the peer.
func (c *Connection) BytesWritten() uint64 { return c.bytesWritten.Load() }

// IsTLS reports whether the stream is TLS-wrapped.
func (c *Connection) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// TLSConnectionState exposes the handshake state of a TLS stream.
func (c *Connection) TLSConnectionState() (tls.ConnectionState, bool) {
	if tc, ok := c.conn.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

var _ io.ReadWriteCloser = (*Connection)(nil)
