package network

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionHandler receives each accepted connection. It must not
// block: the broker's handler registers the session and spawns its
// goroutines, returning immediately.
type ConnectionHandler func(*Connection) error

// ListenerConfig configures a TCP (optionally TLS) listener.
type ListenerConfig struct {
	Address        string
	TLSConfig      *tls.Config
	MaxConnections int
	// AcceptBackoffMax caps the exponential backoff applied after
	// accept errors. Accept errors are retried, never fatal to the
	// listener; they are not logged.
	AcceptBackoffMax time.Duration
}

// DefaultListenerConfig returns the listener defaults for address.
func DefaultListenerConfig(address string) *ListenerConfig {
	return &ListenerConfig{
		Address:          address,
		MaxConnections:   10000,
		AcceptBackoffMax: time.Second,
	}
}

// Listener accepts TCP or TLS connections on one endpoint, numbering
// each accept so the broker can use the id as the session id.
type Listener struct {
	config *ListenerConfig
	ln     net.Listener

	nextID   atomic.Uint64
	active   atomic.Int64
	accepted atomic.Uint64
	rejected atomic.Uint64

	mu       sync.RWMutex
	handlers []ConnectionHandler

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewListener builds an unstarted listener.
func NewListener(config *ListenerConfig) (*Listener, error) {
	if config == nil || config.Address == "" {
		return nil, ErrInvalidAddress
	}
	if config.AcceptBackoffMax <= 0 {
		config.AcceptBackoffMax = time.Second
	}
	return &Listener{config: config}, nil
}

// OnConnection registers a handler for accepted connections.
func (l *Listener) OnConnection(handler ConnectionHandler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	l.mu.Unlock()
}

// Start binds the socket and launches the accept loop.
func (l *Listener) Start() error {
	if l.closed.Load() {
		return ErrListenerClosed
	}

	var err error
	if l.config.TLSConfig != nil {
		l.ln, err = tls.Listen("tcp", l.config.Address, l.config.TLSConfig)
	} else {
		l.ln, err = net.Listen("tcp", l.config.Address)
	}
	if err != nil {
		return err
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// acceptLoop accepts until closed, backing off exponentially on errors
// and enforcing the connection limit.
func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	backoff := 5 * time.Millisecond
	for {
		netConn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			time.Sleep(backoff)
			if backoff *= 2; backoff > l.config.AcceptBackoffMax {
				backoff = l.config.AcceptBackoffMax
			}
			continue
		}
		backoff = 5 * time.Millisecond

		l.dispatch(netConn)
	}
}

// dispatch wraps one accepted socket and hands it to the handlers,
// counting it against the connection limit until it closes.
func (l *Listener) dispatch(netConn net.Conn) {
	if max := l.config.MaxConnections; max > 0 && l.active.Load() >= int64(max) {
		_ = netConn.Close()
		l.rejected.Add(1)
		return
	}

	conn := NewConnection(netConn, l.nextID.Add(1))
	l.active.Add(1)
	l.accepted.Add(1)

	// Release the slot when the connection ends, however it ends.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-conn.CloseChan()
		l.active.Add(-1)
	}()

	l.mu.RLock()
	handlers := append([]ConnectionHandler(nil), l.handlers...)
	l.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(conn); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// Close stops accepting. Live connections are owned by their sessions
// and closed by the broker's shutdown path, not here.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	return err
}

// Addr returns the bound address once started.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ListenerStats is a snapshot of accept-loop counters.
type ListenerStats struct {
	Accepted uint64
	Rejected uint64
	Active   uint64
}

// Stats snapshots the counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Accepted: l.accepted.Load(),
		Rejected: l.rejected.Load(),
		Active:   uint64(l.active.Load()),
	}
}
