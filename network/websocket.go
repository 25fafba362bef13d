package network

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSListenerConfig configures an MQTT-over-WebSocket listener: an HTTP
// server upgrading requests on Path, with binary frames carrying raw
// MQTT bytes on the "mqtt" subprotocol.
type WSListenerConfig struct {
	Address        string
	Path           string
	TLSConfig      *tls.Config
	MaxConnections int
	ReadBufferSize int
	WriteBufferSize int
}

// DefaultWSListenerConfig returns the WebSocket defaults for address.
func DefaultWSListenerConfig(address string) *WSListenerConfig {
	return &WSListenerConfig{
		Address:         address,
		Path:            "/mqtt",
		MaxConnections:  10000,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// WSListener accepts WebSocket connections and adapts them to the
// byte-stream Connection the broker consumes.
type WSListener struct {
	config   *WSListenerConfig
	server   *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader

	nextID   atomic.Uint64
	active   atomic.Int64
	accepted atomic.Uint64
	rejected atomic.Uint64

	mu       sync.RWMutex
	handlers []ConnectionHandler

	closed atomic.Bool
}

// NewWSListener builds an unstarted WebSocket listener.
func NewWSListener(config *WSListenerConfig) (*WSListener, error) {
	if config == nil || config.Address == "" {
		return nil, ErrInvalidAddress
	}
	if config.Path == "" {
		config.Path = "/mqtt"
	}

	l := &WSListener{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			Subprotocols:    []string{"mqtt"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.Path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux}
	return l, nil
}

// OnConnection registers a handler for upgraded connections.
func (l *WSListener) OnConnection(handler ConnectionHandler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	l.mu.Unlock()
}

// Start binds the HTTP endpoint and begins serving upgrades.
func (l *WSListener) Start() error {
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

	go func() { _ = l.server.Serve(l.ln) }()
	return nil
}

// handleUpgrade turns one HTTP request into a broker connection.
func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if max := l.config.MaxConnections; max > 0 && l.active.Load() >= int64(max) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		l.rejected.Add(1)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.rejected.Add(1)
		return
	}

	conn := NewConnection(newWSStream(ws), l.nextID.Add(1))
	l.active.Add(1)
	l.accepted.Add(1)

	go func() {
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

// Close stops the HTTP server and its listener.
func (l *WSListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.server.Close()
}

// Addr returns the bound address once started.
func (l *WSListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stats snapshots the counters.
func (l *WSListener) Stats() ListenerStats {
	return ListenerStats{
		Accepted: l.accepted.Load(),
		Rejected: l.rejected.Load(),
		Active:   uint64(l.active.Load()),
	}
}

// wsStream adapts a websocket.Conn to net.Conn: reads concatenate
// binary frames into one byte stream, each Write emits one binary frame
// (the broker serializes whole packets per Write, so one MQTT packet
// rides per frame).
type wsStream struct {
	conn    *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(b []byte) (int, error) {
	for {
		if s.reader == nil {
			_, frame, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			s.reader = frame
		}

		n, err := s.reader.Read(b)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			s.reader = nil
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *wsStream) Write(b []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *wsStream) Close() error        { return s.conn.Close() }
func (s *wsStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *wsStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

var _ net.Conn = (*wsStream)(nil)
