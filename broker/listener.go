package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/RustRobotics/hebo-sub002/config"
	"github.com/RustRobotics/hebo-sub002/dispatcher"
	"github.com/RustRobotics/hebo-sub002/network"
)

// chanCapacity is the bounded capacity of every channel in the fabric.
const chanCapacity = 16

// transport is the common surface of the network package's listener
// flavors (TCP/TLS, WebSocket, Unix-domain).
type transport interface {
	Start() error
	Close() error
	OnConnection(network.ConnectionHandler)
	Addr() net.Addr
}

// listenerRuntime owns one configured endpoint: the transport listener,
// the delivery channel registered with the dispatcher, and the maps
// tracking live sessions and client-id ownership on this listener.
type listenerRuntime struct {
	id  uint32
	cfg config.Listener
	srv *Server

	transport  transport
	deliveries chan dispatcher.Delivery

	mu        sync.Mutex
	sessions  map[uint64]*clientConn
	clientIDs map[string]*clientConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newListenerRuntime(srv *Server, id uint32, lc config.Listener) (*listenerRuntime, error) {
	lr := &listenerRuntime{
		id:         id,
		cfg:        lc,
		srv:        srv,
		deliveries: make(chan dispatcher.Delivery, chanCapacity),
		sessions:   make(map[uint64]*clientConn),
		clientIDs:  make(map[string]*clientConn),
	}

	maxConns := srv.cfg.General.MaxConnections

	switch lc.Protocol {
	case config.ProtocolMQTT, config.ProtocolMQTTS:
		nc := network.DefaultListenerConfig(lc.Address)
		if maxConns > 0 {
			nc.MaxConnections = maxConns
		}
		if lc.Protocol == config.ProtocolMQTTS {
			tlsCfg, err := (&network.TLSConfig{CertFile: lc.CertFile, KeyFile: lc.KeyFile}).Build()
			if err != nil {
				return nil, fmt.Errorf("broker: listener %d tls: %w", id, err)
			}
			nc.TLSConfig = tlsCfg
		}
		l, err := network.NewListener(nc)
		if err != nil {
			return nil, err
		}
		lr.transport = l

	case config.ProtocolWS, config.ProtocolWSS:
		wc := network.DefaultWSListenerConfig(lc.Address)
		if lc.Path != "" {
			wc.Path = lc.Path
		}
		if maxConns > 0 {
			wc.MaxConnections = maxConns
		}
		if lc.Protocol == config.ProtocolWSS {
			tlsCfg, err := (&network.TLSConfig{CertFile: lc.CertFile, KeyFile: lc.KeyFile}).Build()
			if err != nil {
				return nil, fmt.Errorf("broker: listener %d tls: %w", id, err)
			}
			wc.TLSConfig = tlsCfg
		}
		l, err := network.NewWSListener(wc)
		if err != nil {
			return nil, err
		}
		lr.transport = l

	case config.ProtocolUDS:
		uc := network.DefaultUnixListenerConfig(lc.Path)
		if maxConns > 0 {
			uc.MaxConnections = maxConns
		}
		l, err := network.NewUnixListener(uc)
		if err != nil {
			return nil, err
		}
		lr.transport = l

	case config.ProtocolQUIC:
		return nil, fmt.Errorf("broker: listener %d: quic transport is not supported", id)

	default:
		return nil, fmt.Errorf("broker: listener %d: unknown protocol %q", id, lc.Protocol)
	}

	lr.transport.OnConnection(lr.handleConnection)
	return lr, nil
}

func (l *listenerRuntime) start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.srv.disp.RegisterListener(l.id, l.deliveries)

	l.wg.Add(1)
	go l.deliveryPump()

	return l.transport.Start()
}

func (l *listenerRuntime) addr() string {
	if a := l.transport.Addr(); a != nil {
		return a.String()
	}
	return l.cfg.Address
}

// handleConnection is the transport's accept callback. The transport
// already numbered the connection, so
// the connection id becomes the session-id half of the SessionGid.
func (l *listenerRuntime) handleConnection(conn *network.Connection) error {
	if l.closed.Load() {
		_ = conn.Close()
		return ErrServerClosed
	}

	sessionID := conn.ID()
	c := newClientConn(l, sessionID, conn)

	l.mu.Lock()
	l.sessions[sessionID] = c
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		c.serve(l.ctx)
	}()

	return nil
}

// deliveryPump moves dispatcher deliveries to the owning session's
// outbound queue. The dispatcher's per-listener backpressure policy
// already bounds what arrives here; per-session forwarding drops a
// delivery of any QoS on a full session queue rather than stalling the
// other sessions behind it.
func (l *listenerRuntime) deliveryPump() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case d := <-l.deliveries:
			l.mu.Lock()
			c, ok := l.sessions[d.SessionID]
			l.mu.Unlock()
			if !ok {
				continue
			}
			c.enqueue(d.Message)
		}
	}
}

// claimClientID records ownership of clientID by c and returns the prior
// owner, if any, for eviction.
func (l *listenerRuntime) claimClientID(clientID string, c *clientConn) *clientConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.clientIDs[clientID]
	l.clientIDs[clientID] = c
	if old == c {
		return nil
	}
	return old
}

// releaseSession drops the session's bookkeeping; the client-id entry is
// removed only if still owned by c, so a takeover's new owner is not
// clobbered by the evicted session's cleanup.
func (l *listenerRuntime) releaseSession(c *clientConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, c.id)
	if c.clientID != "" && l.clientIDs[c.clientID] == c {
		delete(l.clientIDs, c.clientID)
	}
}

func (l *listenerRuntime) close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	_ = l.transport.Close()

	l.mu.Lock()
	conns := make([]*clientConn, 0, len(l.sessions))
	for _, c := range l.sessions {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	if l.cancel != nil {
		l.cancel()
	}
	l.srv.disp.UnregisterListener(l.id)
	l.wg.Wait()
}
