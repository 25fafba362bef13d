// Package client is a minimal MQTT 3.1.1 client: enough surface to
// exercise the broker end-to-end (connect, subscribe, publish at every
// QoS, disconnect) without the footprint of a full client library.
//
// Outbound QoS1/QoS2 state is carried by qos.Handler, which owns packet-id
// allocation, the in-flight maps, and retry with backoff; this package
// wires the handler's send callbacks to the socket and its completion
// callbacks to per-publish wait channels.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/RustRobotics/hebo-sub002/encoding"
	"github.com/RustRobotics/hebo-sub002/qos"
	"github.com/RustRobotics/hebo-sub002/types/message"
)

var (
	ErrConnectRefused = errors.New("client: connect refused")
	ErrClosed         = errors.New("client: closed")
)

// Message is one delivery handed to the OnMessage callback.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	DUP     bool
}

// Config parameterizes Dial.
type Config struct {
	Addr       string
	Network    string // "tcp" (default) or "unix"
	ClientID   string
	Username   string
	Password   string
	CleanStart bool
	KeepAlive  uint16
	Will       *Will

	// OnMessage receives every inbound PUBLISH. Called from the reader
	// goroutine; implementations must not block.
	OnMessage func(Message)
}

// Will configures the connection's will message.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Client is one MQTT connection.
type Client struct {
	cfg  Config
	conn net.Conn
	br   *bufio.Reader

	handler *qos.Handler

	writeMu  sync.Mutex
	writeBuf bytes.Buffer

	mu        sync.Mutex
	acks      map[uint16]chan struct{} // outbound QoS completion, SUBACK, UNSUBACK
	completed map[uint16]bool          // acks that arrived before the waiter registered
	subCodes  map[uint16][]byte
	controlID uint16
	closed    bool

	done chan struct{}
}

// Dial connects, sends CONNECT, and waits for an accepting CONNACK.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, cfg.Addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		conn:      conn,
		br:        bufio.NewReader(conn),
		acks:      make(map[uint16]chan struct{}),
		completed: make(map[uint16]bool),
		subCodes:  make(map[uint16][]byte),
		// Control-packet ids live in the top half of the id space so they
		// can never collide with the qos.Handler's publish ids, which
		// count up from 1. Packet ids are shared across packet types
		// per-direction, so disjoint ranges keep the ack bookkeeping
		// unambiguous.
		controlID: 0x7FFF,
		done:      make(chan struct{}),
	}

	c.handler = qos.NewHandler(qos.DefaultConfig())
	c.handler.SetPublishCallback(c.sendOutbound)
	c.handler.SetPubrelCallback(func(packetID uint16) error {
		return c.writePacket(&encoding.PubrelPacket311{PacketID: packetID})
	})
	c.handler.SetPubackCallback(func(packetID uint16) error {
		c.signalAck(packetID)
		return nil
	})
	c.handler.SetPubcompCallback(func(packetID uint16) error {
		c.signalAck(packetID)
		return nil
	})

	connect := &encoding.ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    cfg.CleanStart,
		KeepAlive:       cfg.KeepAlive,
		ClientID:        cfg.ClientID,
	}
	if cfg.Username != "" {
		connect.UsernameFlag = true
		connect.Username = cfg.Username
	}
	if cfg.Password != "" {
		connect.PasswordFlag = true
		connect.Password = []byte(cfg.Password)
	}
	if cfg.Will != nil {
		connect.WillFlag = true
		connect.WillTopic = cfg.Will.Topic
		connect.WillPayload = cfg.Will.Payload
		connect.WillQoS = encoding.QoS(cfg.Will.QoS)
		connect.WillRetain = cfg.Will.Retain
	}

	if err := c.writePacket(connect); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	pkt, err := encoding.Decode(c.br, encoding.ProtocolVersion311)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	connack, ok := pkt.(*encoding.ConnackPacket311)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("client: expected CONNACK, got %s", pkt.PacketType())
	}
	if connack.ReturnCode != encoding.ConnectAccepted311 {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: return code 0x%02x", ErrConnectRefused, connack.ReturnCode)
	}

	go c.readLoop()
	if cfg.KeepAlive > 0 {
		go c.pingLoop()
	}

	return c, nil
}

// sendOutbound is the qos.Handler's publish callback: serialize one
// outbound (or retried, DUP=1) QoS1/2 PUBLISH.
func (c *Client) sendOutbound(msg *message.Message) error {
	return c.writePacket(&encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{
			QoS:    msg.QoS,
			Retain: msg.Retain,
			DUP:    msg.AttemptCount > 1,
		},
		TopicName: msg.Topic,
		PacketID:  msg.PacketID,
		Payload:   msg.Payload,
	})
}

// Publish sends one message. QoS0 returns after the write; QoS1 waits for
// PUBACK and QoS2 for the full PUBREC/PUBREL/PUBCOMP exchange.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qosLevel byte, retain bool) error {
	switch qosLevel {
	case 0:
		return c.writePacket(&encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
			TopicName:   topic,
			Payload:     payload,
		})
	case 1, 2:
		var packetID uint16
		var err error

		if qosLevel == 1 {
			packetID, err = c.handler.PublishQoS1(topic, payload, retain, nil)
		} else {
			packetID, err = c.handler.PublishQoS2(topic, payload, retain, nil)
		}
		if err != nil {
			return err
		}

		// The ack may already have raced in through the reader; check the
		// completed set before parking a waiter.
		wait := make(chan struct{})
		c.mu.Lock()
		if c.completed[packetID] {
			delete(c.completed, packetID)
			c.mu.Unlock()
			return nil
		}
		c.acks[packetID] = wait
		c.mu.Unlock()

		select {
		case <-wait:
			return nil
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return encoding.ErrInvalidQoS
	}
}

// Subscribe sends one SUBSCRIBE and waits for its SUBACK, returning the
// granted return codes.
func (c *Client) Subscribe(ctx context.Context, filter string, qosLevel byte) ([]byte, error) {
	packetID := c.nextControlID()
	wait := make(chan struct{})
	c.mu.Lock()
	c.acks[packetID] = wait
	c.mu.Unlock()

	err := c.writePacket(&encoding.SubscribePacket311{
		PacketID:      packetID,
		Subscriptions: []encoding.Subscription311{{TopicFilter: filter, QoS: encoding.QoS(qosLevel)}},
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-wait:
		c.mu.Lock()
		codes := c.subCodes[packetID]
		delete(c.subCodes, packetID)
		c.mu.Unlock()
		return codes, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe sends one UNSUBSCRIBE and waits for its UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	packetID := c.nextControlID()
	wait := make(chan struct{})
	c.mu.Lock()
	c.acks[packetID] = wait
	c.mu.Unlock()

	if err := c.writePacket(&encoding.UnsubscribePacket311{
		PacketID:     packetID,
		TopicFilters: []string{filter},
	}); err != nil {
		return err
	}

	select {
	case <-wait:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect sends a clean DISCONNECT (suppressing the will) and closes.
func (c *Client) Disconnect() error {
	_ = c.writePacket(&encoding.DisconnectPacket311{})
	return c.Close()
}

// Close tears the connection down without a DISCONNECT, which makes the
// broker publish the will, if one was configured.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	_ = c.handler.Close()
	return c.conn.Close()
}

// Done is closed once the client is finished.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) writePacket(p encoding.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.writeBuf.Reset()
	if err := p.Encode(&c.writeBuf); err != nil {
		return err
	}
	_, err := c.conn.Write(c.writeBuf.Bytes())
	return err
}

func (c *Client) nextControlID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlID++
	if c.controlID < 0x8000 {
		c.controlID = 0x8000
	}
	return c.controlID
}

func (c *Client) signalAck(packetID uint16) {
	c.mu.Lock()
	wait, ok := c.acks[packetID]
	if ok {
		delete(c.acks, packetID)
	} else {
		c.completed[packetID] = true
	}
	c.mu.Unlock()
	if ok {
		close(wait)
	}
}

// readLoop dispatches every inbound packet: acks feed the qos.Handler's
// outbound flows, PUBLISH runs the receiver-side QoS flow inline, SUBACK/
// UNSUBACK complete waiting control calls.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		pkt, err := encoding.Decode(c.br, encoding.ProtocolVersion311)
		if err != nil {
			return
		}

		switch p := pkt.(type) {
		case *encoding.PublishPacket311:
			c.handleInboundPublish(p)

		case *encoding.PubackPacket311:
			_ = c.handler.HandlePuback(p.PacketID)

		case *encoding.PubrecPacket311:
			_ = c.handler.HandlePubrec(p.PacketID)

		case *encoding.PubcompPacket311:
			_ = c.handler.HandlePubcomp(p.PacketID)

		case *encoding.PubrelPacket311:
			// Receiver-side QoS2 completion for an inbound publish.
			_ = c.writePacket(&encoding.PubcompPacket311{PacketID: p.PacketID})

		case *encoding.SubackPacket311:
			c.mu.Lock()
			c.subCodes[p.PacketID] = p.ReturnCodes
			c.mu.Unlock()
			c.signalAck(p.PacketID)

		case *encoding.UnsubackPacket311:
			c.signalAck(p.PacketID)

		case *encoding.PingrespPacket:
			// Keep-alive satisfied.

		case *encoding.DisconnectPacket311:
			return
		}
	}
}

// handleInboundPublish runs the receiver side of the QoS flows:
// deliver then PUBACK for QoS1; deliver then PUBREC for QoS2 (PUBREL and
// PUBCOMP complete in readLoop).
func (c *Client) handleInboundPublish(p *encoding.PublishPacket311) {
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(Message{
			Topic:   p.TopicName,
			Payload: p.Payload,
			QoS:     byte(p.FixedHeader.QoS),
			Retain:  p.FixedHeader.Retain,
			DUP:     p.FixedHeader.DUP,
		})
	}

	switch p.FixedHeader.QoS {
	case encoding.QoS1:
		_ = c.writePacket(&encoding.PubackPacket311{PacketID: p.PacketID})
	case encoding.QoS2:
		_ = c.writePacket(&encoding.PubrecPacket311{PacketID: p.PacketID})
	}
}

// pingLoop keeps the connection alive with PINGREQ at a comfortable
// margin inside the negotiated interval.
func (c *Client) pingLoop() {
	interval := time.Duration(c.cfg.KeepAlive) * time.Second * 3 / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writePacket(&encoding.PingreqPacket{}); err != nil {
				return
			}
		}
	}
}
