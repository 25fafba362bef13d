package broker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RustRobotics/hebo-sub002/acl"
	"github.com/RustRobotics/hebo-sub002/dispatcher"
	"github.com/RustRobotics/hebo-sub002/encoding"
	"github.com/RustRobotics/hebo-sub002/hook"
	"github.com/RustRobotics/hebo-sub002/network"
	"github.com/RustRobotics/hebo-sub002/session"
	"github.com/RustRobotics/hebo-sub002/topic"
	"github.com/RustRobotics/hebo-sub002/types/message"
)

// sessionState is the per-connection lifecycle.
type sessionState int32

const (
	stateInitialized sessionState = iota
	stateConnectReceived
	stateAwaitingAuth
	stateConnected
	stateDisconnecting
	stateDisconnected
)

const (
	// serverTopicAliasMax is the TopicAliasMaximum advertised to v5
	// clients in CONNACK and enforced on inbound PUBLISH aliases.
	serverTopicAliasMax = 32

	// minKeepAlive is the policy floor for a nonzero keep-alive.
	minKeepAlive = 5

	// outboundQueueSize bounds the per-session delivery queue. QoS1/2
	// overflow beyond this is dropped with the publish_messages_dropped
	// counter, after the dispatcher's own per-listener queue has already
	// absorbed a burst.
	outboundQueueSize = 64
)

// clientConn runs one accepted connection through the session state
// machine: CONNECT, authentication, the connected packet loop, and
// teardown. It owns the socket exclusively; the
// reader goroutine (serve) and writer goroutine (writeLoop) are the only
// two tasks that touch it, serialized by writeMu on the write side.
type clientConn struct {
	lst  *listenerRuntime
	id   uint64
	conn *network.Connection
	br   *bufio.Reader

	version   encoding.ProtocolVersion
	clientID  string
	username  string
	keepAlive uint16
	sess      *session.Session

	state    atomic.Int32
	lastRead atomic.Int64

	outbound chan *message.Message
	writeMu  sync.Mutex
	writeBuf bytes.Buffer

	// Reader-goroutine-only state.
	inboundQoS2 map[uint16]*message.Message
	aliasesIn   map[uint16]string

	cleanDisconnect bool
	evicted         atomic.Bool
	done            chan struct{}
}

func newClientConn(lst *listenerRuntime, id uint64, conn *network.Connection) *clientConn {
	c := &clientConn{
		lst:         lst,
		id:          id,
		conn:        conn,
		br:          bufio.NewReader(conn),
		outbound:    make(chan *message.Message, outboundQueueSize),
		inboundQoS2: make(map[uint16]*message.Message),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(stateInitialized))
	c.lastRead.Store(time.Now().UnixNano())
	return c
}

func (c *clientConn) gid() dispatcher.SessionGid {
	return dispatcher.SessionGid{ListenerID: c.lst.id, SessionID: c.id}
}

func (c *clientConn) setState(s sessionState)  { c.state.Store(int32(s)) }
func (c *clientConn) getState() sessionState   { return sessionState(c.state.Load()) }
func (c *clientConn) touchRead()               { c.lastRead.Store(time.Now().UnixNano()) }
func (c *clientConn) sinceRead() time.Duration { return time.Since(time.Unix(0, c.lastRead.Load())) }

// connectInfo normalizes the v3/v5 CONNECT shapes into the fields the
// state machine needs.
type connectInfo struct {
	clientID           string
	assignedID         bool
	cleanStart         bool
	keepAlive          uint16
	requestedKeepAlive uint16
	username           string
	password           string
	will               *session.WillMessage
	willDelay          uint32
	sessionExpiry      uint32
}

// serve is the session's reader task: the full lifecycle from first byte
// to teardown. It returns only when the connection is finished.
func (c *clientConn) serve(ctx context.Context) {
	log := c.lst.srv.log
	defer c.teardown(ctx)

	// A connection must produce its CONNECT within the configured window
	// or be dropped.
	connectTimeout := c.lst.srv.cfg.General.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	connectTimer := time.AfterFunc(connectTimeout, func() {
		if c.getState() != stateConnected {
			log.Warn("connect timeout", "listener_id", c.lst.id, "session_id", c.id)
			_ = c.conn.Close()
		}
	})
	defer connectTimer.Stop()

	fh, err := encoding.ParseFixedHeader(c.br)
	if err != nil {
		return
	}
	if fh.Type != encoding.CONNECT {
		log.Warn("invalid first packet",
			"listener_id", c.lst.id, "session_id", c.id,
			"packet_type", fh.Type.String(), "error", ErrInvalidFirstPacket)
		return
	}

	pkt, version, err := encoding.DecodeConnect(c.br, fh)
	if err != nil {
		// A recognizable-but-unsupported protocol level is refused with a
		// CONNACK; any other CONNECT decode failure gets a bare close, since
		// no protocol level was ever established.
		if errors.Is(err, encoding.ErrInvalidProtocolVersion) {
			c.sendConnackError(encoding.ReasonUnsupportedProtocolVersion)
		}
		log.Warn("connect decode failed", "listener_id", c.lst.id, "session_id", c.id, "error", err)
		return
	}
	c.version = version
	c.setState(stateConnectReceived)

	info, rc := c.validateConnect(ctx, pkt)
	if rc != encoding.ReasonSuccess {
		c.sendConnackError(rc)
		return
	}

	c.setState(stateAwaitingAuth)
	granted, err := c.lst.srv.authPolicy.Authenticate(ctx, info.username, info.password)
	if err != nil || !granted || !c.lst.srv.hooks.OnConnectAuthenticate(c.hookClient(), c.hookConnect(info)) {
		log.Info("authentication denied",
			"listener_id", c.lst.id, "session_id", c.id,
			"client_id", info.clientID, "username", info.username)
		c.sendConnackError(encoding.ReasonNotAuthorized)
		return
	}

	// Duplicate client-id: evict the prior owner and wait for its
	// teardown before this session's CONNACK goes out.
	c.clientID = info.clientID
	c.username = info.username
	if old := c.lst.claimClientID(info.clientID, c); old != nil {
		old.evict()
		<-old.done
	}

	sess, sessionPresent, err := c.lst.srv.sessions.CreateSession(
		ctx, info.clientID, info.cleanStart, info.sessionExpiry, byte(version))
	if err != nil {
		c.sendConnackError(encoding.ReasonServerUnavailable)
		return
	}
	c.sess = sess
	c.keepAlive = info.keepAlive

	if info.will != nil {
		sess.SetWillMessage(info.will, info.willDelay)
	} else {
		sess.ClearWillMessage()
	}

	if err := c.sendConnack(sessionPresent, info); err != nil {
		return
	}
	connectTimer.Stop()
	c.setState(stateConnected)

	c.lst.srv.disp.SessionConnected(c.gid())
	_ = c.lst.srv.hooks.OnConnect(c.hookClient(), c.hookConnect(info))

	go c.writeLoop()
	if c.keepAlive > 0 {
		go c.watchdog()
	}

	if sessionPresent {
		c.restoreSubscriptions(ctx)
		c.retransmitPending()
	}

	c.readLoop(ctx)
}

// validateConnect applies CONNECT validation: client-id
// policy, keep-alive policy clamps, and field extraction for both
// protocol families.
func (c *clientConn) validateConnect(ctx context.Context, pkt encoding.Packet) (connectInfo, encoding.ReasonCode) {
	var info connectInfo

	switch p := pkt.(type) {
	case *encoding.ConnectPacket311:
		info.clientID = p.ClientID
		info.cleanStart = p.CleanSession
		info.keepAlive = p.KeepAlive
		info.username = p.Username
		info.password = string(p.Password)
		if p.WillFlag {
			info.will = &session.WillMessage{
				Topic:   p.WillTopic,
				Payload: p.WillPayload,
				QoS:     byte(p.WillQoS),
				Retain:  p.WillRetain,
			}
		}
		if !info.cleanStart {
			// v3 has no session-expiry mechanism: a persistent session
			// lives until takeover or administrative removal, expressed
			// here with v5's never-expires sentinel.
			info.sessionExpiry = 0xFFFFFFFF
		}

	case *encoding.ConnectPacket:
		info.clientID = p.ClientID
		info.cleanStart = p.CleanStart
		info.keepAlive = p.KeepAlive
		info.username = p.Username
		info.password = string(p.Password)
		if p.WillFlag {
			info.will = &session.WillMessage{
				Topic:   p.WillTopic,
				Payload: p.WillPayload,
				QoS:     byte(p.WillQoS),
				Retain:  p.WillRetain,
			}
			if prop := p.WillProperties.GetProperty(encoding.PropWillDelayInterval); prop != nil {
				if v, ok := prop.Value.(uint32); ok {
					info.willDelay = v
				}
			}
		}
		if prop := p.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
			if v, ok := prop.Value.(uint32); ok {
				info.sessionExpiry = v
			}
		}

	default:
		return info, encoding.ReasonProtocolError
	}

	if info.clientID == "" {
		if !info.cleanStart {
			// An empty client id cannot address a persistent session.
			return info, encoding.ReasonClientIdentifierNotValid
		}
		assigned, err := c.lst.srv.sessions.GenerateClientID(ctx)
		if err != nil {
			return info, encoding.ReasonServerUnavailable
		}
		info.clientID = assigned
		info.assignedID = true
	}

	info.requestedKeepAlive = info.keepAlive
	maxKeepAlive := c.lst.srv.cfg.General.MaxKeepalive
	if maxKeepAlive > 0 && info.keepAlive > maxKeepAlive {
		info.keepAlive = maxKeepAlive
	}
	if info.keepAlive > 0 && info.keepAlive < minKeepAlive {
		info.keepAlive = minKeepAlive
	}

	return info, encoding.ReasonSuccess
}

func (c *clientConn) sendConnack(sessionPresent bool, info connectInfo) error {
	if c.version == encoding.ProtocolVersion50 {
		pkt := &encoding.ConnackPacket{
			SessionPresent: sessionPresent,
			ReasonCode:     encoding.ReasonSuccess,
		}
		_ = pkt.Properties.AddProperty(encoding.PropTopicAliasMaximum, uint16(serverTopicAliasMax))
		if info.requestedKeepAlive != c.keepAlive {
			_ = pkt.Properties.AddProperty(encoding.PropServerKeepAlive, c.keepAlive)
		}
		if info.assignedID {
			_ = pkt.Properties.AddProperty(encoding.PropAssignedClientIdentifier, c.clientID)
		}
		return c.writePacket(pkt)
	}
	return c.writePacket(&encoding.ConnackPacket311{SessionPresent: sessionPresent})
}

// sendConnackError maps a v5 reason code onto the right CONNACK shape for
// the session's protocol and closes nothing itself; callers return after.
func (c *clientConn) sendConnackError(rc encoding.ReasonCode) {
	if c.version == encoding.ProtocolVersion50 {
		_ = c.writePacket(&encoding.ConnackPacket{ReasonCode: rc})
		return
	}

	var returnCode byte
	switch rc {
	case encoding.ReasonUnsupportedProtocolVersion:
		returnCode = encoding.ConnectRefusedUnacceptableProtocol311
	case encoding.ReasonClientIdentifierNotValid:
		returnCode = encoding.ConnectRefusedIdentifierRejected311
	case encoding.ReasonServerUnavailable:
		returnCode = encoding.ConnectRefusedServerUnavailable311
	case encoding.ReasonBadUsernameOrPassword:
		returnCode = encoding.ConnectRefusedBadUsernamePassword311
	default:
		returnCode = encoding.ConnectRefusedNotAuthorized311
	}
	_ = c.writePacket(&encoding.ConnackPacket311{ReturnCode: returnCode})
}

// readLoop processes packets in strict receive order until the
// connection errors, the client disconnects, or the
// watchdog closes the socket.
func (c *clientConn) readLoop(ctx context.Context) {
	log := c.lst.srv.log
	for {
		pkt, err := encoding.Decode(c.br, c.version)
		if err != nil {
			if c.getState() == stateConnected && !c.evicted.Load() {
				log.Debug("session read ended",
					"listener_id", c.lst.id, "session_id", c.id,
					"client_id", c.clientID, "error", err)
			}
			return
		}
		c.touchRead()

		switch p := pkt.(type) {
		case *encoding.PublishPacket311:
			if !c.handlePublish(ctx, p.TopicName, p.Payload, byte(p.FixedHeader.QoS),
				p.FixedHeader.Retain, p.FixedHeader.DUP, p.PacketID, nil) {
				return
			}

		case *encoding.PublishPacket:
			if !c.handlePublish(ctx, p.TopicName, p.Payload, byte(p.FixedHeader.QoS),
				p.FixedHeader.Retain, p.FixedHeader.DUP, p.PacketID, &p.Properties) {
				return
			}

		case *encoding.PubackPacket311:
			c.sess.RemovePendingPublish(p.PacketID)
		case *encoding.PubackPacket:
			c.sess.RemovePendingPublish(p.PacketID)

		case *encoding.PubrecPacket311:
			c.handlePubrec(p.PacketID)
		case *encoding.PubrecPacket:
			c.handlePubrec(p.PacketID)

		case *encoding.PubrelPacket311:
			if !c.handlePubrel(ctx, p.PacketID) {
				return
			}
		case *encoding.PubrelPacket:
			if !c.handlePubrel(ctx, p.PacketID) {
				return
			}

		case *encoding.PubcompPacket311:
			c.sess.RemovePendingPubcomp(p.PacketID)
		case *encoding.PubcompPacket:
			c.sess.RemovePendingPubcomp(p.PacketID)

		case *encoding.SubscribePacket311:
			subs := make([]subscribeEntry, 0, len(p.Subscriptions))
			for _, s := range p.Subscriptions {
				subs = append(subs, subscribeEntry{filter: s.TopicFilter, qos: byte(s.QoS)})
			}
			if !c.handleSubscribe(ctx, p.PacketID, subs) {
				return
			}

		case *encoding.SubscribePacket:
			subs := make([]subscribeEntry, 0, len(p.Subscriptions))
			for _, s := range p.Subscriptions {
				subs = append(subs, subscribeEntry{
					filter:                 s.TopicFilter,
					qos:                    byte(s.QoS),
					noLocal:                s.NoLocal,
					retainAsPublished:      s.RetainAsPublished,
					retainHandling:         s.RetainHandling,
					subscriptionIdentifier: s.SubscriptionIdentifier,
				})
			}
			if !c.handleSubscribe(ctx, p.PacketID, subs) {
				return
			}

		case *encoding.UnsubscribePacket311:
			if !c.handleUnsubscribe(ctx, p.PacketID, p.TopicFilters) {
				return
			}

		case *encoding.UnsubscribePacket:
			if !c.handleUnsubscribe(ctx, p.PacketID, p.TopicFilters) {
				return
			}

		case *encoding.PingreqPacket:
			if err := c.writePacket(&encoding.PingrespPacket{}); err != nil {
				return
			}

		case *encoding.DisconnectPacket311:
			c.cleanDisconnect = true
			return

		case *encoding.DisconnectPacket:
			// A v5 DISCONNECT with reason 0x04 asks for the will anyway.
			c.cleanDisconnect = p.ReasonCode != encoding.ReasonDisconnectWithWillMessage
			if prop := p.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
				if v, ok := prop.Value.(uint32); ok {
					c.sess.UpdateExpiryInterval(v)
				}
			}
			return

		default:
			// CONNECT twice, AUTH, or a server-to-client-only type.
			log.Warn("unexpected packet",
				"listener_id", c.lst.id, "session_id", c.id,
				"client_id", c.clientID,
				"packet_type", pkt.PacketType().String(),
				"error", ErrUnexpectedPacket)
			c.sendDisconnect(encoding.ReasonProtocolError)
			return
		}
	}
}

type subscribeEntry struct {
	filter                 string
	qos                    byte
	noLocal                bool
	retainAsPublished      bool
	retainHandling         byte
	subscriptionIdentifier uint32
}

// handlePublish routes one inbound PUBLISH through the dispatcher and
// runs the QoS1/QoS2 receiver flows. Returns false when the session
// must terminate (protocol error, dispatcher gone).
func (c *clientConn) handlePublish(ctx context.Context, topicName string, payload []byte,
	qos byte, retain, dup bool, packetID uint16, props *encoding.Properties,
) bool {
	log := c.lst.srv.log

	// v5 topic aliases: a per-direction map bounded by the advertised
	// maximum; empty topic + known alias resolves, topic + alias registers.
	if props != nil {
		if prop := props.GetProperty(encoding.PropTopicAlias); prop != nil {
			alias, ok := prop.Value.(uint16)
			if !ok || alias == 0 || alias > serverTopicAliasMax {
				c.sendDisconnect(encoding.ReasonTopicAliasInvalid)
				return false
			}
			if topicName == "" {
				resolved, ok := c.aliasesIn[alias]
				if !ok {
					log.Warn("publish with unknown topic alias",
						"listener_id", c.lst.id, "session_id", c.id,
						"client_id", c.clientID, "alias", alias,
						"error", ErrTopicAliasUnknown)
					c.sendDisconnect(encoding.ReasonProtocolError)
					return false
				}
				topicName = resolved
			} else {
				if c.aliasesIn == nil {
					c.aliasesIn = make(map[uint16]string)
				}
				c.aliasesIn[alias] = topicName
			}
		}
	}

	if err := topic.ValidateTopic(topicName); err != nil {
		log.Warn("invalid publish topic",
			"listener_id", c.lst.id, "session_id", c.id,
			"client_id", c.clientID, "topic", topicName, "error", err)
		c.sendDisconnect(encoding.ReasonTopicNameInvalid)
		return false
	}

	allowed := true
	if acls := c.lst.srv.aclList; acls != nil {
		allowed = acls.Allowed(c.username, topicName, acl.AccessPublish)
	}
	if allowed {
		msg := message.NewMessage(packetID, topicName, payload, encoding.QoS(qos), retain, propsToMap(props))
		if err := c.lst.srv.hooks.OnPublish(c.hookClient(), &hook.PublishPacket{
			PacketID: packetID, Topic: topicName, Payload: payload,
			QoS: qos, Retain: retain, Duplicate: dup,
			ProtocolVersion: byte(c.version), Origin: c.clientID,
		}); err != nil {
			allowed = false
		} else {
			switch qos {
			case 0, 1:
				if !c.route(ctx, msg) {
					return false
				}
			case 2:
				// Held until PUBREL; DUP redelivery of a held id must
				// not double-store.
				if _, held := c.inboundQoS2[packetID]; !held {
					c.inboundQoS2[packetID] = msg
					c.sess.AddPendingPubrel(packetID)
				}
			}
		}
	}

	switch qos {
	case 1:
		if c.version == encoding.ProtocolVersion50 {
			rc := encoding.ReasonSuccess
			if !allowed {
				rc = encoding.ReasonNotAuthorized
			}
			return c.writePacket(&encoding.PubackPacket{PacketID: packetID, ReasonCode: rc}) == nil
		}
		return c.writePacket(&encoding.PubackPacket311{PacketID: packetID}) == nil
	case 2:
		if c.version == encoding.ProtocolVersion50 {
			rc := encoding.ReasonSuccess
			if !allowed {
				rc = encoding.ReasonNotAuthorized
			}
			return c.writePacket(&encoding.PubrecPacket{PacketID: packetID, ReasonCode: rc}) == nil
		}
		return c.writePacket(&encoding.PubrecPacket311{PacketID: packetID}) == nil
	}
	return true
}

// handlePubrel completes the QoS2 receive flow: route the held message,
// then PUBCOMP.
func (c *clientConn) handlePubrel(ctx context.Context, packetID uint16) bool {
	if msg, ok := c.inboundQoS2[packetID]; ok {
		delete(c.inboundQoS2, packetID)
		c.sess.RemovePendingPubrel(packetID)
		if !c.route(ctx, msg) {
			return false
		}
	}
	if c.version == encoding.ProtocolVersion50 {
		return c.writePacket(&encoding.PubcompPacket{PacketID: packetID}) == nil
	}
	return c.writePacket(&encoding.PubcompPacket311{PacketID: packetID}) == nil
}

// handlePubrec advances the QoS2 send flow: the peer holds the message
// now, so release the pending publish and await PUBCOMP for the id.
func (c *clientConn) handlePubrec(packetID uint16) {
	c.sess.RemovePendingPublish(packetID)
	c.sess.AddPendingPubcomp(packetID)
	if c.version == encoding.ProtocolVersion50 {
		_ = c.writePacket(&encoding.PubrelPacket{PacketID: packetID})
		return
	}
	_ = c.writePacket(&encoding.PubrelPacket311{PacketID: packetID})
}

// route hands one message to the dispatcher. A failed send means the
// dispatcher is gone, which is fatal for the session.
func (c *clientConn) route(ctx context.Context, msg *message.Message) bool {
	err := c.lst.srv.disp.Publish(ctx, dispatcher.PublishRequest{
		From:     c.gid(),
		Username: c.username,
		Message:  msg,
	})
	if err != nil {
		c.lst.srv.log.Error("publish routing failed",
			"listener_id", c.lst.id, "session_id", c.id,
			"client_id", c.clientID, "error", ErrDispatcherUnavailable)
		return false
	}
	return true
}

func (c *clientConn) handleSubscribe(ctx context.Context, packetID uint16, subs []subscribeEntry) bool {
	codes := make([]encoding.ReasonCode, 0, len(subs))

	for _, sub := range subs {
		if err := topic.ValidateTopicFilter(sub.filter); err != nil {
			codes = append(codes, encoding.ReasonTopicFilterInvalid)
			continue
		}

		result, err := c.lst.srv.disp.Subscribe(ctx, dispatcher.SubscribeRequest{
			Gid:                    c.gid(),
			Username:               c.username,
			Filter:                 sub.filter,
			RequestedQoS:           sub.qos,
			NoLocal:                sub.noLocal,
			RetainAsPublished:      sub.retainAsPublished,
			RetainHandling:         sub.retainHandling,
			SubscriptionIdentifier: sub.subscriptionIdentifier,
		})
		if err != nil {
			// A per-filter denial gets a failure code in the SUBACK; a
			// dead dispatcher kills the session.
			if errors.Is(err, dispatcher.ErrSubscribeDenied) || result.Err != nil {
				codes = append(codes, encoding.ReasonNotAuthorized)
				continue
			}
			return false
		}

		codes = append(codes, encoding.ReasonCode(result.GrantedQoS))
		c.sess.AddSubscription(&session.Subscription{
			TopicFilter:            sub.filter,
			QoS:                    result.GrantedQoS,
			NoLocal:                sub.noLocal,
			RetainAsPublished:      sub.retainAsPublished,
			RetainHandling:         sub.retainHandling,
			SubscriptionIdentifier: sub.subscriptionIdentifier,
			SubscribedAt:           time.Now(),
		})
		c.lst.srv.hooks.OnSubscribed(c.hookClient(), &hook.Subscription{
			ClientID: c.clientID, TopicFilter: sub.filter, QoS: result.GrantedQoS,
		})

		// Matching retained messages are delivered immediately after the
		// grant, downgraded like a live publish would be.
		for _, retained := range result.Retained {
			out := retained.Clone()
			if byte(out.QoS) > result.GrantedQoS {
				out.QoS = encoding.QoS(result.GrantedQoS)
			}
			out.Retain = true
			c.enqueue(out)
		}
	}

	if c.version == encoding.ProtocolVersion50 {
		return c.writePacket(&encoding.SubackPacket{PacketID: packetID, ReasonCodes: codes}) == nil
	}

	returnCodes := make([]byte, len(codes))
	for i, rc := range codes {
		if rc > encoding.ReasonGrantedQoS2 {
			returnCodes[i] = 0x80
		} else {
			returnCodes[i] = byte(rc)
		}
	}
	return c.writePacket(&encoding.SubackPacket311{PacketID: packetID, ReturnCodes: returnCodes}) == nil
}

func (c *clientConn) handleUnsubscribe(ctx context.Context, packetID uint16, filters []string) bool {
	codes := make([]encoding.ReasonCode, 0, len(filters))
	for _, filter := range filters {
		_, had := c.sess.GetSubscription(filter)
		if err := c.lst.srv.disp.Unsubscribe(ctx, dispatcher.UnsubscribeRequest{
			Gid:    c.gid(),
			Filter: filter,
		}); err != nil {
			return false
		}
		c.sess.RemoveSubscription(filter)
		if had {
			codes = append(codes, encoding.ReasonSuccess)
		} else {
			codes = append(codes, encoding.ReasonNoSubscriptionExisted)
		}
	}

	if c.version == encoding.ProtocolVersion50 {
		return c.writePacket(&encoding.UnsubackPacket{PacketID: packetID, ReasonCodes: codes}) == nil
	}
	return c.writePacket(&encoding.UnsubackPacket311{PacketID: packetID}) == nil
}

// restoreSubscriptions re-registers a resumed session's stored
// subscriptions under this connection's new SessionGid. Retained
// messages are not re-sent on resume (retain handling "2").
func (c *clientConn) restoreSubscriptions(ctx context.Context) {
	for filter, sub := range c.sess.GetAllSubscriptions() {
		_, err := c.lst.srv.disp.Subscribe(ctx, dispatcher.SubscribeRequest{
			Gid:                    c.gid(),
			Username:               c.username,
			Filter:                 filter,
			RequestedQoS:           sub.QoS,
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         2,
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
		})
		if err != nil {
			return
		}
	}
}

// retransmitPending redelivers unacknowledged QoS1/2 publishes with
// DUP=1 after a session resume.
func (c *clientConn) retransmitPending() {
	for _, pm := range c.sess.GetAllPendingPublish() {
		_ = c.writePublish(pm.Topic, pm.Payload, pm.QoS, pm.Retain, true, pm.PacketID)
	}
}

// enqueue accepts a delivery from the listener's pump. The queue is
// bounded; a delivery of any QoS that finds it full is dropped and
// counted as dropped.
func (c *clientConn) enqueue(msg *message.Message) {
	select {
	case c.outbound <- msg:
	default:
		c.lst.srv.reg.MessageDropped()
	}
}

// writeLoop is the session's writer task: it serializes deliveries onto
// the socket, allocating packet ids and recording QoS1/2 pending state on
// the way out.
func (c *clientConn) writeLoop() {
	for {
		select {
		case <-c.conn.CloseChan():
			return
		case msg := <-c.outbound:
			var packetID uint16
			if msg.QoS > 0 {
				packetID = c.sess.NextPacketID()
				c.sess.AddPendingPublish(&session.PendingMessage{
					PacketID:  packetID,
					Topic:     msg.Topic,
					Payload:   msg.Payload,
					QoS:       byte(msg.QoS),
					Retain:    msg.Retain,
					Timestamp: time.Now(),
				})
			}
			if err := c.writePublish(msg.Topic, msg.Payload, byte(msg.QoS), msg.Retain, false, packetID); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) writePublish(topicName string, payload []byte, qos byte, retain, dup bool, packetID uint16) error {
	if c.version == encoding.ProtocolVersion50 {
		return c.writePacket(&encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS(qos), Retain: retain, DUP: dup},
			TopicName:   topicName,
			PacketID:    packetID,
			Payload:     payload,
		})
	}
	return c.writePacket(&encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS(qos), Retain: retain, DUP: dup},
		TopicName:   topicName,
		PacketID:    packetID,
		Payload:     payload,
	})
}

// writePacket serializes one packet into the session's reusable scratch
// buffer and puts it on the wire with a single Write, so message-framed
// transports (WebSocket) carry one whole MQTT packet per frame.
func (c *clientConn) writePacket(p encoding.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.writeBuf.Reset()
	if err := p.Encode(&c.writeBuf); err != nil {
		return err
	}
	_, err := c.conn.Write(c.writeBuf.Bytes())
	return err
}

// sendDisconnect emits a v5 DISCONNECT reason before the close; v3 has no
// server-to-client DISCONNECT, so the close alone carries the news.
func (c *clientConn) sendDisconnect(rc encoding.ReasonCode) {
	if c.version == encoding.ProtocolVersion50 {
		_ = c.writePacket(&encoding.DisconnectPacket{ReasonCode: rc})
	}
}

// watchdog enforces the keep-alive rule: no control packet within
// 1.5x the negotiated interval kills the connection.
func (c *clientConn) watchdog() {
	interval := time.Duration(c.keepAlive) * time.Second
	window := interval + interval/2
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.conn.CloseChan():
			return
		case <-ticker.C:
			if c.sinceRead() > window {
				c.lst.srv.log.Info("keep-alive timeout",
					"listener_id", c.lst.id, "session_id", c.id,
					"client_id", c.clientID, "keep_alive", c.keepAlive,
					"error", ErrKeepAliveTimeout)
				c.sendDisconnect(encoding.ReasonKeepAliveTimeout)
				_ = c.conn.Close()
				return
			}
		}
	}
}

// evict is the duplicate-client-id takeover path: a v5 session
// learns why, a v3 session just sees the close. The evicted session's
// teardown publishes its will, since a takeover is not a clean
// client-initiated disconnect.
func (c *clientConn) evict() {
	if !c.evicted.CompareAndSwap(false, true) {
		return
	}
	c.lst.srv.log.Info("session evicted by duplicate client id",
		"listener_id", c.lst.id, "session_id", c.id,
		"client_id", c.clientID, "error", ErrDuplicateClientID)
	c.sendDisconnect(encoding.ReasonSessionTakenOver)
	_ = c.conn.Close()
}

// shutdown is the server-initiated close used during listener teardown.
func (c *clientConn) shutdown() {
	c.sendDisconnect(encoding.ReasonServerShuttingDown)
	_ = c.conn.Close()
}

// teardown runs the Disconnecting -> Disconnected tail of the state
// machine exactly once, whatever path ended the session.
func (c *clientConn) teardown(ctx context.Context) {
	c.setState(stateDisconnecting)

	wasConnected := c.sess != nil

	c.lst.releaseSession(c)
	_ = c.conn.Close()

	if wasConnected {
		// Use a fresh context: the server ctx may already be canceled
		// during shutdown, and cleanup must still run.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c.lst.srv.disp.UnsubscribeAll(cleanupCtx, c.gid())
		c.lst.srv.disp.SessionDisconnected(c.gid())

		sendWill := !c.cleanDisconnect
		if err := c.lst.srv.sessions.DisconnectSession(cleanupCtx, c.clientID, sendWill); err != nil {
			c.lst.srv.log.Debug("session disconnect cleanup",
				"client_id", c.clientID, "error", err)
		}
		c.lst.srv.hooks.OnDisconnect(c.hookClient(), nil, c.sess.GetCleanStart())
	}

	c.setState(stateDisconnected)
	close(c.done)
}

func (c *clientConn) hookClient() *hook.Client {
	return &hook.Client{
		ID:              c.clientID,
		RemoteAddr:      c.conn.RemoteAddr(),
		LocalAddr:       c.conn.LocalAddr(),
		Username:        c.username,
		ProtocolVersion: byte(c.version),
		KeepAlive:       c.keepAlive,
	}
}

func (c *clientConn) hookConnect(info connectInfo) *hook.ConnectPacket {
	return &hook.ConnectPacket{
		ProtocolVersion: byte(c.version),
		CleanStart:      info.cleanStart,
		KeepAlive:       info.keepAlive,
		ClientID:        info.clientID,
		Username:        info.username,
	}
}

func toQoS(b byte) encoding.QoS { return encoding.QoS(b) }

func propsToMap(props *encoding.Properties) map[string]interface{} {
	if props == nil || len(props.Properties) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(props.Properties))
	for _, p := range props.Properties {
		m[p.ID.String()] = p.Value
	}
	return m
}
