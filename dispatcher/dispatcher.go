// Package dispatcher implements the broker's single-owner router: it
// owns the subscription trie and retained-message table, routes
// PUBLISH to matching sessions, fans results out to Listeners over bounded
// channels, and emits `$SYS` telemetry.
//
// The dispatcher is reached exclusively through the channel fabric:
// every inbound operation is a typed command sent on
// a bounded (capacity 16) channel, and a single goroutine (Run) owns the
// subscription trie and retained table so no lock ever needs to protect
// them against concurrent writers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RustRobotics/hebo-sub002/acl"
	"github.com/RustRobotics/hebo-sub002/encoding"
	"github.com/RustRobotics/hebo-sub002/metrics"
	"github.com/RustRobotics/hebo-sub002/store"
	"github.com/RustRobotics/hebo-sub002/topic"
	"github.com/RustRobotics/hebo-sub002/types/message"
)

// ErrSubscribeDenied is returned by Subscribe when the ACL list denies the
// requesting user access to the filter.
var ErrSubscribeDenied = errors.New("dispatcher: subscribe denied by acl")

// ErrDispatcherStopped is returned from request methods once Run has
// exited; callers treat it like a closed critical channel.
var ErrDispatcherStopped = errors.New("dispatcher: stopped")

// chanCapacity is the default bounded capacity for every inter-component
// channel in the fabric.
const chanCapacity = 16

// SessionGid identifies a session broker-wide: a listener-local SessionID
// paired with its ListenerID.
type SessionGid struct {
	ListenerID uint32
	SessionID  uint64
}

func (g SessionGid) String() string {
	return strconv.FormatUint(uint64(g.ListenerID), 10) + ":" + strconv.FormatUint(g.SessionID, 10)
}

func parseSessionGid(s string) (SessionGid, bool) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return SessionGid{}, false
	}
	listenerID, err := strconv.ParseUint(s[:idx], 10, 32)
	if err != nil {
		return SessionGid{}, false
	}
	sessionID, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return SessionGid{}, false
	}
	return SessionGid{ListenerID: uint32(listenerID), SessionID: sessionID}, true
}

// Delivery is one message handed to a Listener for forwarding to one of its
// sessions.
type Delivery struct {
	SessionID uint64
	Message   *message.Message
}

// SubscribeRequest is a ListenerToDispatcherCmd: a session's SUBSCRIBE
// request for one topic filter.
type SubscribeRequest struct {
	Gid                    SessionGid
	Username               string
	Filter                 string
	RequestedQoS           byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// SubscribeResult is the DispatcherToListenerCmd reply to a subscribe
// request: the granted QoS (or an error) plus any retained messages that
// must be delivered immediately on subscription.
type SubscribeResult struct {
	GrantedQoS byte
	Err        error
	Retained   []*message.Message
}

// UnsubscribeRequest is a ListenerToDispatcherCmd for one UNSUBSCRIBE topic
// filter.
type UnsubscribeRequest struct {
	Gid    SessionGid
	Filter string
}

// PublishRequest is a ListenerToDispatcherCmd carrying one decoded PUBLISH
// or a will message published on a session's behalf. Internal=true marks
// the dispatcher's own $SYS telemetry, which exempts it from the
// $SYS-publish ACL gate below; wills leave it false.
type PublishRequest struct {
	From     SessionGid
	Username string
	Message  *message.Message
	Internal bool
}

// sessionEvent tracks connect/disconnect for the $SYS connected-client
// count independent of whatever that session subscribes to.
type sessionEvent struct {
	connected bool
}

type subscribeCmd struct {
	req   SubscribeRequest
	reply chan SubscribeResult
}

type unsubscribeCmd struct {
	req   UnsubscribeRequest
	reply chan error
}

type unsubscribeAllCmd struct {
	gid   SessionGid
	reply chan int
}

type publishCmd struct {
	req PublishRequest
}

type sessionEventCmd struct {
	gid   SessionGid
	event sessionEvent
}

type registerListenerCmd struct {
	listenerID uint32
	ch         chan<- Delivery
}

type unregisterListenerCmd struct {
	listenerID uint32
}

// Config controls policy knobs the Dispatcher enforces while routing.
type Config struct {
	// MaxQoS caps the QoS granted to any subscription, independent of what
	// the client requested; grants are min(requested, MaxQoS).
	MaxQoS byte
	// SysInterval is how often $SYS telemetry is republished (default 3s).
	SysInterval time.Duration
	// MaxQueuedPerListener bounds the QoS1/2 backpressure overflow queue
	// per listener link before messages are dropped.
	MaxQueuedPerListener int
}

func DefaultConfig() Config {
	return Config{
		MaxQoS:               2,
		SysInterval:          3 * time.Second,
		MaxQueuedPerListener: 1000,
	}
}

// Dispatcher is the sole owner of the subscription trie and retained
// table. All mutation happens inside Run's goroutine;
// every other method only ever sends on a channel and waits for a reply.
type Dispatcher struct {
	cfg      Config
	router   *topic.Router
	retained *store.RetainedStore
	acl      *acl.List
	registry *metrics.Registry

	subscribeCh       chan subscribeCmd
	unsubscribeCh     chan unsubscribeCmd
	unsubscribeAllCh  chan unsubscribeAllCmd
	publishCh         chan publishCmd
	sessionEventCh    chan sessionEventCmd
	registerCh        chan registerListenerCmd
	unregisterCh      chan unregisterListenerCmd

	listeners map[uint32]*listenerLink

	done chan struct{}
}

type listenerLink struct {
	ch   chan<- Delivery
	wake chan struct{}

	mu       sync.Mutex
	overflow []Delivery
	closed   atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a Dispatcher. acl may be nil, in which case `$SYS` publishes
// from ordinary clients are always dropped (the conservative default) and
// no other publish is ACL-gated.
func New(cfg Config, aclList *acl.List, registry *metrics.Registry) *Dispatcher {
	if cfg.MaxQoS == 0 && cfg.SysInterval == 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		cfg:              cfg,
		router:           topic.NewRouter(),
		retained:         store.NewRetainedStore(),
		acl:              aclList,
		registry:         registry,
		subscribeCh:      make(chan subscribeCmd, chanCapacity),
		unsubscribeCh:    make(chan unsubscribeCmd, chanCapacity),
		unsubscribeAllCh: make(chan unsubscribeAllCmd, chanCapacity),
		publishCh:        make(chan publishCmd, chanCapacity),
		sessionEventCh:   make(chan sessionEventCmd, chanCapacity),
		registerCh:       make(chan registerListenerCmd, chanCapacity),
		unregisterCh:     make(chan unregisterListenerCmd, chanCapacity),
		listeners:        make(map[uint32]*listenerLink),
		done:             make(chan struct{}),
	}
}

// Run is the Dispatcher's main loop: the single goroutine that owns the
// subscription trie and retained table. It returns when ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	var sysTicker *time.Ticker
	var sysTickCh <-chan time.Time
	if d.cfg.SysInterval > 0 {
		sysTicker = time.NewTicker(d.cfg.SysInterval)
		sysTickCh = sysTicker.C
		defer sysTicker.Stop()
	}
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-d.registerCh:
			d.handleRegister(cmd)

		case cmd := <-d.unregisterCh:
			d.handleUnregister(cmd)

		case cmd := <-d.subscribeCh:
			d.handleSubscribe(ctx, cmd)

		case cmd := <-d.unsubscribeCh:
			d.handleUnsubscribe(cmd)

		case cmd := <-d.unsubscribeAllCh:
			n := d.router.UnsubscribeAll(cmd.gid.String())
			if cmd.reply != nil {
				cmd.reply <- n
			}

		case cmd := <-d.publishCh:
			d.handlePublish(ctx, cmd.req)

		case cmd := <-d.sessionEventCh:
			d.handleSessionEvent(cmd)

		case <-sysTickCh:
			d.publishSysInfo(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// RegisterListener attaches a listener's delivery channel so the
// dispatcher can forward matched PUBLISHes to its sessions. Call
// UnregisterListener on listener shutdown.
func (d *Dispatcher) RegisterListener(listenerID uint32, ch chan<- Delivery) {
	d.registerCh <- registerListenerCmd{listenerID: listenerID, ch: ch}
}

func (d *Dispatcher) UnregisterListener(listenerID uint32) {
	select {
	case d.unregisterCh <- unregisterListenerCmd{listenerID: listenerID}:
	case <-d.done:
	}
}

func (d *Dispatcher) handleRegister(cmd registerListenerCmd) {
	link := &listenerLink{
		ch:   cmd.ch,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	d.listeners[cmd.listenerID] = link
	link.wg.Add(1)
	go link.drain()
}

func (d *Dispatcher) handleUnregister(cmd unregisterListenerCmd) {
	link, ok := d.listeners[cmd.listenerID]
	if !ok {
		return
	}
	delete(d.listeners, cmd.listenerID)
	close(link.stop)
	link.wg.Wait()
}

// drain delivers queued QoS1/2 overflow in FIFO order, blocking on the
// listener's channel as needed. Only this goroutine blocks, never the
// dispatcher's main loop, so one slow subscriber cannot stall the router.
func (l *listenerLink) drain() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(l.overflow) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-l.stop:
				return
			}
		}
		next := l.overflow[0]
		l.mu.Unlock()

		select {
		case l.ch <- next:
			l.mu.Lock()
			l.overflow = l.overflow[1:]
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// SessionConnected / SessionDisconnected feed the $SYS connected-client
// count.
func (d *Dispatcher) SessionConnected(gid SessionGid) {
	select {
	case d.sessionEventCh <- sessionEventCmd{gid: gid, event: sessionEvent{connected: true}}:
	case <-d.done:
	}
}

func (d *Dispatcher) SessionDisconnected(gid SessionGid) {
	select {
	case d.sessionEventCh <- sessionEventCmd{gid: gid, event: sessionEvent{connected: false}}:
	case <-d.done:
	}
}

func (d *Dispatcher) handleSessionEvent(cmd sessionEventCmd) {
	if d.registry == nil {
		return
	}
	if cmd.event.connected {
		d.registry.ClientConnected()
	} else {
		d.registry.ClientDisconnected()
	}
}

// Subscribe sends a SUBSCRIBE request to the dispatcher and blocks for its
// SUBACK-shaped result, including any retained messages matching the new
// filter.
func (d *Dispatcher) Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResult, error) {
	reply := make(chan SubscribeResult, 1)
	select {
	case d.subscribeCh <- subscribeCmd{req: req, reply: reply}:
	case <-d.done:
		return SubscribeResult{}, ErrDispatcherStopped
	case <-ctx.Done():
		return SubscribeResult{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, res.Err
	case <-d.done:
		return SubscribeResult{}, ErrDispatcherStopped
	case <-ctx.Done():
		return SubscribeResult{}, ctx.Err()
	}
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, cmd subscribeCmd) {
	req := cmd.req

	if d.acl != nil && !d.acl.Allowed(req.Username, req.Filter, acl.AccessSubscribe) {
		cmd.reply <- SubscribeResult{Err: ErrSubscribeDenied}
		return
	}

	granted := req.RequestedQoS
	if granted > d.cfg.MaxQoS {
		granted = d.cfg.MaxQoS
	}

	sub := &topic.Subscription{
		ClientID:               req.Gid.String(),
		TopicFilter:            req.Filter,
		QoS:                    granted,
		NoLocal:                req.NoLocal,
		RetainAsPublished:      req.RetainAsPublished,
		RetainHandling:         req.RetainHandling,
		SubscriptionIdentifier: req.SubscriptionIdentifier,
	}

	if err := d.router.Subscribe(sub); err != nil {
		cmd.reply <- SubscribeResult{Err: err}
		return
	}

	var retained []*message.Message
	if req.RetainHandling != 2 { // 2 = "do not send retained messages at subscribe time" (v5)
		if msgs, err := d.retained.Match(ctx, req.Filter, topic.NewTopicMatcher()); err == nil {
			retained = msgs
		}
	}

	if d.registry != nil {
		d.registry.SetSubscriptions(int64(d.router.Count()))
	}

	cmd.reply <- SubscribeResult{GrantedQoS: granted, Retained: retained}
}

// Unsubscribe removes one subscription.
func (d *Dispatcher) Unsubscribe(ctx context.Context, req UnsubscribeRequest) error {
	reply := make(chan error, 1)
	select {
	case d.unsubscribeCh <- unsubscribeCmd{req: req, reply: reply}:
	case <-d.done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-d.done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) handleUnsubscribe(cmd unsubscribeCmd) {
	d.router.Unsubscribe(cmd.req.Gid.String(), cmd.req.Filter)
	if d.registry != nil {
		d.registry.SetSubscriptions(int64(d.router.Count()))
	}
	if cmd.reply != nil {
		cmd.reply <- nil
	}
}

// UnsubscribeAll drops every subscription owned by gid, used on session
// disconnect/eviction.
func (d *Dispatcher) UnsubscribeAll(ctx context.Context, gid SessionGid) int {
	reply := make(chan int, 1)
	select {
	case d.unsubscribeAllCh <- unsubscribeAllCmd{gid: gid, reply: reply}:
	case <-d.done:
		return 0
	case <-ctx.Done():
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-d.done:
		return 0
	case <-ctx.Done():
		return 0
	}
}

// Publish enqueues one PUBLISH for routing. It blocks only on handing the
// command to the dispatcher's own bounded inbox, never on delivery, so a
// slow subscriber can never stall the publisher.
func (d *Dispatcher) Publish(ctx context.Context, req PublishRequest) error {
	select {
	case d.publishCh <- publishCmd{req: req}:
		return nil
	case <-d.done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) handlePublish(ctx context.Context, req PublishRequest) {
	if d.registry != nil {
		d.registry.MessageReceived(len(req.Message.Payload))
	}

	topicName := req.Message.Topic

	if strings.HasPrefix(topicName, "$SYS/") && !req.Internal {
		if d.acl == nil || !d.acl.Allowed(req.Username, topicName, acl.AccessPublish) {
			return
		}
	}

	matches := d.router.MatchWithPublisher(topicName, req.From.String())
	for _, sub := range matches {
		granted := sub.QoS
		if byte(req.Message.QoS) < granted {
			granted = byte(req.Message.QoS)
		}

		gid, ok := parseSessionGid(sub.ClientID)
		if !ok {
			continue
		}
		link, ok := d.listeners[gid.ListenerID]
		if !ok {
			continue
		}

		out := req.Message.Clone()
		out.QoS = encoding.QoS(granted)
		out.DUP = false
		d.deliver(link, gid.SessionID, out)
	}

	if req.Message.Retain {
		if len(req.Message.Payload) == 0 {
			_ = d.retained.Delete(ctx, topicName)
		} else {
			_ = d.retained.Set(ctx, topicName, req.Message)
		}
		if d.registry != nil {
			if n, err := d.retained.Count(ctx); err == nil {
				d.registry.SetRetained(n)
			}
		}
	}
}

// deliver applies the fan-out backpressure policy: QoS0 is
// drop-tail (a non-blocking send that drops on a full channel); QoS1/2
// queue in the listener's bounded overflow buffer and are retried by that
// listener's drain goroutine, dropping only once the overflow itself is
// full.
func (d *Dispatcher) deliver(link *listenerLink, sessionID uint64, msg *message.Message) {
	delivery := Delivery{SessionID: sessionID, Message: msg}

	// While the overflow queue is non-empty, everything must go through
	// it; a direct send would overtake queued messages and break the
	// per-(publisher, subscriber) FIFO guarantee.
	link.mu.Lock()
	queued := len(link.overflow) > 0
	link.mu.Unlock()

	if !queued {
		select {
		case link.ch <- delivery:
			if d.registry != nil {
				d.registry.MessageSent(len(msg.Payload))
			}
			return
		default:
		}
	}

	if msg.QoS == 0 {
		if d.registry != nil {
			d.registry.MessageDropped()
		}
		return
	}

	link.mu.Lock()
	if len(link.overflow) >= d.cfg.MaxQueuedPerListener {
		link.mu.Unlock()
		if d.registry != nil {
			d.registry.MessageDropped()
		}
		return
	}
	link.overflow = append(link.overflow, delivery)
	link.mu.Unlock()

	select {
	case link.wake <- struct{}{}:
	default:
	}
	if d.registry != nil {
		d.registry.MessageSent(len(msg.Payload))
	}
}

// publishSysInfo republishes the `$SYS/broker/...` topic tree
// through the dispatcher's own PUBLISH path, exactly like any other
// PUBLISH, including fan-out to subscribers and no retained bookkeeping
// (the `$SYS` tree is a live feed, not retained state).
func (d *Dispatcher) publishSysInfo(ctx context.Context) {
	if d.registry == nil {
		return
	}
	info := d.registry.SysInfo()

	topics := map[string]int64{
		"$SYS/broker/uptime":                   info.Uptime,
		"$SYS/broker/clients/connected":        info.ClientsConnected,
		"$SYS/broker/messages/sent":            info.MessagesSent,
		"$SYS/broker/messages/received":        info.MessagesReceived,
		"$SYS/broker/bytes/sent":               info.BytesSent,
		"$SYS/broker/bytes/received":           info.BytesReceived,
		"$SYS/broker/publish/messages/dropped": info.MessagesDropped,
	}

	for t, v := range topics {
		msg := message.NewMessage(0, t, []byte(fmt.Sprintf("%d", v)), 0, false, nil)
		d.handlePublish(ctx, PublishRequest{Message: msg, Internal: true})
	}
}
