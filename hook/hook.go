// Package hook is the broker's pluggable-policy seam: a set of named
// lifecycle events (authentication, ACL checks, packet observation,
// telemetry ticks) that external code attaches to through a
// copy-on-write manager. The channel fabric carries the pub/sub data
// path; hooks carry everything that should be swappable without touching
// the data path: credential backends, authorization rules,
// observability.
package hook

import (
	"net"
	"time"

	"github.com/RustRobotics/hebo-sub002/encoding"
)

// Event names one lifecycle point a Hook may implement. A hook declares
// which events it serves through Provides; the manager only dispatches
// events a hook claims.
type Event byte

const (
	SetOptions Event = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnConnect
	OnSessionEstablish
	OnSessionEstablished
	OnDisconnect
	OnAuthPacket
	OnPacketRead
	OnPacketEncode
	OnPacketSent
	OnPacketProcessed
	OnSubscribe
	OnSubscribed
	OnSelectSubscribers
	OnUnsubscribe
	OnUnsubscribed
	OnPublish
	OnPublished
	OnPublishDropped
	OnRetainMessage
	OnRetainPublished
	OnQosPublish
	OnQosComplete
	OnQosDropped
	OnPacketIDExhausted
	OnWill
	OnWillSent
	OnClientExpired
	OnRetainedExpired
	StoredClients
	StoredSubscriptions
	StoredInflightMessages
	StoredRetainedMessages
	StoredSysInfo
)

// eventNames is indexed by Event; keep in declaration order.
var eventNames = [...]string{
	SetOptions:             "SetOptions",
	OnSysInfoTick:          "OnSysInfoTick",
	OnStarted:              "OnStarted",
	OnStopped:              "OnStopped",
	OnConnectAuthenticate:  "OnConnectAuthenticate",
	OnACLCheck:             "OnACLCheck",
	OnConnect:              "OnConnect",
	OnSessionEstablish:     "OnSessionEstablish",
	OnSessionEstablished:   "OnSessionEstablished",
	OnDisconnect:           "OnDisconnect",
	OnAuthPacket:           "OnAuthPacket",
	OnPacketRead:           "OnPacketRead",
	OnPacketEncode:         "OnPacketEncode",
	OnPacketSent:           "OnPacketSent",
	OnPacketProcessed:      "OnPacketProcessed",
	OnSubscribe:            "OnSubscribe",
	OnSubscribed:           "OnSubscribed",
	OnSelectSubscribers:    "OnSelectSubscribers",
	OnUnsubscribe:          "OnUnsubscribe",
	OnUnsubscribed:         "OnUnsubscribed",
	OnPublish:              "OnPublish",
	OnPublished:            "OnPublished",
	OnPublishDropped:       "OnPublishDropped",
	OnRetainMessage:        "OnRetainMessage",
	OnRetainPublished:      "OnRetainPublished",
	OnQosPublish:           "OnQosPublish",
	OnQosComplete:          "OnQosComplete",
	OnQosDropped:           "OnQosDropped",
	OnPacketIDExhausted:    "OnPacketIDExhausted",
	OnWill:                 "OnWill",
	OnWillSent:             "OnWillSent",
	OnClientExpired:        "OnClientExpired",
	OnRetainedExpired:      "OnRetainedExpired",
	StoredClients:          "StoredClients",
	StoredSubscriptions:    "StoredSubscriptions",
	StoredInflightMessages: "StoredInflightMessages",
	StoredRetainedMessages: "StoredRetainedMessages",
	StoredSysInfo:          "StoredSysInfo",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Unknown"
}

// Hook is one attachable policy module. Base supplies a no-op
// implementation of the full surface, so concrete hooks override only
// the events they Provide.
type Hook interface {
	// ID returns the hook's unique registration key.
	ID() string

	// Provides reports whether the hook implements the given event.
	Provides(event Event) bool

	// Init hands the hook its configuration before first dispatch.
	Init(config any) error

	// Stop releases the hook's resources.
	Stop() error

	// SetOptions delivers the broker's capabilities at configuration
	// time.
	SetOptions(opts *Options) error

	// OnSysInfoTick delivers a telemetry snapshot on each $SYS tick.
	OnSysInfoTick(info *SysInfo) error

	// OnStarted / OnStopped bracket the broker's lifetime.
	OnStarted() error
	OnStopped(err error) error

	// OnConnectAuthenticate votes on a CONNECT's credentials; any
	// false vote denies the connection.
	OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool

	// OnACLCheck votes on one topic access; any false vote denies.
	OnACLCheck(client *Client, topic string, access AccessType) bool

	// OnConnect fires once a client is accepted.
	OnConnect(client *Client, packet *ConnectPacket) error

	// OnSessionEstablish may replace the session state about to be
	// installed; the first non-nil result wins.
	OnSessionEstablish(client *Client, packet *ConnectPacket) *SessionState

	// OnSessionEstablished fires after session setup completes.
	OnSessionEstablished(client *Client, packet *ConnectPacket) error

	// OnDisconnect fires when a client's session detaches.
	OnDisconnect(client *Client, err error, expire bool) error

	// OnAuthPacket votes on a v5 AUTH exchange step.
	OnAuthPacket(client *Client, packet *AuthPacket) bool

	// OnPacketRead may rewrite raw inbound packet bytes.
	OnPacketRead(client *Client, packet []byte) ([]byte, error)

	// OnPacketEncode may rewrite raw outbound packet bytes.
	OnPacketEncode(client *Client, packet []byte) []byte

	// OnPacketSent observes a completed write.
	OnPacketSent(client *Client, packet []byte, count int, err error) error

	// OnPacketProcessed observes the outcome of one packet's handling.
	OnPacketProcessed(client *Client, packetType encoding.PacketType, err error) error

	// OnSubscribe / OnSubscribed bracket one subscription; an
	// OnSubscribe error rejects it.
	OnSubscribe(client *Client, sub *Subscription) error
	OnSubscribed(client *Client, sub *Subscription) error

	// OnSelectSubscribers may prune or reorder a publish's recipient
	// set before fan-out.
	OnSelectSubscribers(subscribers *Subscribers, topic string) error

	// OnUnsubscribe / OnUnsubscribed bracket one unsubscription.
	OnUnsubscribe(client *Client, topicFilter string) error
	OnUnsubscribed(client *Client, topicFilter string) error

	// OnPublish may veto a publish before routing; OnPublished fires
	// after routing.
	OnPublish(client *Client, packet *PublishPacket) error
	OnPublished(client *Client, packet *PublishPacket) error

	// OnPublishDropped observes a publish lost to backpressure or
	// policy.
	OnPublishDropped(client *Client, packet *PublishPacket, reason DropReason) error

	// OnRetainMessage / OnRetainPublished bracket retained-message
	// writes and deliveries.
	OnRetainMessage(client *Client, packet *PublishPacket) error
	OnRetainPublished(client *Client, packet *PublishPacket) error

	// OnQosPublish / OnQosComplete / OnQosDropped observe the QoS1/2
	// exchange lifecycle.
	OnQosPublish(client *Client, packet *PublishPacket, sent time.Time, resend int) error
	OnQosComplete(client *Client, packetID uint16, packetType encoding.PacketType) error
	OnQosDropped(client *Client, packetID uint16, reason DropReason) error

	// OnPacketIDExhausted observes a session running out of ids.
	OnPacketIDExhausted(client *Client, packetType encoding.PacketType) error

	// OnWill may rewrite a will message about to be published; the
	// manager treats a nil return as "keep the current will", so a hook
	// cannot suppress it this way. OnWillSent fires after.
	OnWill(client *Client, will *WillMessage) *WillMessage
	OnWillSent(client *Client, will *WillMessage) error

	// OnClientExpired / OnRetainedExpired observe expiry sweeps.
	OnClientExpired(clientID string) error
	OnRetainedExpired(topic string) error

	// Stored* let a persistence hook seed broker state at startup.
	StoredClients() ([]*Client, error)
	StoredSubscriptions() ([]*Subscription, error)
	StoredInflightMessages() ([]*InflightMessage, error)
	StoredRetainedMessages() ([]*RetainedMessage, error)
	StoredSysInfo() (*SysInfo, error)
}

// Options carries broker configuration to SetOptions.
type Options struct {
	Capabilities *Capabilities
	Config       map[string]any
}

// Capabilities advertises the broker's protocol limits.
type Capabilities struct {
	MaximumSessionExpiryInterval uint32
	MaximumMessageExpiryInterval uint32
	ReceiveMaximum               uint16
	MaximumQoS                   byte
	RetainAvailable              bool
	MaximumPacketSize            uint32
	MaximumTopicAlias            uint16
	WildcardSubAvailable         bool
	SubIDAvailable               bool
	SharedSubAvailable           bool
}

// SysInfo is one telemetry snapshot: the counters behind the
// $SYS/broker tree and the Prometheus exporter.
type SysInfo struct {
	Uptime              int64
	Version             string
	Started             time.Time
	Time                time.Time
	ClientsConnected    int64
	ClientsTotal        int64
	ClientsMaximum      int64
	ClientsDisconnected int64
	MessagesReceived    int64
	MessagesSent        int64
	MessagesDropped     int64
	BytesReceived       int64
	BytesSent           int64
	Subscriptions       int64
	Retained            int64
	Inflight            int64
	MemoryAlloc         uint64
	Threads             int
}

// Client is the read-only view of a connection hooks receive.
type Client struct {
	ID              string
	RemoteAddr      net.Addr
	LocalAddr       net.Addr
	Username        string
	CleanStart      bool
	ProtocolVersion byte
	KeepAlive       uint16
	SessionPresent  bool
	Properties      Properties
	Will            *WillMessage
	ConnectedAt     time.Time
	DisconnectedAt  time.Time
	State           ClientState
}

// ClientState tracks a hook-visible connection's phase.
type ClientState byte

const (
	ClientStateConnecting ClientState = iota
	ClientStateConnected
	ClientStateDisconnecting
	ClientStateDisconnected
)

// ConnectPacket is the hook-level view of a CONNECT.
type ConnectPacket struct {
	ProtocolName    string
	ProtocolVersion byte
	CleanStart      bool
	KeepAlive       uint16
	ClientID        string
	Username        string
	Password        []byte
	Will            *WillMessage
	Properties      Properties
	SessionPresent  bool
}

// AuthPacket is the hook-level view of a v5 AUTH step.
type AuthPacket struct {
	ReasonCode byte
	Properties Properties
	AuthMethod string
	AuthData   []byte
}

// PublishPacket is the hook-level view of a PUBLISH.
type PublishPacket struct {
	PacketID        uint16
	Topic           string
	Payload         []byte
	QoS             byte
	Retain          bool
	Duplicate       bool
	Properties      Properties
	ProtocolVersion byte
	Created         time.Time
	Origin          string
}

// Subscription is the hook-level view of one subscription.
type Subscription struct {
	ClientID               string
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
	SubscribedAt           time.Time
}

// Subscribers is a publish's mutable recipient set, handed to
// OnSelectSubscribers.
type Subscribers struct {
	Subscriptions []*Subscription
}

// Add appends one subscription.
func (s *Subscribers) Add(sub *Subscription) {
	s.Subscriptions = append(s.Subscriptions, sub)
}

// Remove drops every subscription owned by clientID, releasing the
// trailing slots.
func (s *Subscribers) Remove(clientID string) {
	kept := 0
	for _, sub := range s.Subscriptions {
		if sub.ClientID != clientID {
			s.Subscriptions[kept] = sub
			kept++
		}
	}
	for i := kept; i < len(s.Subscriptions); i++ {
		s.Subscriptions[i] = nil
	}
	s.Subscriptions = s.Subscriptions[:kept]
}

// Clear empties the set without releasing capacity.
func (s *Subscribers) Clear() {
	s.Subscriptions = s.Subscriptions[:0]
}

// WillMessage is the hook-level view of a will.
type WillMessage struct {
	Topic             string
	Payload           []byte
	QoS               byte
	Retain            bool
	Properties        Properties
	WillDelayInterval uint32
}

// SessionState is the replacement state OnSessionEstablish may return.
type SessionState struct {
	ClientID        string
	CleanStart      bool
	SessionPresent  bool
	ExpiryInterval  uint32
	Subscriptions   map[string]*Subscription
	PendingMessages []*InflightMessage
	NextPacketID    uint16
}

// InflightMessage is the hook-level view of one open QoS exchange.
type InflightMessage struct {
	PacketID    uint16
	ClientID    string
	Topic       string
	Payload     []byte
	QoS         byte
	Retain      bool
	Duplicate   bool
	Properties  Properties
	Sent        time.Time
	ResendCount int
}

// RetainedMessage is the hook-level snapshot of one retained message.
type RetainedMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Properties Properties
	Timestamp  time.Time
}

// Properties is the hook-level key/value property bag.
type Properties map[string]any

// AccessType is the axis of an ACL query: read covers subscribe and
// delivery, write covers publish.
type AccessType byte

const (
	AccessTypeRead AccessType = iota
	AccessTypeWrite
	AccessTypeReadWrite
)

// DropReason explains a dropped publish or QoS exchange.
type DropReason byte

const (
	DropReasonQueueFull DropReason = iota
	DropReasonClientDisconnected
	DropReasonExpired
	DropReasonInvalidTopic
	DropReasonACLDenied
	DropReasonQuotaExceeded
	DropReasonPacketTooLarge
	DropReasonInternalError
)

// dropReasonNames is indexed by DropReason.
var dropReasonNames = [...]string{
	DropReasonQueueFull:          "queue_full",
	DropReasonClientDisconnected: "client_disconnected",
	DropReasonExpired:            "expired",
	DropReasonInvalidTopic:       "invalid_topic",
	DropReasonACLDenied:          "acl_denied",
	DropReasonQuotaExceeded:      "quota_exceeded",
	DropReasonPacketTooLarge:     "packet_too_large",
	DropReasonInternalError:      "internal_error",
}

func (d DropReason) String() string {
	if int(d) < len(dropReasonNames) {
		return dropReasonNames[d]
	}
	return "unknown"
}
