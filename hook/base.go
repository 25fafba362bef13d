package hook

import (
	"time"

	"github.com/RustRobotics/hebo-sub002/encoding"
)

// Base is the no-op implementation of the full Hook surface. Concrete
// hooks embed it, override the events they serve, and report those
// events from Provides; the manager never calls an event a hook does
// not claim, so the defaults below only matter for misdeclared hooks,
// where they are deliberately permissive and side-effect free.
type Base struct {
	id string
}

// NewHookBase returns a Base carrying the given registration id.
func NewHookBase(id string) *Base {
	return &Base{id: id}
}

// ID returns the registration id.
func (h *Base) ID() string { return h.id }

// Provides claims no events; embedders override this.
func (h *Base) Provides(event Event) bool { return false }

// Init and Stop bracket the hook's lifetime; no-ops by default.
func (h *Base) Init(config any) error { return nil }
func (h *Base) Stop() error           { return nil }

// Broker lifecycle defaults.
func (h *Base) SetOptions(opts *Options) error      { return nil }
func (h *Base) OnSysInfoTick(info *SysInfo) error   { return nil }
func (h *Base) OnStarted() error                    { return nil }
func (h *Base) OnStopped(err error) error           { return nil }

// Voting defaults: approve, so an undeclared voter never denies.
func (h *Base) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool { return true }
func (h *Base) OnACLCheck(client *Client, topic string, access AccessType) bool  { return true }
func (h *Base) OnAuthPacket(client *Client, packet *AuthPacket) bool             { return true }

// Connection lifecycle defaults.
func (h *Base) OnConnect(client *Client, packet *ConnectPacket) error { return nil }
func (h *Base) OnSessionEstablish(client *Client, packet *ConnectPacket) *SessionState {
	return nil
}
func (h *Base) OnSessionEstablished(client *Client, packet *ConnectPacket) error { return nil }
func (h *Base) OnDisconnect(client *Client, err error, expire bool) error        { return nil }

// Packet-pipeline defaults pass bytes through untouched.
func (h *Base) OnPacketRead(client *Client, packet []byte) ([]byte, error) { return packet, nil }
func (h *Base) OnPacketEncode(client *Client, packet []byte) []byte        { return packet }
func (h *Base) OnPacketSent(client *Client, packet []byte, count int, err error) error {
	return nil
}
func (h *Base) OnPacketProcessed(client *Client, packetType encoding.PacketType, err error) error {
	return nil
}

// Subscription lifecycle defaults.
func (h *Base) OnSubscribe(client *Client, sub *Subscription) error            { return nil }
func (h *Base) OnSubscribed(client *Client, sub *Subscription) error           { return nil }
func (h *Base) OnSelectSubscribers(subscribers *Subscribers, topic string) error { return nil }
func (h *Base) OnUnsubscribe(client *Client, topicFilter string) error         { return nil }
func (h *Base) OnUnsubscribed(client *Client, topicFilter string) error        { return nil }

// Publish lifecycle defaults.
func (h *Base) OnPublish(client *Client, packet *PublishPacket) error   { return nil }
func (h *Base) OnPublished(client *Client, packet *PublishPacket) error { return nil }
func (h *Base) OnPublishDropped(client *Client, packet *PublishPacket, reason DropReason) error {
	return nil
}
func (h *Base) OnRetainMessage(client *Client, packet *PublishPacket) error   { return nil }
func (h *Base) OnRetainPublished(client *Client, packet *PublishPacket) error { return nil }

// QoS lifecycle defaults.
func (h *Base) OnQosPublish(client *Client, packet *PublishPacket, sent time.Time, resend int) error {
	return nil
}
func (h *Base) OnQosComplete(client *Client, packetID uint16, packetType encoding.PacketType) error {
	return nil
}
func (h *Base) OnQosDropped(client *Client, packetID uint16, reason DropReason) error {
	return nil
}
func (h *Base) OnPacketIDExhausted(client *Client, packetType encoding.PacketType) error {
	return nil
}

// Will and expiry defaults; OnWill passes the will through unchanged.
func (h *Base) OnWill(client *Client, will *WillMessage) *WillMessage { return will }
func (h *Base) OnWillSent(client *Client, will *WillMessage) error    { return nil }
func (h *Base) OnClientExpired(clientID string) error                 { return nil }
func (h *Base) OnRetainedExpired(topic string) error                  { return nil }

// Stored* defaults report no seeded state.
func (h *Base) StoredClients() ([]*Client, error)                   { return nil, nil }
func (h *Base) StoredSubscriptions() ([]*Subscription, error)       { return nil, nil }
func (h *Base) StoredInflightMessages() ([]*InflightMessage, error) { return nil, nil }
func (h *Base) StoredRetainedMessages() ([]*RetainedMessage, error) { return nil, nil }
func (h *Base) StoredSysInfo() (*SysInfo, error)                    { return nil, nil }
