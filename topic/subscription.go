package topic

import (
	"sync"
	"sync/atomic"

	"github.com/RustRobotics/hebo-sub002/types/message"
)

// Subscription is one client's subscription as the Router stores it,
// with the full v5 option set.
type Subscription struct {
	ClientID               string
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
	SharedGroup            string // for "$share/<group>/<filter>" subscriptions
}

// RetainedMessage pairs a retained message with this package's types.
type RetainedMessage struct {
	Message *message.Message
}

// SubscriberInfo is the routing record a trie leaf holds: everything
// fan-out needs to address and downgrade one delivery.
type SubscriberInfo struct {
	ClientID               string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// Alias is one direction's v5 topic-alias table, bounded by the peer's
// advertised maximum.
type Alias struct {
	maxAlias uint16
	aliases  map[uint16]string
}

// NewTopicAlias returns an alias table accepting aliases 1..maxAlias.
func NewTopicAlias(maxAlias uint16) *Alias {
	return &Alias{
		maxAlias: maxAlias,
		aliases:  make(map[uint16]string),
	}
}

// Set registers topic under alias; zero and out-of-range aliases are
// rejected.
func (ta *Alias) Set(alias uint16, topic string) bool {
	if alias == 0 || alias > ta.maxAlias {
		return false
	}
	ta.aliases[alias] = topic
	return true
}

// Get resolves an alias to its registered topic.
func (ta *Alias) Get(alias uint16) (string, bool) {
	topic, ok := ta.aliases[alias]
	return topic, ok
}

// Clear drops every registration.
func (ta *Alias) Clear() {
	ta.aliases = make(map[uint16]string)
}

// SharedSubscriptionGroup is one "$share" group: its members plus a
// round-robin cursor so each matching publish goes to exactly one of
// them.
type SharedSubscriptionGroup struct {
	groupName   string
	mu          sync.RWMutex
	subscribers []SubscriberInfo
	counter     atomic.Uint64
}

// NewSharedSubscriptionGroup returns an empty group.
func NewSharedSubscriptionGroup(groupName string) *SharedSubscriptionGroup {
	return &SharedSubscriptionGroup{groupName: groupName}
}

// AddSubscriber appends one member.
func (g *SharedSubscriptionGroup) AddSubscriber(sub SubscriberInfo) {
	g.mu.Lock()
	g.subscribers = append(g.subscribers, sub)
	g.mu.Unlock()
}

// RemoveSubscriber drops the member with the given client id.
func (g *SharedSubscriptionGroup) RemoveSubscriber(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.subscribers {
		if g.subscribers[i].ClientID == clientID {
			g.subscribers = append(g.subscribers[:i], g.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// NextSubscriber picks the next member round-robin.
func (g *SharedSubscriptionGroup) NextSubscriber() (SubscriberInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.subscribers) == 0 {
		return SubscriberInfo{}, false
	}
	turn := g.counter.Add(1) - 1
	return g.subscribers[turn%uint64(len(g.subscribers))], true
}

// Size returns the member count.
func (g *SharedSubscriptionGroup) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subscribers)
}

// GetSubscribers snapshots the member list.
func (g *SharedSubscriptionGroup) GetSubscribers() []SubscriberInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]SubscriberInfo(nil), g.subscribers...)
}
