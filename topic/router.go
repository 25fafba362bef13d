package topic

import "sync"

// Router layers client-level bookkeeping over the subscription Trie: it
// resolves shared-subscription syntax, keeps a per-client filter index
// for UnsubscribeAll and resume, and applies NoLocal filtering at match
// time. The dispatcher owns one Router and is its only writer.
type Router struct {
	trie *Trie

	mu     sync.RWMutex
	byOwner map[string]map[string]*Subscription // clientID -> filter -> subscription
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		trie:    NewTrie(),
		byOwner: make(map[string]map[string]*Subscription),
	}
}

// asInfo projects a subscription into the trie's leaf record.
func asInfo(sub *Subscription) SubscriberInfo {
	return SubscriberInfo{
		ClientID:               sub.ClientID,
		QoS:                    sub.QoS,
		NoLocal:                sub.NoLocal,
		RetainAsPublished:      sub.RetainAsPublished,
		RetainHandling:         sub.RetainHandling,
		SubscriptionIdentifier: sub.SubscriptionIdentifier,
	}
}

// remember records the subscription in the per-client index.
func (r *Router) remember(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned, ok := r.byOwner[sub.ClientID]
	if !ok {
		owned = make(map[string]*Subscription)
		r.byOwner[sub.ClientID] = owned
	}
	owned[sub.TopicFilter] = sub
}

// forget drops the filter from the per-client index.
func (r *Router) forget(clientID, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owned, ok := r.byOwner[clientID]; ok {
		delete(owned, filter)
		if len(owned) == 0 {
			delete(r.byOwner, clientID)
		}
	}
}

// Subscribe registers one subscription, routing "$share/<group>/<filter>"
// syntax into the trie's shared-group leaves.
func (r *Router) Subscribe(sub *Subscription) error {
	if IsSharedSubscription(sub.TopicFilter) {
		groupName, filter, err := ValidateSharedSubscription(sub.TopicFilter)
		if err != nil {
			return err
		}
		if err := r.trie.SubscribeShared(groupName, filter, asInfo(sub)); err != nil {
			return err
		}
	} else {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
		if err := r.trie.Subscribe(sub.TopicFilter, asInfo(sub)); err != nil {
			return err
		}
	}

	r.remember(sub)
	return nil
}

// Unsubscribe removes one subscription; reports whether one existed.
func (r *Router) Unsubscribe(clientID, filter string) bool {
	var removed bool
	if IsSharedSubscription(filter) {
		groupName, plain, err := ValidateSharedSubscription(filter)
		if err != nil {
			return false
		}
		removed = r.trie.UnsubscribeShared(groupName, plain, clientID)
	} else {
		removed = r.trie.Unsubscribe(filter, clientID)
	}

	r.forget(clientID, filter)
	return removed
}

// UnsubscribeAll drops every subscription the client owns, returning how
// many were removed. This is the disconnect/eviction path.
func (r *Router) UnsubscribeAll(clientID string) int {
	r.mu.Lock()
	owned, ok := r.byOwner[clientID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	filters := make([]string, 0, len(owned))
	for filter := range owned {
		filters = append(filters, filter)
	}
	delete(r.byOwner, clientID)
	r.mu.Unlock()

	removed := 0
	for _, filter := range filters {
		if r.Unsubscribe(clientID, filter) {
			removed++
		}
	}
	return removed
}

// Match returns every subscriber whose filter matches topic.
func (r *Router) Match(topic string) []SubscriberInfo {
	return r.trie.Match(topic)
}

// MatchWithPublisher is Match minus the publisher's own NoLocal
// subscriptions (v5's no-local option).
func (r *Router) MatchWithPublisher(topic, publisherClientID string) []SubscriberInfo {
	matched := r.trie.Match(topic)
	if publisherClientID == "" {
		return matched
	}

	kept := matched[:0]
	for _, sub := range matched {
		if sub.NoLocal && sub.ClientID == publisherClientID {
			continue
		}
		kept = append(kept, sub)
	}
	return kept
}

// GetSubscription looks up one client's subscription by filter.
func (r *Router) GetSubscription(clientID, filter string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if owned, ok := r.byOwner[clientID]; ok {
		sub, ok := owned[filter]
		return sub, ok
	}
	return nil, false
}

// GetClientSubscriptions lists one client's subscriptions.
func (r *Router) GetClientSubscriptions(clientID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned, ok := r.byOwner[clientID]
	if !ok {
		return nil
	}
	out := make([]*Subscription, 0, len(owned))
	for _, sub := range owned {
		out = append(out, sub)
	}
	return out
}

// Count returns the total subscription count.
func (r *Router) Count() int {
	return r.trie.Count()
}

// CountClients returns how many clients hold subscriptions.
func (r *Router) CountClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOwner)
}

// Clear drops everything.
func (r *Router) Clear() {
	r.mu.Lock()
	r.byOwner = make(map[string]map[string]*Subscription)
	r.mu.Unlock()
	r.trie.Clear()
}
