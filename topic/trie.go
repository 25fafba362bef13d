package topic

import (
	"strings"
	"sync"
)

// Trie is the subscription index: a level-keyed token tree with "+" and
// "#" stored as ordinary child keys and expanded during traversal. One
// RWMutex guards the whole structure; the dispatcher is its only
// writer, so finer-grained locking would buy nothing.
type Trie struct {
	mu   sync.RWMutex
	root *trieNode
}

// trieNode is one filter level. Subscribers live on the node a filter's
// final level lands on; shared groups are kept per node alongside them.
type trieNode struct {
	children     map[string]*trieNode
	subscribers  []SubscriberInfo
	sharedGroups map[string]*SharedSubscriptionGroup
}

func newTrieNode() *trieNode {
	return &trieNode{
		children:     make(map[string]*trieNode),
		sharedGroups: make(map[string]*SharedSubscriptionGroup),
	}
}

// empty reports whether the node holds nothing and can be pruned.
func (n *trieNode) empty() bool {
	return len(n.subscribers) == 0 && len(n.children) == 0 && len(n.sharedGroups) == 0
}

// NewTrie returns an empty subscription trie.
func NewTrie() *Trie {
	return &Trie{root: newTrieNode()}
}

// descend walks (creating as needed) the node path for a filter.
// Caller holds t.mu for writing.
func (t *Trie) descend(filter string) *trieNode {
	node := t.root
	for _, level := range splitTopicLevels(filter) {
		child, ok := node.children[level]
		if !ok {
			child = newTrieNode()
			node.children[level] = child
		}
		node = child
	}
	return node
}

// Subscribe adds one subscriber under filter.
func (t *Trie) Subscribe(filter string, sub SubscriberInfo) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.descend(filter)
	node.subscribers = append(node.subscribers, sub)
	return nil
}

// SubscribeShared adds a subscriber to the named shared group under
// filter.
func (t *Trie) SubscribeShared(groupName, filter string, sub SubscriberInfo) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.descend(filter)
	group, ok := node.sharedGroups[groupName]
	if !ok {
		group = NewSharedSubscriptionGroup(groupName)
		node.sharedGroups[groupName] = group
	}
	group.AddSubscriber(sub)
	return nil
}

// Unsubscribe removes clientID's subscription under filter, pruning any
// node chain left empty.
func (t *Trie) Unsubscribe(filter, clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeAt(t.root, splitTopicLevels(filter), 0, func(node *trieNode) bool {
		for i := range node.subscribers {
			if node.subscribers[i].ClientID == clientID {
				node.subscribers = append(node.subscribers[:i], node.subscribers[i+1:]...)
				return true
			}
		}
		return false
	})
}

// UnsubscribeShared removes clientID from the named shared group under
// filter.
func (t *Trie) UnsubscribeShared(groupName, filter, clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeAt(t.root, splitTopicLevels(filter), 0, func(node *trieNode) bool {
		group, ok := node.sharedGroups[groupName]
		if !ok {
			return false
		}
		removed := group.RemoveSubscriber(clientID)
		if group.Size() == 0 {
			delete(node.sharedGroups, groupName)
		}
		return removed
	})
}

// removeAt descends to the filter's final node, applies remove there,
// and prunes emptied nodes on the way back up. Caller holds t.mu.
func (t *Trie) removeAt(node *trieNode, levels []string, depth int, remove func(*trieNode) bool) bool {
	if depth == len(levels) {
		return remove(node)
	}

	level := levels[depth]
	child, ok := node.children[level]
	if !ok {
		return false
	}

	removed := t.removeAt(child, levels, depth+1, remove)
	if removed && child.empty() {
		delete(node.children, level)
	}
	return removed
}

// Match collects every subscriber whose filter matches topic. Wildcard
// children are skipped at the first level of a '$'-prefixed topic, per
// the specification's rule that '+' and '#' never match an internal
// topic's leading level.
func (t *Trie) Match(topic string) []SubscriberInfo {
	if err := ValidateTopic(topic); err != nil {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	levels := splitTopicLevels(topic)
	internalFirst := len(levels) > 0 && strings.HasPrefix(levels[0], "$")

	matched := make([]SubscriberInfo, 0, 16)
	t.collect(t.root, levels, 0, internalFirst, &matched)
	return matched
}

// collect appends node.subscribers (and one pick per shared group) when
// a filter terminates here, then follows exact, '+', and '#' children.
func (t *Trie) collect(node *trieNode, levels []string, depth int, internalFirst bool, matched *[]SubscriberInfo) {
	wildcardOK := !(depth == 0 && internalFirst)

	// '#' matches the whole remainder, including the empty remainder.
	if wildcardOK {
		if hash, ok := node.children["#"]; ok {
			t.gather(hash, matched)
		}
	}

	if depth == len(levels) {
		t.gather(node, matched)
		return
	}

	if exact, ok := node.children[levels[depth]]; ok {
		t.collect(exact, levels, depth+1, internalFirst, matched)
	}
	if wildcardOK {
		if plus, ok := node.children["+"]; ok {
			t.collect(plus, levels, depth+1, internalFirst, matched)
		}
	}
}

// gather appends a node's direct subscribers and one subscriber per
// shared group, advancing each group's round-robin cursor.
func (t *Trie) gather(node *trieNode, matched *[]SubscriberInfo) {
	*matched = append(*matched, node.subscribers...)
	for _, group := range node.sharedGroups {
		if sub, ok := group.NextSubscriber(); ok {
			*matched = append(*matched, sub)
		}
	}
}

// Clear drops every subscription.
func (t *Trie) Clear() {
	t.mu.Lock()
	t.root = newTrieNode()
	t.mu.Unlock()
}

// Count returns the total number of subscriptions, shared included.
func (t *Trie) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.countFrom(t.root)
}

func (t *Trie) countFrom(node *trieNode) int {
	total := len(node.subscribers)
	for _, group := range node.sharedGroups {
		total += group.Size()
	}
	for _, child := range node.children {
		total += t.countFrom(child)
	}
	return total
}
