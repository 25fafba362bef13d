package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/RustRobotics/hebo-sub002/types/message"
)

// RetainedMessage is one stored retained publish plus its computed
// expiry deadline (zero when the message never expires).
type RetainedMessage struct {
	Message   *message.Message
	ExpiresAt time.Time
}

// expired reports whether the entry is past its deadline at now.
func (rm *RetainedMessage) expired(now time.Time) bool {
	return !rm.ExpiresAt.IsZero() && now.After(rm.ExpiresAt)
}

// TopicMatcher abstracts filter-against-topic matching for callers that
// bring their own matcher implementation.
type TopicMatcher interface {
	Match(filter, topic string) bool
}

// retainedNode is one topic level of the retained-message trie; a
// message lives on the node its full topic path ends at.
type retainedNode struct {
	children map[string]*retainedNode
	entry    *RetainedMessage
}

func newRetainedNode() *retainedNode {
	return &retainedNode{children: make(map[string]*retainedNode)}
}

// prunable reports whether the node carries nothing.
func (n *retainedNode) prunable() bool {
	return n.entry == nil && len(n.children) == 0
}

// RetainedStore is the broker's retained-message table: exact
// topic to last retained publish, with wildcard lookup for subscribe-time
// delivery. The dispatcher is the sole writer; one RWMutex guards the
// whole trie.
type RetainedStore struct {
	mu     sync.RWMutex
	root   *retainedNode
	count  int64
	closed bool
}

// NewRetainedStore returns an empty table.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{root: newRetainedNode()}
}

// splitTopicLevels splits a topic into levels by '/'. Kept as a private
// copy rather than importing topic.SplitLevels: topic/retained.go already
// imports this package (RetainedManager wraps RetainedStore), so store
// importing topic back would be a cycle.
func splitTopicLevels(t string) []string {
	if len(t) == 0 {
		return []string{}
	}

	levels := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(t); i++ {
		if t[i] == '/' {
			levels = append(levels, t[start:i])
			start = i + 1
		}
	}
	return append(levels, t[start:])
}

func (r *RetainedStore) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Set stores msg under topic, replacing any prior entry. A zero-length
// payload clears the entry instead.
func (r *RetainedStore) Set(ctx context.Context, topic string, msg *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usable(ctx); err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		return r.removeLocked(topic)
	}

	entry := &RetainedMessage{Message: msg}
	if msg.MessageExpirySet && msg.ExpiryInterval > 0 {
		entry.ExpiresAt = msg.CreatedAt.Add(time.Duration(msg.ExpiryInterval) * time.Second)
	}

	node := r.root
	for _, level := range splitTopicLevels(topic) {
		child, ok := node.children[level]
		if !ok {
			child = newRetainedNode()
			node.children[level] = child
		}
		node = child
	}

	if node.entry == nil {
		r.count++
	}
	node.entry = entry
	return nil
}

// Get returns the retained message stored exactly under topic.
func (r *RetainedStore) Get(ctx context.Context, topic string) (*message.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.usable(ctx); err != nil {
		return nil, err
	}

	node := r.root
	for _, level := range splitTopicLevels(topic) {
		child, ok := node.children[level]
		if !ok {
			return nil, ErrNotFound
		}
		node = child
	}

	if node.entry == nil || node.entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return node.entry.Message, nil
}

// Delete clears the entry under topic, pruning emptied trie nodes.
func (r *RetainedStore) Delete(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usable(ctx); err != nil {
		return err
	}
	return r.removeLocked(topic)
}

// removeLocked clears topic's entry and prunes upward. Caller holds r.mu.
func (r *RetainedStore) removeLocked(topic string) error {
	levels := splitTopicLevels(topic)
	if len(levels) == 0 {
		return nil
	}

	// Record the path so emptied nodes can be unlinked leaf-first.
	path := make([]*retainedNode, 1, len(levels)+1)
	path[0] = r.root
	node := r.root
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			return nil
		}
		path = append(path, child)
		node = child
	}

	if node.entry != nil {
		node.entry = nil
		r.count--
	}

	for i := len(path) - 1; i > 0; i-- {
		if !path[i].prunable() {
			break
		}
		path[i-1].unlink(path[i])
	}
	return nil
}

// unlink removes child from n's children map.
func (n *retainedNode) unlink(child *retainedNode) {
	for key, c := range n.children {
		if c == child {
			delete(n.children, key)
			return
		}
	}
}

// Match collects every live retained message whose topic matches the
// filter, for subscribe-time delivery. A wildcard in the filter's first
// level never reaches '$'-prefixed topics; a filter whose first level
// names a '$' topic literally (e.g. "$SYS/#") matches them normally.
func (r *RetainedStore) Match(ctx context.Context, topicFilter string, matcher TopicMatcher) ([]*message.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.usable(ctx); err != nil {
		return nil, err
	}

	var matched []*message.Message
	r.walk(r.root, splitTopicLevels(topicFilter), 0, time.Now(), &matched)
	return matched, nil
}

// walk descends the trie level-by-level against the filter: '#' sweeps
// the whole subtree, '+' fans across one level (both skipping
// '$'-prefixed names at the first level), a literal follows one child.
func (r *RetainedStore) walk(node *retainedNode, filter []string, depth int, now time.Time, matched *[]*message.Message) {
	if depth == len(filter) {
		if node.entry != nil && !node.entry.expired(now) {
			*matched = append(*matched, node.entry.Message)
		}
		return
	}

	switch filter[depth] {
	case "#":
		if depth > 0 {
			r.sweep(node, now, matched)
			return
		}
		for name, child := range node.children {
			if !strings.HasPrefix(name, "$") {
				r.sweep(child, now, matched)
			}
		}
	case "+":
		for name, child := range node.children {
			if depth == 0 && strings.HasPrefix(name, "$") {
				continue
			}
			r.walk(child, filter, depth+1, now, matched)
		}
	default:
		if child, ok := node.children[filter[depth]]; ok {
			r.walk(child, filter, depth+1, now, matched)
		}
	}
}

// sweep collects the node's entry and every descendant's.
func (r *RetainedStore) sweep(node *retainedNode, now time.Time, matched *[]*message.Message) {
	if node.entry != nil && !node.entry.expired(now) {
		*matched = append(*matched, node.entry.Message)
	}
	for _, child := range node.children {
		r.sweep(child, now, matched)
	}
}

// CleanupExpired drops every expired entry, returning how many went.
func (r *RetainedStore) CleanupExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usable(ctx); err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()
	r.expireFrom(r.root, now, &removed)
	return removed, nil
}

func (r *RetainedStore) expireFrom(node *retainedNode, now time.Time, removed *int) {
	if node.entry != nil && node.entry.expired(now) {
		node.entry = nil
		r.count--
		*removed++
	}
	for _, child := range node.children {
		r.expireFrom(child, now, removed)
	}
}

// Count returns the number of live entries.
func (r *RetainedStore) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.usable(ctx); err != nil {
		return 0, err
	}
	return r.count, nil
}

// Close releases the table.
func (r *RetainedStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}
	r.closed = true
	r.root = nil
	r.count = 0
	return nil
}
