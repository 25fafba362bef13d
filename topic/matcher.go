package topic

import "strings"

// TopicMatcher is the standalone filter-vs-topic matcher used where no
// trie exists (ACL rules, retained lookups through store.TopicMatcher).
type TopicMatcher struct{}

// NewTopicMatcher returns a stateless matcher.
func NewTopicMatcher() *TopicMatcher {
	return &TopicMatcher{}
}

// Match reports whether filter matches topic under MQTT's rules.
func (tm *TopicMatcher) Match(filter, topic string) bool {
	return matchTopicFilter(filter, topic)
}

func matchTopicFilter(filter, topic string) bool {
	if filter == topic {
		return true
	}

	filterLevels := splitTopicLevels(filter)

	// A wildcard in the first level never matches a topic starting with
	// '$' (MQTT 4.7.2); a filter that explicitly names "$SYS/..." is
	// unaffected since its first level isn't a wildcard.
	if strings.HasPrefix(topic, "$") && len(filterLevels) > 0 &&
		(filterLevels[0] == "#" || filterLevels[0] == "+") {
		return false
	}

	return matchLevels(filterLevels, splitTopicLevels(topic))
}

// matchLevels compares level lists pairwise: '#' swallows any remainder
// (including none), '+' consumes exactly one level, a literal must be
// equal. Trailing empty levels count: "a/" and "a" are distinct.
func matchLevels(filterLevels, topicLevels []string) bool {
	switch {
	case len(filterLevels) == 0:
		return len(topicLevels) == 0
	case filterLevels[0] == "#":
		return true
	case len(topicLevels) == 0:
		return false
	case filterLevels[0] == "+", filterLevels[0] == topicLevels[0]:
		return matchLevels(filterLevels[1:], topicLevels[1:])
	default:
		return false
	}
}
