// Package acl implements per-topic publish/subscribe authorization for the
// broker's ACL component: a first-match rule list with Allow/Deny/Ignore
// verdicts, using the same wildcard grammar as subscription topic filters.
package acl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/RustRobotics/hebo-sub002/topic"
)

// Verdict is the result of matching a single rule against a topic.
type Verdict byte

const (
	// Ignore means the rule did not apply; evaluation falls through to the
	// next rule. A rule list that runs out of rules without a match denies.
	Ignore Verdict = iota
	Allow
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "ignore"
	}
}

// Access is the operation an ACL rule guards.
type Access byte

const (
	AccessSubscribe Access = iota
	AccessPublish
	AccessReadWrite
)

// Rule is one line of an ACL file: a username pattern ("" / "*" matches
// any user), the access kind it governs, and a topic-filter pattern using
// the same '+'/'#' grammar as subscription filters.
type Rule struct {
	Username string
	Access   Access
	Filter   string
	Verdict  Verdict
}

// matches reports whether the rule applies to this user/topic/access combo.
// It only reports applicability; the caller reads the rule's own
// configured Verdict.
func (r *Rule) matches(username, topicName string, access Access) bool {
	if r.Username != "" && r.Username != "*" && r.Username != username {
		return false
	}
	if r.Access != AccessReadWrite && r.Access != access {
		return false
	}
	return topic.NewTopicMatcher().Match(r.Filter, topicName)
}

// List is an ordered ACL rule list. Rules are evaluated in file order;
// the first matching rule's verdict wins. An empty list, or a list whose
// rules never match, denies by default; callers opting into an
// allow-everything posture should install a trailing catch-all Allow rule
// rather than rely on List's zero value.
type List struct {
	rules []Rule
}

// NewList builds a rule list from already-parsed rules, preserving order.
func NewList(rules []Rule) *List {
	l := &List{rules: make([]Rule, len(rules))}
	copy(l.rules, rules)
	return l
}

// Check evaluates the rule list for a (username, topic, access) triple.
// First match wins; Ignore falls through. No match at all denies.
func (l *List) Check(username, topicName string, access Access) Verdict {
	for i := range l.rules {
		if !l.rules[i].matches(username, topicName, access) {
			continue
		}
		if l.rules[i].Verdict == Ignore {
			continue
		}
		return l.rules[i].Verdict
	}
	return Deny
}

// Allowed is a convenience wrapper for call sites that only care about the
// boolean outcome (e.g. the dispatcher's PUBLISH/SUBSCRIBE gate).
func (l *List) Allowed(username, topicName string, access Access) bool {
	return l.Check(username, topicName, access) == Allow
}

// Load parses an ACL file. Each non-blank, non-comment ('#'-prefixed) line
// has the form:
//
//	<allow|deny> <user|*> <subscribe|publish|readwrite> <topic-filter>
//
// Rules are returned in file order, which Check relies on for first-match
// semantics.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads ACL rules from r using the same grammar as Load.
func Parse(r io.Reader) (*List, error) {
	var rules []Rule
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("acl: line %d: expected 4 fields, got %d", lineNo, len(fields))
		}

		var verdict Verdict
		switch strings.ToLower(fields[0]) {
		case "allow":
			verdict = Allow
		case "deny":
			verdict = Deny
		case "ignore":
			verdict = Ignore
		default:
			return nil, fmt.Errorf("acl: line %d: unknown verdict %q", lineNo, fields[0])
		}

		var access Access
		switch strings.ToLower(fields[2]) {
		case "subscribe":
			access = AccessSubscribe
		case "publish":
			access = AccessPublish
		case "readwrite", "both":
			access = AccessReadWrite
		default:
			return nil, fmt.Errorf("acl: line %d: unknown access kind %q", lineNo, fields[2])
		}

		filter := fields[3]
		if err := topic.ValidateTopicFilter(filter); err != nil {
			return nil, fmt.Errorf("acl: line %d: invalid topic filter: %w", lineNo, err)
		}

		username := fields[1]
		if username == "*" {
			username = ""
		}

		rules = append(rules, Rule{
			Username: username,
			Access:   access,
			Filter:   filter,
			Verdict:  verdict,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return NewList(rules), nil
}
