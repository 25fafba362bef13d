package acl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndCheck(t *testing.T) {
	src := `
# comment
allow alice subscribe sport/+
deny bob publish $SYS/#
allow * publish public/#
`
	list, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, Allow, list.Check("alice", "sport/tennis", AccessSubscribe))
	assert.Equal(t, Deny, list.Check("alice", "sport/tennis", AccessPublish))
	assert.Equal(t, Deny, list.Check("bob", "$SYS/broker/uptime", AccessPublish))
	assert.Equal(t, Allow, list.Check("carol", "public/news", AccessPublish))
	assert.Equal(t, Deny, list.Check("carol", "private/news", AccessPublish))
}

func TestFirstMatchWins(t *testing.T) {
	src := `
deny alice publish a/b
allow alice publish a/b
`
	list, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, Deny, list.Check("alice", "a/b", AccessPublish))
}

func TestIgnoreFallsThrough(t *testing.T) {
	src := `
ignore alice publish a/b
allow alice publish a/b
`
	list, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.True(t, list.Allowed("alice", "a/b", AccessPublish))
}

func TestInvalidRuleLine(t *testing.T) {
	_, err := Parse(strings.NewReader("allow alice publish"))
	assert.Error(t, err)
}

func TestInvalidAccessKind(t *testing.T) {
	_, err := Parse(strings.NewReader("allow alice readonly a/b"))
	assert.Error(t, err)
}

func TestInvalidTopicFilter(t *testing.T) {
	_, err := Parse(strings.NewReader("allow alice publish a/#/b"))
	assert.Error(t, err)
}

func TestEmptyListDeniesByDefault(t *testing.T) {
	list := NewList(nil)
	assert.False(t, list.Allowed("anyone", "any/topic", AccessPublish))
}
