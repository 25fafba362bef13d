package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatEntryRoundTrip(t *testing.T) {
	salt := []byte("fixed-test-salt-")
	line := FormatEntry("alice", "hunter2", salt, 1000)

	checker, err := ParseFileChecker(strings.NewReader(line))
	require.NoError(t, err)

	ok, err := checker.IsMatch(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = checker.IsMatch(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsMatchUnknownUser(t *testing.T) {
	checker, err := ParseFileChecker(strings.NewReader(""))
	require.NoError(t, err)

	ok, err := checker.IsMatch(context.Background(), "nobody", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseRejectsUnsupportedScheme(t *testing.T) {
	_, err := ParseFileChecker(strings.NewReader("alice:plaintextpassword"))
	assert.Error(t, err)
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	salt := []byte("another-salt----")
	line := FormatEntry("bob", "pw", salt, 1000)
	src := "# a comment\n\n" + line + "\n"

	checker, err := ParseFileChecker(strings.NewReader(src))
	require.NoError(t, err)
	assert.True(t, checker.HasUser("bob"))
}

func TestPolicyAllowAnonymous(t *testing.T) {
	p := NewPolicy(nil, true)
	ok, err := p.Authenticate(context.Background(), "", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPolicyDenyAnonymousWhenDisallowed(t *testing.T) {
	p := NewPolicy(nil, false)
	ok, err := p.Authenticate(context.Background(), "", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPolicyDelegatesToChecker(t *testing.T) {
	salt := []byte("salt-salt-salt--")
	line := FormatEntry("carol", "secret", salt, 1000)
	checker, err := ParseFileChecker(strings.NewReader(line))
	require.NoError(t, err)

	p := NewPolicy(checker, false)

	ok, err := p.Authenticate(context.Background(), "carol", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Authenticate(context.Background(), "carol", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetUser(t *testing.T) {
	checker, err := ParseFileChecker(strings.NewReader(""))
	require.NoError(t, err)

	checker.SetUser("dave", "pw123", []byte("saltsaltsaltsalt"), 500)
	ok, err := checker.IsMatch(context.Background(), "dave", "pw123")
	require.NoError(t, err)
	assert.True(t, ok)
}
