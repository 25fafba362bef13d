// Package auth implements the broker's Auth component: a credential check
// against an abstract backend, queried from CONNECT, with a pluggable
// CredentialChecker so file-based and database-backed (Redis/MySQL/
// PostgreSQL/MongoDB) backends share one interface.
package auth

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// CredentialChecker answers the broker's single authentication query:
// does this username/password pair match. Implementations may hit a
// local file, an in-process map, or a remote database.
type CredentialChecker interface {
	IsMatch(ctx context.Context, username, password string) (bool, error)
}

// Policy wraps a CredentialChecker with the allow_anonymous flag from the
// security config.
type Policy struct {
	checker        CredentialChecker
	allowAnonymous bool
}

func NewPolicy(checker CredentialChecker, allowAnonymous bool) *Policy {
	return &Policy{checker: checker, allowAnonymous: allowAnonymous}
}

// Authenticate applies the allow_anonymous policy before delegating to the
// backend checker. A CONNECT with neither username nor password is
// anonymous; it is granted iff allowAnonymous is set, independent of
// whatever the checker would have said about an empty username.
func (p *Policy) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if username == "" && password == "" {
		return p.allowAnonymous, nil
	}
	if p.checker == nil {
		return false, nil
	}
	return p.checker.IsMatch(ctx, username, password)
}

// hashedEntry is one parsed line of a password file:
// "user:$pbkdf2-sha256$<iterations>$<base64 salt>$<base64 hash>".
type hashedEntry struct {
	iterations int
	salt       []byte
	hash       []byte
}

// FileChecker is a CredentialChecker backed by a password file holding
// PBKDF2-hashed passwords, one per line as user:$hash.
type FileChecker struct {
	mu      sync.RWMutex
	entries map[string]hashedEntry
}

const (
	pbkdf2Prefix     = "$pbkdf2-sha256$"
	pbkdf2KeyLen     = 32
	defaultIteration = 100000
)

// NewFileChecker loads and parses a password file.
func NewFileChecker(path string) (*FileChecker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseFileChecker(f)
}

// ParseFileChecker parses password-file contents from any reader.
func ParseFileChecker(r io.Reader) (*FileChecker, error) {
	c := &FileChecker{entries: make(map[string]hashedEntry)}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("auth: line %d: missing ':' separator", lineNo)
		}
		username := line[:idx]
		encoded := line[idx+1:]

		entry, err := parseHashedEntry(encoded)
		if err != nil {
			return nil, fmt.Errorf("auth: line %d: %w", lineNo, err)
		}

		c.entries[username] = entry
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return c, nil
}

func parseHashedEntry(encoded string) (hashedEntry, error) {
	if !strings.HasPrefix(encoded, pbkdf2Prefix) {
		return hashedEntry{}, fmt.Errorf("unsupported hash scheme")
	}

	parts := strings.Split(strings.TrimPrefix(encoded, pbkdf2Prefix), "$")
	if len(parts) != 3 {
		return hashedEntry{}, fmt.Errorf("malformed pbkdf2 entry")
	}

	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return hashedEntry{}, fmt.Errorf("invalid iteration count")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return hashedEntry{}, fmt.Errorf("invalid salt encoding: %w", err)
	}

	hash, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return hashedEntry{}, fmt.Errorf("invalid hash encoding: %w", err)
	}

	return hashedEntry{iterations: iterations, salt: salt, hash: hash}, nil
}

// IsMatch implements CredentialChecker.
func (c *FileChecker) IsMatch(_ context.Context, username, password string) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[username]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}

	derived := pbkdf2.Key([]byte(password), entry.salt, entry.iterations, pbkdf2KeyLen, sha256.New)
	return subtle.ConstantTimeCompare(derived, entry.hash) == 1, nil
}

// SetUser adds or replaces a user's password entry, hashing it with the
// salt the caller passes in; useful for tests and for an admin tool
// seeding a password file. It generates no salt of its own.
func (c *FileChecker) SetUser(username, password string, salt []byte, iterations int) {
	if iterations <= 0 {
		iterations = defaultIteration
	}
	hash := pbkdf2.Key([]byte(password), salt, iterations, pbkdf2KeyLen, sha256.New)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[username] = hashedEntry{iterations: iterations, salt: salt, hash: hash}
}

// FormatEntry renders a password-file line for the given plaintext
// password, in the format ParseFileChecker understands.
func FormatEntry(username, password string, salt []byte, iterations int) string {
	if iterations <= 0 {
		iterations = defaultIteration
	}
	hash := pbkdf2.Key([]byte(password), salt, iterations, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("%s:%s%d$%s$%s", username, pbkdf2Prefix, iterations,
		base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash))
}

// HasUser reports whether the file-backed checker knows about username,
// independent of password correctness.
func (c *FileChecker) HasUser(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[username]
	return ok
}
