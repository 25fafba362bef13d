package hook

import (
	"sync"
)

// CredentialHook attaches a credential backend to the hook manager's
// OnConnectAuthenticate seam. The check function has the broker's
// is_match shape, so any auth.CredentialChecker (file, store-backed, or
// custom) plugs in without this package importing it.
type CredentialHook struct {
	*Base
	mu             sync.RWMutex
	check          func(username, password string) bool
	allowAnonymous bool
}

// NewCredentialHook wraps check as a connect-authentication hook. A nil
// check denies every non-anonymous connection.
func NewCredentialHook(check func(username, password string) bool, allowAnonymous bool) *CredentialHook {
	return &CredentialHook{
		Base:           &Base{id: "credential-auth"},
		check:          check,
		allowAnonymous: allowAnonymous,
	}
}

func (h *CredentialHook) ID() string {
	return h.id
}

func (h *CredentialHook) Provides(event Event) bool {
	return event == OnConnectAuthenticate
}

// SetAllowAnonymous flips the anonymous policy at runtime.
func (h *CredentialHook) SetAllowAnonymous(allow bool) {
	h.mu.Lock()
	h.allowAnonymous = allow
	h.mu.Unlock()
}

// IsAnonymousAllowed reports the current anonymous policy.
func (h *CredentialHook) IsAnonymousAllowed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.allowAnonymous
}

// OnConnectAuthenticate grants anonymous connections per policy and
// defers everything else to the credential backend.
func (h *CredentialHook) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool {
	h.mu.RLock()
	check := h.check
	anonymous := h.allowAnonymous
	h.mu.RUnlock()

	if packet.Username == "" && len(packet.Password) == 0 {
		return anonymous
	}
	if check == nil {
		return false
	}
	return check(packet.Username, string(packet.Password))
}

// AccessHook attaches a per-topic authorization backend to OnACLCheck.
// The allowed function receives the username, the topic, and whether the
// operation writes (publish) or reads (subscribe/deliver), matching the
// acl package's publish/subscribe axis.
type AccessHook struct {
	*Base
	mu      sync.RWMutex
	allowed func(username, topic string, write bool) bool
}

// NewAccessHook wraps allowed as an ACL hook. A nil function permits
// everything, mirroring a broker running without an ACL file.
func NewAccessHook(allowed func(username, topic string, write bool) bool) *AccessHook {
	return &AccessHook{
		Base:    &Base{id: "access-control"},
		allowed: allowed,
	}
}

func (h *AccessHook) ID() string {
	return h.id
}

func (h *AccessHook) Provides(event Event) bool {
	return event == OnACLCheck
}

// SetRules replaces the backing decision function.
func (h *AccessHook) SetRules(allowed func(username, topic string, write bool) bool) {
	h.mu.Lock()
	h.allowed = allowed
	h.mu.Unlock()
}

// OnACLCheck resolves one access query. ReadWrite requires the write
// side, the stricter of the two.
func (h *AccessHook) OnACLCheck(client *Client, topic string, access AccessType) bool {
	h.mu.RLock()
	allowed := h.allowed
	h.mu.RUnlock()

	if allowed == nil {
		return true
	}

	write := access == AccessTypeWrite || access == AccessTypeReadWrite
	return allowed(client.Username, topic, write)
}
