package permission

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// GrantDecision is the stored allow/deny verdict.
type GrantDecision string

const (
	GrantAllow GrantDecision = "allow"
	GrantDeny  GrantDecision = "deny"
)

// Scope controls how long an approval outlives the call that triggered it.
type Scope string

const (
	// ScopeOnce permits only the current call; nothing is stored.
	ScopeOnce Scope = "once"

	// ScopeSession permits matching calls until the process exits.
	ScopeSession Scope = "session"

	// ScopeAlways persists the grant across restarts, subject to expiry.
	ScopeAlways Scope = "always"
)

// ToolPermission is a persisted grant for one (server, tool) pair.
type ToolPermission struct {
	ServerID        string        `json:"serverId"`
	ToolName        string        `json:"toolName"`
	Permission      GrantDecision `json:"permission"`
	Scope           Scope         `json:"scope"`
	RiskLevel       RiskLevel     `json:"riskLevel"`
	GrantedAt       time.Time     `json:"grantedAt"`
	ExpiresAt       *time.Time    `json:"expiresAt,omitempty"`
	AllowedPaths    []string      `json:"allowedPaths,omitempty"`
	AllowedDomains  []string      `json:"allowedDomains,omitempty"`
	ArgumentPattern string        `json:"argumentPattern,omitempty"`
	UsageCount      int           `json:"usageCount"`
	LastUsed        time.Time     `json:"lastUsed"`
}

// Expired reports whether the grant is past its expiry. Grants without an
// expiry never expire.
func (p ToolPermission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// grantKey is the persistent-grant key: one grant per tool per server.
func grantKey(serverID, toolName string) string {
	return serverID + ":" + toolName
}

// sessionKey builds the session-grant key. An empty argHash yields the
// tool-wide form, which covers narrower argument-specific calls.
func sessionKey(serverID, toolName, argHash string) string {
	key := "session:" + serverID + ":" + toolName
	if argHash != "" {
		key += ":" + argHash
	}
	return key
}

// argumentHashLength truncates the encoded argument dump. This is a loose
// equality check, not a cryptographic commitment: it tolerates formatting
// drift and key reordering while still distinguishing materially different
// arguments.
const argumentHashLength = 16

// HashArguments produces a stable, order-independent fingerprint of a tool's
// arguments: JSON with sorted keys, base64-encoded, truncated. Empty
// arguments hash to "".
func HashArguments(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	// encoding/json sorts map keys, which gives order independence for free
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", args))
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	if len(encoded) > argumentHashLength {
		encoded = encoded[:argumentHashLength]
	}
	return encoded
}

// securityContext extracts path/hostname allow-lists from the approved
// call's arguments, narrowing what a persisted grant covers.
func securityContext(args map[string]any) (paths []string, domains []string) {
	if p, ok := args["path"].(string); ok && p != "" {
		paths = []string{p}
	}
	if u, ok := args["url"].(string); ok && u != "" {
		if host := hostnameOf(u); host != "" {
			domains = []string{host}
		}
	}
	return paths, domains
}

func hostnameOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// matchesSecurityContext checks the incoming call's path/url arguments
// against the grant's allow-lists. Grants without a given allow-list don't
// constrain that argument.
func matchesSecurityContext(grant ToolPermission, args map[string]any) bool {
	if len(grant.AllowedPaths) > 0 {
		p, ok := args["path"].(string)
		if !ok {
			return false
		}
		allowed := false
		for _, prefix := range grant.AllowedPaths {
			if strings.HasPrefix(p, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(grant.AllowedDomains) > 0 {
		u, ok := args["url"].(string)
		if !ok {
			return false
		}
		host := hostnameOf(u)
		allowed := false
		for _, domain := range grant.AllowedDomains {
			if host == domain {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return true
}

// sessionGrants is the in-memory session-grant set with insertion-order
// eviction at the cap (deliberately not LRU: reuse doesn't refresh position).
type sessionGrants struct {
	keys []string
	set  map[string]bool
	max  int
}

func newSessionGrants(max int) *sessionGrants {
	return &sessionGrants{set: make(map[string]bool), max: max}
}

func (s *sessionGrants) add(key string) {
	if s.set[key] {
		return
	}
	if len(s.keys) >= s.max {
		oldest := s.keys[0]
		s.keys = s.keys[1:]
		delete(s.set, oldest)
	}
	s.keys = append(s.keys, key)
	s.set[key] = true
}

func (s *sessionGrants) has(key string) bool {
	return s.set[key]
}

func (s *sessionGrants) remove(key string) {
	if !s.set[key] {
		return
	}
	delete(s.set, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

func (s *sessionGrants) clear() {
	s.keys = nil
	s.set = make(map[string]bool)
}

func (s *sessionGrants) len() int {
	return len(s.keys)
}

// setMax adjusts the cap, evicting oldest entries if already over it.
func (s *sessionGrants) setMax(max int) {
	s.max = max
	for len(s.keys) > s.max {
		oldest := s.keys[0]
		s.keys = s.keys[1:]
		delete(s.set, oldest)
	}
}
