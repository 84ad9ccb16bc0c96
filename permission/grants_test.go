package permission

import (
	"testing"
	"time"
)

func TestHashArguments(t *testing.T) {
	a := HashArguments(map[string]any{"a": 1, "z": "x"})
	b := HashArguments(map[string]any{"z": "x", "a": 1})
	if a == "" {
		t.Fatal("expected non-empty hash")
	}
	if a != b {
		t.Errorf("hash depends on insertion order: %q != %q", a, b)
	}

	c := HashArguments(map[string]any{"b": 2})
	if a == c {
		t.Errorf("different arguments produced the same hash %q", a)
	}

	if got := HashArguments(nil); got != "" {
		t.Errorf("HashArguments(nil) = %q, want empty", got)
	}
	if got := HashArguments(map[string]any{}); got != "" {
		t.Errorf("HashArguments(empty) = %q, want empty", got)
	}

	if len(a) > argumentHashLength {
		t.Errorf("hash length = %d, want <= %d", len(a), argumentHashLength)
	}
}

func TestGrantAndSessionKeys(t *testing.T) {
	if got := grantKey("fs", "read_file"); got != "fs:read_file" {
		t.Errorf("grantKey = %q", got)
	}
	if got := sessionKey("fs", "read_file", ""); got != "session:fs:read_file" {
		t.Errorf("tool-wide sessionKey = %q", got)
	}
	if got := sessionKey("fs", "read_file", "abc"); got != "session:fs:read_file:abc" {
		t.Errorf("argument sessionKey = %q", got)
	}
}

func TestSecurityContext(t *testing.T) {
	paths, domains := securityContext(map[string]any{
		"path": "/tmp/data.txt",
		"url":  "https://api.example.com/v1/items?q=1",
	})
	if len(paths) != 1 || paths[0] != "/tmp/data.txt" {
		t.Errorf("paths = %v", paths)
	}
	if len(domains) != 1 || domains[0] != "api.example.com" {
		t.Errorf("domains = %v", domains)
	}

	paths, domains = securityContext(map[string]any{"count": 3})
	if paths != nil || domains != nil {
		t.Errorf("expected no context, got paths=%v domains=%v", paths, domains)
	}
}

func TestMatchesSecurityContext(t *testing.T) {
	tests := []struct {
		name  string
		grant ToolPermission
		args  map[string]any
		want  bool
	}{
		{
			name:  "no constraints always match",
			grant: ToolPermission{},
			args:  map[string]any{"path": "/anywhere"},
			want:  true,
		},
		{
			name:  "path under allowed prefix",
			grant: ToolPermission{AllowedPaths: []string{"/tmp"}},
			args:  map[string]any{"path": "/tmp/sub/file.txt"},
			want:  true,
		},
		{
			name:  "path outside allowed prefix",
			grant: ToolPermission{AllowedPaths: []string{"/tmp"}},
			args:  map[string]any{"path": "/etc/passwd"},
			want:  false,
		},
		{
			name:  "missing path argument with path constraint",
			grant: ToolPermission{AllowedPaths: []string{"/tmp"}},
			args:  map[string]any{},
			want:  false,
		},
		{
			name:  "matching domain",
			grant: ToolPermission{AllowedDomains: []string{"example.com"}},
			args:  map[string]any{"url": "https://example.com/page"},
			want:  true,
		},
		{
			name:  "subdomain does not match",
			grant: ToolPermission{AllowedDomains: []string{"example.com"}},
			args:  map[string]any{"url": "https://evil.example.com/page"},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesSecurityContext(tt.grant, tt.args); got != tt.want {
				t.Errorf("matchesSecurityContext = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolPermissionExpired(t *testing.T) {
	now := time.Now()

	if (ToolPermission{}).Expired(now) {
		t.Error("grant without expiry should never expire")
	}

	past := now.Add(-time.Hour)
	if !(ToolPermission{ExpiresAt: &past}).Expired(now) {
		t.Error("grant past expiry should be expired")
	}

	future := now.Add(time.Hour)
	if (ToolPermission{ExpiresAt: &future}).Expired(now) {
		t.Error("grant before expiry should not be expired")
	}
}

func TestSessionGrants_InsertionOrderEviction(t *testing.T) {
	s := newSessionGrants(3)
	s.add("a")
	s.add("b")
	s.add("c")

	// Reuse does not refresh position
	s.add("a")
	if s.len() != 3 {
		t.Fatalf("len = %d, want 3", s.len())
	}

	s.add("d")
	if s.has("a") {
		t.Error("oldest entry should have been evicted")
	}
	for _, key := range []string{"b", "c", "d"} {
		if !s.has(key) {
			t.Errorf("expected %q to survive eviction", key)
		}
	}
}

func TestSessionGrants_RemoveAndClear(t *testing.T) {
	s := newSessionGrants(5)
	s.add("a")
	s.add("b")

	s.remove("a")
	if s.has("a") || s.len() != 1 {
		t.Errorf("after remove: has(a)=%v len=%d", s.has("a"), s.len())
	}
	s.remove("missing") // no-op

	s.clear()
	if s.len() != 0 || s.has("b") {
		t.Error("clear did not empty the set")
	}
}

func TestSessionGrants_SetMaxShrinks(t *testing.T) {
	s := newSessionGrants(4)
	for _, key := range []string{"a", "b", "c", "d"} {
		s.add(key)
	}

	s.setMax(2)
	if s.len() != 2 {
		t.Fatalf("len = %d, want 2", s.len())
	}
	if s.has("a") || s.has("b") {
		t.Error("oldest entries should have been evicted on shrink")
	}
	if !s.has("c") || !s.has("d") {
		t.Error("newest entries should have survived shrink")
	}
}
