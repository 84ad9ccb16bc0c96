package manager

import (
	"time"

	"github.com/zhubert/plural-mcp/config"
	"github.com/zhubert/plural-mcp/mcp"
)

// ServerState represents where a server is in its lifecycle.
// Using a typed enum instead of strings like "ready" or "failed"
// provides compile-time safety and clearer code.
type ServerState int

const (
	// StateConfigured indicates the server is known but not started.
	StateConfigured ServerState = iota

	// StateStarting indicates spawn/handshake/discovery is in progress.
	StateStarting

	// StateReady indicates the server is connected with catalogs discovered.
	StateReady

	// StateFailed indicates the last start or a runtime error killed the
	// server. Recoverable: a fresh StartServer replaces the entry.
	StateFailed

	// StateStopped indicates an explicit stop. Terminal until reconfigured.
	StateStopped
)

// String returns a human-readable name for the server state.
func (s ServerState) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServerRuntimeState is a snapshot of one server's runtime entry, safe to
// hand to callers. Catalogs are copies.
type ServerRuntimeState struct {
	ServerID  string                   `json:"serverId"`
	Name      string                   `json:"name"`
	State     ServerState              `json:"state"`
	Error     string                   `json:"error,omitempty"`
	StartedAt time.Time                `json:"startedAt,omitzero"`
	LastReady time.Time                `json:"lastReady,omitzero"`
	Tools     []mcp.ToolDescriptor     `json:"tools,omitempty"`
	Resources []mcp.ResourceDescriptor `json:"resources,omitempty"`
	Prompts   []mcp.PromptDescriptor   `json:"prompts,omitempty"`
}

// serverEntry holds all per-server runtime state in one place. Mutated only
// by the Manager while holding its mutex.
type serverEntry struct {
	cfg    config.ServerConfig
	client mcp.Client
	state  ServerState

	// Catalogs from the last successful discovery. Replaced wholesale,
	// never patched.
	tools     []mcp.ToolDescriptor
	resources []mcp.ResourceDescriptor
	prompts   []mcp.PromptDescriptor

	// URIs with an active resource subscription
	subscriptions map[string]bool

	startedAt time.Time
	lastReady time.Time
	lastErr   error
}

// snapshot copies the entry into a caller-safe view.
func (e *serverEntry) snapshot() ServerRuntimeState {
	s := ServerRuntimeState{
		ServerID:  e.cfg.ID,
		Name:      e.cfg.DisplayName(),
		State:     e.state,
		StartedAt: e.startedAt,
		LastReady: e.lastReady,
		Tools:     append([]mcp.ToolDescriptor(nil), e.tools...),
		Resources: append([]mcp.ResourceDescriptor(nil), e.resources...),
		Prompts:   append([]mcp.PromptDescriptor(nil), e.prompts...),
	}
	if e.lastErr != nil {
		s.Error = e.lastErr.Error()
	}
	return s
}

// hasTool reports whether the discovered catalog includes the tool.
func (e *serverEntry) hasTool(name string) bool {
	for _, t := range e.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// findTool returns the catalog entry for a tool name.
func (e *serverEntry) findTool(name string) (mcp.ToolDescriptor, bool) {
	for _, t := range e.tools {
		if t.Name == name {
			return t, true
		}
	}
	return mcp.ToolDescriptor{}, false
}

// hasResource reports whether the discovered catalog includes the URI.
func (e *serverEntry) hasResource(uri string) bool {
	for _, r := range e.resources {
		if r.URI == uri {
			return true
		}
	}
	return false
}

// hasPrompt reports whether the discovered catalog includes the prompt.
func (e *serverEntry) hasPrompt(name string) bool {
	for _, p := range e.prompts {
		if p.Name == name {
			return true
		}
	}
	return false
}
