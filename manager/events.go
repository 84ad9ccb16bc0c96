package manager

import (
	"time"

	"github.com/zhubert/plural-mcp/mcp"
	"github.com/zhubert/plural-mcp/permission"
)

// Event is a notification pushed by the manager: lifecycle transitions,
// relayed server notifications, and permission traffic. Each kind is its own
// struct with a fixed payload shape; consumers type-switch.
type Event interface {
	// EventServerID identifies the originating server; empty for
	// process-wide events such as grant expiry notices.
	EventServerID() string
}

// StateChangeEvent reports a server lifecycle transition.
type StateChangeEvent struct {
	ServerID string
	State    ServerState
	Err      string // populated for StateFailed
	At       time.Time
}

func (e StateChangeEvent) EventServerID() string { return e.ServerID }

// ProgressEvent relays a progress notification from a server.
type ProgressEvent struct {
	ServerID     string
	Notification mcp.ProgressNotification
}

func (e ProgressEvent) EventServerID() string { return e.ServerID }

// LogEvent relays a log message pushed by a server.
type LogEvent struct {
	ServerID string
	Message  mcp.LogMessage
}

func (e LogEvent) EventServerID() string { return e.ServerID }

// CatalogKind identifies which catalog a CatalogChangedEvent refers to.
type CatalogKind int

const (
	CatalogTools CatalogKind = iota
	CatalogResources
	CatalogPrompts
)

// String returns a human-readable name for the catalog kind.
func (k CatalogKind) String() string {
	switch k {
	case CatalogTools:
		return "tools"
	case CatalogResources:
		return "resources"
	case CatalogPrompts:
		return "prompts"
	default:
		return "unknown"
	}
}

// CatalogChangedEvent reports that a server's catalog was re-discovered
// after a list-changed notification. The new catalog is already in place
// when the event is observed.
type CatalogChangedEvent struct {
	ServerID string
	Catalog  CatalogKind
}

func (e CatalogChangedEvent) EventServerID() string { return e.ServerID }

// ResourceUpdatedEvent reports a change to a subscribed resource.
type ResourceUpdatedEvent struct {
	ServerID string
	URI      string
}

func (e ResourceUpdatedEvent) EventServerID() string { return e.ServerID }

// PermissionRequestEvent surfaces a pending approval to the event consumer.
// Settle it with Manager.RespondToApproval.
type PermissionRequestEvent struct {
	Approval permission.PendingApproval
}

func (e PermissionRequestEvent) EventServerID() string { return e.Approval.ServerID }

// GrantExpiryEvent warns that a persisted grant expires soon.
type GrantExpiryEvent struct {
	Notice permission.ExpiryNotice
}

func (e GrantExpiryEvent) EventServerID() string { return e.Notice.Grant.ServerID }
