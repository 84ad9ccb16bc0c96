package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/plural-mcp/logger"
)

// ErrDenied is the sentinel for every denial path: stored deny rules,
// explicit user denial, and approval timeout. Callers match it with
// errors.Is.
var ErrDenied = errors.New("permission denied")

// ErrRequestNotFound is returned by Respond for an unknown or already
// settled approval id.
var ErrRequestNotFound = errors.New("approval request not found")

// expiryNoticeLead is how far before a grant's expiry the advance notice
// fires. Grants expiring sooner than this get no notice.
const expiryNoticeLead = 24 * time.Hour

// requestBuffer sizes the approval request channel. An undrained channel
// doesn't block checks; the pending approval still times out to denial.
const requestBuffer = 16

// CheckRequest identifies one tool invocation to be permission-checked.
type CheckRequest struct {
	ServerID        string
	ServerName      string
	ToolName        string
	ToolDescription string
	Args            map[string]any
}

// Decision is a human (or host) verdict on a pending approval.
type Decision struct {
	Approved bool
	Scope    Scope // ignored unless Approved
}

// PendingApproval is an in-flight request for a human decision. Emitted on
// the Requests channel exactly once; settled via Respond or timeout.
type PendingApproval struct {
	ID              string         `json:"id"`
	ServerID        string         `json:"serverId"`
	ServerName      string         `json:"serverName"`
	ToolName        string         `json:"toolName"`
	ToolDescription string         `json:"toolDescription,omitempty"`
	Args            map[string]any `json:"args,omitempty"`
	RiskLevel       RiskLevel      `json:"riskLevel"`
	RiskReasons     []string       `json:"riskReasons"`
	RequestedAt     time.Time      `json:"requestedAt"`
}

// ExpiryNotice warns that a persisted grant expires within a day.
type ExpiryNotice struct {
	Grant     ToolPermission
	ExpiresAt time.Time
}

// pendingEntry pairs the exported approval with its resolver.
type pendingEntry struct {
	approval PendingApproval
	decision chan Decision // buffered(1); exactly one settle wins
	timer    *time.Timer
}

// Engine decides whether tool invocations may proceed. One instance per
// process, constructed and wired explicitly at startup.
type Engine struct {
	mu       sync.Mutex
	settings Settings
	store    GrantStore
	session  *sessionGrants
	pending  map[string]*pendingEntry
	timers   map[string]*time.Timer // expiry notices keyed by grant key
	closed   bool

	requests chan PendingApproval
	notices  chan ExpiryNotice

	log *slog.Logger
}

// NewEngine creates an engine over the given grant store.
func NewEngine(store GrantStore, settings Settings) *Engine {
	settings = settings.normalized()
	e := &Engine{
		settings: settings,
		store:    store,
		session:  newSessionGrants(settings.MaxSessionGrants),
		pending:  make(map[string]*pendingEntry),
		timers:   make(map[string]*time.Timer),
		requests: make(chan PendingApproval, requestBuffer),
		notices:  make(chan ExpiryNotice, requestBuffer),
		log:      logger.WithComponent("permission"),
	}
	e.scheduleExistingNotices()
	return e
}

// scheduleExistingNotices arms expiry notices for grants loaded from the store.
func (e *Engine) scheduleExistingNotices() {
	for key, grant := range e.store.All() {
		e.mu.Lock()
		e.scheduleExpiryNoticeLocked(key, grant)
		e.mu.Unlock()
	}
}

// Requests is the stream of approvals needing a human decision. The UI layer
// consumes it and eventually calls Respond.
func (e *Engine) Requests() <-chan PendingApproval {
	return e.requests
}

// Notices is the stream of advance grant-expiry warnings.
func (e *Engine) Notices() <-chan ExpiryNotice {
	return e.notices
}

// Check decides whether the invocation may proceed. A nil return means
// allowed; denials (stored rule, user decision, or timeout) wrap ErrDenied.
// Check may suspend up to the configured approval timeout.
func (e *Engine) Check(ctx context.Context, req CheckRequest) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: permission engine is shut down", ErrDenied)
	}

	settings := e.settings
	now := time.Now()
	key := grantKey(req.ServerID, req.ToolName)
	argHash := HashArguments(req.Args)

	// 1. Existing persistent grant
	if grant, ok := e.store.Get(key); ok {
		if grant.Permission == GrantDeny {
			e.mu.Unlock()
			return fmt.Errorf("%w: tool %q on server %q is blocked by a stored rule", ErrDenied, req.ToolName, req.ServerID)
		}
		if reason := grantInvalidReason(grant, req.Args, argHash, settings, now); reason == "" {
			grant.UsageCount++
			grant.LastUsed = now
			if err := e.store.Put(key, grant); err != nil {
				e.log.Warn("failed to update grant usage", "key", key, "error", err)
			}
			e.mu.Unlock()
			return nil
		} else {
			// Invalid grants are deleted so the call falls through to
			// reassessment rather than automatic denial.
			if err := e.store.Delete(key); err != nil {
				e.log.Warn("failed to delete invalid grant", "key", key, "error", err)
			}
			e.cancelExpiryNoticeLocked(key)
			e.log.Info("stored grant invalidated", "key", key, "reason", reason)
		}
	}

	// 2. Existing session grant: argument-specific first, then tool-wide
	if e.session.has(sessionKey(req.ServerID, req.ToolName, argHash)) ||
		e.session.has(sessionKey(req.ServerID, req.ToolName, "")) {
		e.mu.Unlock()
		return nil
	}

	// 3. Risk assessment + auto-approval
	assessment := assessRisk(req.ToolName, req.ToolDescription, req.Args, settings)
	trusted := slices.Contains(settings.TrustedServers, req.ServerID)
	if trusted || (settings.AutoApproveCeiling != RiskNone && assessment.Level <= settings.AutoApproveCeiling) {
		// Recorded tool-wide so repeated auto-approved calls skip reassessment
		e.session.add(sessionKey(req.ServerID, req.ToolName, ""))
		e.mu.Unlock()
		e.log.Debug("auto-approved", "server", req.ServerID, "tool", req.ToolName,
			"risk", assessment.Level, "trusted", trusted)
		return nil
	}

	// 4. Interactive approval
	entry := &pendingEntry{
		approval: PendingApproval{
			ID:              uuid.NewString(),
			ServerID:        req.ServerID,
			ServerName:      req.ServerName,
			ToolName:        req.ToolName,
			ToolDescription: req.ToolDescription,
			Args:            req.Args,
			RiskLevel:       assessment.Level,
			RiskReasons:     assessment.Reasons,
			RequestedAt:     now,
		},
		decision: make(chan Decision, 1),
		timer:    time.NewTimer(settings.ApprovalTimeout),
	}
	e.pending[entry.approval.ID] = entry
	e.mu.Unlock()

	select {
	case e.requests <- entry.approval:
	default:
		e.log.Warn("approval request channel full, UI may be stalled", "id", entry.approval.ID)
	}

	select {
	case d := <-entry.decision:
		entry.timer.Stop()
		return e.settle(req, d, assessment, argHash)
	case <-entry.timer.C:
		if !e.removePending(entry.approval.ID) {
			// A response raced the timeout and won; honor it.
			d := <-entry.decision
			return e.settle(req, d, assessment, argHash)
		}
		return fmt.Errorf("%w: no response for tool %q on server %q within %s", ErrDenied,
			req.ToolName, req.ServerID, settings.ApprovalTimeout)
	case <-ctx.Done():
		entry.timer.Stop()
		e.removePending(entry.approval.ID)
		return ctx.Err()
	}
}

// settle applies a human decision: deny, or allow with the chosen scope.
func (e *Engine) settle(req CheckRequest, d Decision, assessment Assessment, argHash string) error {
	if !d.Approved {
		return fmt.Errorf("%w: tool %q on server %q was denied (%s risk: %v)", ErrDenied,
			req.ToolName, req.ServerID, assessment.Level, assessment.Reasons)
	}

	switch d.Scope {
	case ScopeOnce, "":
		// Nothing stored; next call goes through the full flow again.
	case ScopeSession:
		e.mu.Lock()
		e.session.add(sessionKey(req.ServerID, req.ToolName, argHash))
		e.mu.Unlock()
	case ScopeAlways:
		e.persistGrant(req, assessment, argHash)
	}
	return nil
}

// persistGrant stores an always-scoped grant with expiry and the security
// context extracted from the approved arguments.
func (e *Engine) persistGrant(req CheckRequest, assessment Assessment, argHash string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	grant := ToolPermission{
		ServerID:   req.ServerID,
		ToolName:   req.ToolName,
		Permission: GrantAllow,
		Scope:      ScopeAlways,
		RiskLevel:  assessment.Level,
		GrantedAt:  now,
		UsageCount: 1,
		LastUsed:   now,
	}
	if e.settings.GrantLifetime > 0 {
		expires := now.Add(e.settings.GrantLifetime)
		grant.ExpiresAt = &expires
	}
	if e.settings.ValidateArguments {
		grant.ArgumentPattern = argHash
	}
	grant.AllowedPaths, grant.AllowedDomains = securityContext(req.Args)

	key := grantKey(req.ServerID, req.ToolName)
	if err := e.store.Put(key, grant); err != nil {
		e.log.Error("failed to persist grant", "key", key, "error", err)
		return
	}
	e.scheduleExpiryNoticeLocked(key, grant)
	e.log.Info("grant persisted", "key", key, "risk", assessment.Level, "expires", grant.ExpiresAt)
}

// grantInvalidReason checks a stored allow-grant against the incoming call.
// Returns "" when the grant is valid, otherwise a reason for the log.
func grantInvalidReason(grant ToolPermission, args map[string]any, argHash string, settings Settings, now time.Time) string {
	if grant.Expired(now) {
		return "expired"
	}
	if settings.ValidateArguments && grant.ArgumentPattern != "" && grant.ArgumentPattern != argHash {
		return "argument pattern mismatch"
	}
	if !matchesSecurityContext(grant, args) {
		return "outside allowed paths or domains"
	}
	return ""
}

// Respond settles a pending approval. It is the only way to settle one
// before the timeout. Returns ErrRequestNotFound if the id is unknown or
// already settled.
func (e *Engine) Respond(id string, d Decision) error {
	e.mu.Lock()
	entry, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return ErrRequestNotFound
	}
	delete(e.pending, id)
	e.mu.Unlock()

	entry.timer.Stop()
	entry.decision <- d
	return nil
}

// removePending deletes a pending entry, reporting whether it was present.
func (e *Engine) removePending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[id]; !ok {
		return false
	}
	delete(e.pending, id)
	return true
}

// Pending returns a snapshot of outstanding approvals, oldest first.
func (e *Engine) Pending() []PendingApproval {
	e.mu.Lock()
	defer e.mu.Unlock()

	approvals := make([]PendingApproval, 0, len(e.pending))
	for _, entry := range e.pending {
		approvals = append(approvals, entry.approval)
	}
	slices.SortFunc(approvals, func(a, b PendingApproval) int {
		return a.RequestedAt.Compare(b.RequestedAt)
	})
	return approvals
}

// Settings returns a copy of the current policy.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// UpdateSettings replaces the policy. The session-grant cap applies
// immediately, evicting oldest entries if necessary.
func (e *Engine) UpdateSettings(s Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s.normalized()
	e.session.setMax(e.settings.MaxSessionGrants)
}

// ListGrants returns a snapshot of all persisted grants.
func (e *Engine) ListGrants() map[string]ToolPermission {
	return e.store.All()
}

// RevokeGrant deletes the persisted grant for a (server, tool) pair.
// Returns false if no grant was stored.
func (e *Engine) RevokeGrant(serverID, toolName string) bool {
	key := grantKey(serverID, toolName)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.store.Get(key); !ok {
		return false
	}
	if err := e.store.Delete(key); err != nil {
		e.log.Warn("failed to delete grant", "key", key, "error", err)
	}
	e.cancelExpiryNoticeLocked(key)
	// Drop any session grants shadowing the revoked rule
	e.session.remove(sessionKey(serverID, toolName, ""))
	return true
}

// ClearSessionGrants empties the session-grant set.
func (e *Engine) ClearSessionGrants() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.clear()
}

// SessionGrantCount reports the current session-grant set size.
func (e *Engine) SessionGrantCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.len()
}

// SweepExpired purges all grants past their expiry and reports how many were
// removed. Caller-invoked; the engine never schedules this itself.
func (e *Engine) SweepExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, grant := range e.store.All() {
		if grant.Expired(now) {
			if err := e.store.Delete(key); err != nil {
				e.log.Warn("failed to delete expired grant", "key", key, "error", err)
				continue
			}
			e.cancelExpiryNoticeLocked(key)
			removed++
		}
	}
	if removed > 0 {
		e.log.Info("expired grants purged", "count", removed)
	}
	return removed
}

// scheduleExpiryNoticeLocked arms a one-day advance warning for a grant with
// a future expiry. Suppressed when less than a day remains. Caller must hold
// e.mu.
func (e *Engine) scheduleExpiryNoticeLocked(key string, grant ToolPermission) {
	if grant.ExpiresAt == nil {
		return
	}
	e.cancelExpiryNoticeLocked(key)

	lead := time.Until(*grant.ExpiresAt) - expiryNoticeLead
	if lead <= 0 {
		return
	}
	expiresAt := *grant.ExpiresAt
	e.timers[key] = time.AfterFunc(lead, func() {
		e.mu.Lock()
		delete(e.timers, key)
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		select {
		case e.notices <- ExpiryNotice{Grant: grant, ExpiresAt: expiresAt}:
		default:
			e.log.Warn("expiry notice dropped, channel full", "key", key)
		}
	})
}

// cancelExpiryNoticeLocked stops and forgets the notice timer for a key.
// Caller must hold e.mu.
func (e *Engine) cancelExpiryNoticeLocked(key string) {
	if timer, ok := e.timers[key]; ok {
		timer.Stop()
		delete(e.timers, key)
	}
}

// Shutdown resolves every pending approval to denial and clears all timers.
// Safe to call with checks in flight; subsequent checks are denied.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true

	entries := make([]*pendingEntry, 0, len(e.pending))
	for id, entry := range e.pending {
		entries = append(entries, entry)
		delete(e.pending, id)
	}
	for key, timer := range e.timers {
		timer.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.decision <- Decision{Approved: false}
	}
	e.log.Info("permission engine shut down", "pending_denied", len(entries))
}
