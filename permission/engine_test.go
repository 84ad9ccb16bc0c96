package permission

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.ApprovalTimeout = 200 * time.Millisecond
	return s
}

func newTestEngine(t *testing.T, settings Settings) *Engine {
	t.Helper()
	e := NewEngine(NewMemoryStore(), settings)
	t.Cleanup(e.Shutdown)
	return e
}

// checkAsync runs Check in the background so the test can play the
// responder on the Requests channel.
func checkAsync(e *Engine, req CheckRequest) chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- e.Check(context.Background(), req)
	}()
	return errc
}

func waitRequest(t *testing.T, e *Engine) PendingApproval {
	t.Helper()
	select {
	case p := <-e.Requests():
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an approval request")
		return PendingApproval{}
	}
}

func waitErr(t *testing.T, errc chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Check to return")
		return nil
	}
}

func TestCheck_AutoApprovesLowRisk(t *testing.T) {
	e := newTestEngine(t, testSettings())

	err := e.Check(context.Background(), CheckRequest{
		ServerID: "clock", ToolName: "get_time",
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if e.SessionGrantCount() != 1 {
		t.Errorf("session grants = %d, want 1", e.SessionGrantCount())
	}

	// Second call hits the session grant, not reassessment
	if err := e.Check(context.Background(), CheckRequest{
		ServerID: "clock", ToolName: "get_time",
	}); err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if e.SessionGrantCount() != 1 {
		t.Errorf("session grants after reuse = %d, want 1", e.SessionGrantCount())
	}
}

func TestCheck_TrustedServerBypassesRisk(t *testing.T) {
	settings := testSettings()
	settings.TrustedServers = []string{"internal"}
	e := newTestEngine(t, settings)

	err := e.Check(context.Background(), CheckRequest{
		ServerID: "internal", ToolName: "run_command",
		Args: map[string]any{"command": "rm -rf /tmp/scratch"},
	})
	if err != nil {
		t.Fatalf("Check on trusted server: %v", err)
	}
}

func TestCheck_TimeoutDenies(t *testing.T) {
	settings := testSettings()
	settings.AutoApproveCeiling = RiskNone
	settings.ApprovalTimeout = 50 * time.Millisecond
	e := newTestEngine(t, settings)

	errc := checkAsync(e, CheckRequest{ServerID: "clock", ToolName: "get_time"})
	waitRequest(t, e)

	err := waitErr(t, errc)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Check = %v, want ErrDenied", err)
	}
	if len(e.Pending()) != 0 {
		t.Error("timed-out approval still pending")
	}
}

func TestCheck_RespondApproveOnce(t *testing.T) {
	settings := testSettings()
	settings.AutoApproveCeiling = RiskNone
	e := newTestEngine(t, settings)

	req := CheckRequest{ServerID: "fs", ToolName: "write_file",
		Args: map[string]any{"path": "/tmp/out.txt"}}

	errc := checkAsync(e, req)
	pending := waitRequest(t, e)
	if pending.ServerID != "fs" || pending.ToolName != "write_file" {
		t.Fatalf("pending = %+v", pending)
	}
	if pending.RiskLevel < RiskMedium {
		t.Errorf("write_file risk = %v, want at least medium", pending.RiskLevel)
	}

	if err := e.Respond(pending.ID, Decision{Approved: true, Scope: ScopeOnce}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Check after approval: %v", err)
	}

	// Once-scope stores nothing; an identical call prompts again
	errc = checkAsync(e, req)
	pending = waitRequest(t, e)
	if err := e.Respond(pending.ID, Decision{Approved: true, Scope: ScopeOnce}); err != nil {
		t.Fatalf("second Respond: %v", err)
	}
	waitErr(t, errc)
}

func TestCheck_RespondDeny(t *testing.T) {
	settings := testSettings()
	settings.AutoApproveCeiling = RiskNone
	e := newTestEngine(t, settings)

	errc := checkAsync(e, CheckRequest{ServerID: "clock", ToolName: "get_time"})
	pending := waitRequest(t, e)

	if err := e.Respond(pending.ID, Decision{Approved: false}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := waitErr(t, errc); !errors.Is(err, ErrDenied) {
		t.Fatalf("Check = %v, want ErrDenied", err)
	}
}

func TestCheck_SessionScopeIsArgumentSpecific(t *testing.T) {
	settings := testSettings()
	settings.AutoApproveCeiling = RiskNone
	e := newTestEngine(t, settings)

	approved := CheckRequest{ServerID: "fs", ToolName: "read_file",
		Args: map[string]any{"path": "/tmp/a.txt"}}

	errc := checkAsync(e, approved)
	pending := waitRequest(t, e)
	if err := e.Respond(pending.ID, Decision{Approved: true, Scope: ScopeSession}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Check: %v", err)
	}

	// Identical arguments reuse the session grant without prompting
	if err := e.Check(context.Background(), approved); err != nil {
		t.Fatalf("repeat Check: %v", err)
	}

	// Different arguments prompt again
	other := approved
	other.Args = map[string]any{"path": "/etc/hosts"}
	errc = checkAsync(e, other)
	pending = waitRequest(t, e)
	if err := e.Respond(pending.ID, Decision{Approved: false}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := waitErr(t, errc); !errors.Is(err, ErrDenied) {
		t.Fatalf("Check with different args = %v, want ErrDenied", err)
	}
}

func TestCheck_AlwaysScopePersists(t *testing.T) {
	settings := testSettings()
	settings.AutoApproveCeiling = RiskNone
	e := newTestEngine(t, settings)

	req := CheckRequest{ServerID: "fs", ToolName: "read_file",
		Args: map[string]any{"path": "/tmp/a.txt"}}

	errc := checkAsync(e, req)
	pending := waitRequest(t, e)
	if err := e.Respond(pending.ID, Decision{Approved: true, Scope: ScopeAlways}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Check: %v", err)
	}

	grants := e.ListGrants()
	grant, ok := grants["fs:read_file"]
	if !ok {
		t.Fatalf("grant not persisted; have %v", grants)
	}
	if grant.ExpiresAt == nil {
		t.Error("grant has no expiry despite a configured lifetime")
	}
	if len(grant.AllowedPaths) != 1 || grant.AllowedPaths[0] != "/tmp/a.txt" {
		t.Errorf("AllowedPaths = %v", grant.AllowedPaths)
	}
	if grant.ArgumentPattern == "" {
		t.Error("argument pattern missing with validation enabled")
	}

	// Identical call reuses the stored grant and bumps usage
	if err := e.Check(context.Background(), req); err != nil {
		t.Fatalf("repeat Check: %v", err)
	}
	if got := e.ListGrants()["fs:read_file"]; got.UsageCount != 2 {
		t.Errorf("UsageCount = %d, want 2", got.UsageCount)
	}
}

func TestCheck_ArgumentMismatchInvalidatesGrant(t *testing.T) {
	settings := testSettings()
	settings.AutoApproveCeiling = RiskNone
	e := newTestEngine(t, settings)

	req := CheckRequest{ServerID: "fs", ToolName: "read_file",
		Args: map[string]any{"path": "/tmp/a.txt"}}

	errc := checkAsync(e, req)
	pending := waitRequest(t, e)
	if err := e.Respond(pending.ID, Decision{Approved: true, Scope: ScopeAlways}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Check: %v", err)
	}

	// A call outside the granted path falls through to a fresh prompt
	// rather than reusing (or hard-denying on) the stale grant.
	other := req
	other.Args = map[string]any{"path": "/etc/passwd"}
	errc = checkAsync(e, other)
	pending = waitRequest(t, e)
	if err := e.Respond(pending.ID, Decision{Approved: false}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := waitErr(t, errc); !errors.Is(err, ErrDenied) {
		t.Fatalf("Check outside grant = %v, want ErrDenied", err)
	}
	if _, ok := e.ListGrants()["fs:read_file"]; ok {
		t.Error("invalidated grant still stored")
	}
}

func TestCheck_StoredDenyRule(t *testing.T) {
	store := NewMemoryStore()
	store.Put("fs:delete_file", ToolPermission{
		ServerID: "fs", ToolName: "delete_file", Permission: GrantDeny,
	})
	e := NewEngine(store, testSettings())
	t.Cleanup(e.Shutdown)

	err := e.Check(context.Background(), CheckRequest{
		ServerID: "fs", ToolName: "delete_file",
	})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Check = %v, want ErrDenied", err)
	}
}

func TestCheck_ExpiredGrantFallsThrough(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := NewMemoryStore()
	store.Put("clock:get_time", ToolPermission{
		ServerID: "clock", ToolName: "get_time",
		Permission: GrantAllow, ExpiresAt: &past,
	})
	e := NewEngine(store, testSettings())
	t.Cleanup(e.Shutdown)

	// Falls through to reassessment; get_time is low risk and auto-approves
	if err := e.Check(context.Background(), CheckRequest{
		ServerID: "clock", ToolName: "get_time",
	}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if _, ok := store.Get("clock:get_time"); ok {
		t.Error("expired grant was not deleted")
	}
}

func TestCheck_ContextCancellation(t *testing.T) {
	settings := testSettings()
	settings.AutoApproveCeiling = RiskNone
	e := newTestEngine(t, settings)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- e.Check(ctx, CheckRequest{ServerID: "clock", ToolName: "get_time"})
	}()
	waitRequest(t, e)
	cancel()

	if err := waitErr(t, errc); !errors.Is(err, context.Canceled) {
		t.Fatalf("Check = %v, want context.Canceled", err)
	}
	if len(e.Pending()) != 0 {
		t.Error("canceled approval still pending")
	}
}

func TestRespond_UnknownID(t *testing.T) {
	e := newTestEngine(t, testSettings())
	if err := e.Respond("nope", Decision{Approved: true}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("Respond = %v, want ErrRequestNotFound", err)
	}
}

func TestShutdown_DeniesPendingAndFutureChecks(t *testing.T) {
	settings := testSettings()
	settings.AutoApproveCeiling = RiskNone
	e := NewEngine(NewMemoryStore(), settings)

	errc := checkAsync(e, CheckRequest{ServerID: "clock", ToolName: "get_time"})
	waitRequest(t, e)

	e.Shutdown()
	if err := waitErr(t, errc); !errors.Is(err, ErrDenied) {
		t.Fatalf("pending Check after Shutdown = %v, want ErrDenied", err)
	}

	err := e.Check(context.Background(), CheckRequest{ServerID: "clock", ToolName: "get_time"})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Check after Shutdown = %v, want ErrDenied", err)
	}
}

func TestSweepExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	store := NewMemoryStore()
	store.Put("a:stale", ToolPermission{Permission: GrantAllow, ExpiresAt: &past})
	store.Put("b:fresh", ToolPermission{Permission: GrantAllow, ExpiresAt: &future})
	store.Put("c:forever", ToolPermission{Permission: GrantAllow})

	e := NewEngine(store, testSettings())
	t.Cleanup(e.Shutdown)

	if removed := e.SweepExpired(); removed != 1 {
		t.Fatalf("SweepExpired = %d, want 1", removed)
	}
	if _, ok := store.Get("a:stale"); ok {
		t.Error("stale grant survived sweep")
	}
	if _, ok := store.Get("b:fresh"); !ok {
		t.Error("fresh grant removed by sweep")
	}
	if _, ok := store.Get("c:forever"); !ok {
		t.Error("non-expiring grant removed by sweep")
	}
}

func TestRevokeGrant(t *testing.T) {
	store := NewMemoryStore()
	store.Put("fs:read_file", ToolPermission{Permission: GrantAllow})

	e := NewEngine(store, testSettings())
	t.Cleanup(e.Shutdown)

	if !e.RevokeGrant("fs", "read_file") {
		t.Fatal("RevokeGrant returned false for an existing grant")
	}
	if e.RevokeGrant("fs", "read_file") {
		t.Error("RevokeGrant returned true for an absent grant")
	}
}

func TestSessionGrantCapAtEngine(t *testing.T) {
	settings := testSettings()
	settings.MaxSessionGrants = 2
	e := newTestEngine(t, settings)

	for _, tool := range []string{"get_time", "get_zone", "get_date"} {
		if err := e.Check(context.Background(), CheckRequest{
			ServerID: "clock", ToolName: tool,
		}); err != nil {
			t.Fatalf("Check(%s): %v", tool, err)
		}
	}
	if e.SessionGrantCount() != 2 {
		t.Errorf("session grants = %d, want 2 after eviction", e.SessionGrantCount())
	}

	e.ClearSessionGrants()
	if e.SessionGrantCount() != 0 {
		t.Errorf("session grants after clear = %d", e.SessionGrantCount())
	}
}

func TestUpdateSettingsShrinksSessionCap(t *testing.T) {
	e := newTestEngine(t, testSettings())

	for _, tool := range []string{"get_time", "get_zone", "get_date"} {
		if err := e.Check(context.Background(), CheckRequest{
			ServerID: "clock", ToolName: tool,
		}); err != nil {
			t.Fatalf("Check(%s): %v", tool, err)
		}
	}

	settings := testSettings()
	settings.MaxSessionGrants = 1
	e.UpdateSettings(settings)

	if e.SessionGrantCount() != 1 {
		t.Errorf("session grants = %d, want 1 after cap shrink", e.SessionGrantCount())
	}
}
