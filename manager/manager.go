package manager

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/plural-mcp/config"
	"github.com/zhubert/plural-mcp/logger"
	"github.com/zhubert/plural-mcp/mcp"
	"github.com/zhubert/plural-mcp/permission"
)

// MaxActiveServers caps how many servers may be starting or ready at once.
// Each one is a child process (or connection) with its own catalogs.
const MaxActiveServers = 8

// eventBuffer sizes the event channel. When full, the oldest event is
// dropped so producers never block.
const eventBuffer = 64

// refreshTimeout bounds catalog re-discovery triggered by list-changed
// notifications.
const refreshTimeout = 30 * time.Second

// Manager supervises MCP servers: lifecycle, capability catalogs,
// permission-gated tool execution, and the notification relay.
//
// Thread Safety:
// The Manager's mutex protects the server registry. Snapshot methods return
// copies; entries are never handed out directly.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry
	closed  bool

	factory mcp.Factory
	engine  *permission.Engine

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	log *slog.Logger
}

// NewManager creates a manager over the given permission engine. Servers
// connect through the real SDK transport.
func NewManager(engine *permission.Engine) *Manager {
	m := &Manager{
		servers: make(map[string]*serverEntry),
		factory: mcp.NewClient,
		engine:  engine,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		log:     logger.WithComponent("manager"),
	}
	m.wg.Add(1)
	go m.relayPermissionEvents()
	return m
}

// SetClientFactory sets a custom client factory (for testing).
func (m *Manager) SetClientFactory(factory mcp.Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factory = factory
}

// Events is the stream of lifecycle transitions, relayed notifications, and
// permission traffic. Consumers should drain it promptly; when the buffer
// fills, the oldest event is dropped.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Permissions exposes the engine for grant management and settings updates.
func (m *Manager) Permissions() *permission.Engine {
	return m.engine
}

// emit delivers an event without ever blocking the producer. A full buffer
// sheds its oldest event first.
func (m *Manager) emit(ev Event) {
	for {
		select {
		case m.events <- ev:
			return
		default:
		}
		select {
		case <-m.events:
		default:
		}
	}
}

// relayPermissionEvents pumps the engine's approval requests and expiry
// notices into the event stream.
func (m *Manager) relayPermissionEvents() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case p := <-m.engine.Requests():
			m.emit(PermissionRequestEvent{Approval: p})
		case n := <-m.engine.Notices():
			m.emit(GrantExpiryEvent{Notice: n})
		}
	}
}

// StartServer launches a server and blocks through spawn, handshake, and
// capability discovery. On success the server is ready with its catalogs
// attached. On failure the server is registered in the failed state (for
// later inspection) and the error is also returned.
//
// A failed or stopped entry with the same id is replaced; a starting or
// ready one raises ErrAlreadyRunning.
func (m *Manager) StartServer(ctx context.Context, cfg config.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager is shut down")
	}
	if existing, ok := m.servers[cfg.ID]; ok {
		if existing.state == StateStarting || existing.state == StateReady {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.ID)
		}
		// failed and stopped entries are replaced by a fresh start
	}
	if m.activeCountLocked() >= MaxActiveServers {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d servers active", ErrCapacityExceeded, MaxActiveServers)
	}

	log := logger.WithServer(cfg.ID)
	entry := &serverEntry{
		cfg:           cfg,
		state:         StateStarting,
		subscriptions: make(map[string]bool),
		startedAt:     time.Now(),
	}
	entry.client = m.factory(cfg, m.handlersFor(cfg.ID), log)
	m.servers[cfg.ID] = entry
	m.mu.Unlock()

	m.emit(StateChangeEvent{ServerID: cfg.ID, State: StateStarting, At: time.Now()})
	log.Info("starting server", "transport", cfg.Transport)

	if err := entry.client.Connect(ctx); err != nil {
		werr := fmt.Errorf("%w: %s: %v", ErrSpawnFailed, cfg.ID, err)
		m.markFailed(cfg.ID, entry, werr)
		return werr
	}

	tools, resources, prompts, err := discover(ctx, cfg.ID, entry.client)
	if err != nil {
		if cerr := entry.client.Close(); cerr != nil {
			log.Warn("close after failed discovery", "error", cerr)
		}
		werr := fmt.Errorf("%w: %s: %v", ErrDiscoveryFailed, cfg.ID, err)
		m.markFailed(cfg.ID, entry, werr)
		return werr
	}

	m.mu.Lock()
	if current, ok := m.servers[cfg.ID]; !ok || current != entry {
		// Stopped (or replaced) while we were connecting
		m.mu.Unlock()
		if cerr := entry.client.Close(); cerr != nil {
			log.Warn("close after concurrent stop", "error", cerr)
		}
		return fmt.Errorf("%w: %s stopped during startup", ErrServerNotRunning, cfg.ID)
	}
	entry.state = StateReady
	entry.tools = tools
	entry.resources = resources
	entry.prompts = prompts
	entry.lastReady = time.Now()
	entry.lastErr = nil
	m.mu.Unlock()

	m.emit(StateChangeEvent{ServerID: cfg.ID, State: StateReady, At: time.Now()})
	log.Info("server ready",
		"tools", len(tools), "resources", len(resources), "prompts", len(prompts))
	return nil
}

// discover runs the capability discovery round and stamps every descriptor
// with the server id.
func discover(ctx context.Context, serverID string, client mcp.Client) (
	[]mcp.ToolDescriptor, []mcp.ResourceDescriptor, []mcp.PromptDescriptor, error) {

	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	for i := range tools {
		tools[i].ServerID = serverID
	}
	for i := range resources {
		resources[i].ServerID = serverID
	}
	for i := range prompts {
		prompts[i].ServerID = serverID
	}
	return tools, resources, prompts, nil
}

// markFailed records a startup failure on the entry, if it is still the
// registered one, and emits the transition.
func (m *Manager) markFailed(serverID string, entry *serverEntry, err error) {
	m.mu.Lock()
	if current, ok := m.servers[serverID]; ok && current == entry {
		entry.state = StateFailed
		entry.lastErr = err
	}
	m.mu.Unlock()
	m.emit(StateChangeEvent{ServerID: serverID, State: StateFailed, Err: err.Error(), At: time.Now()})
}

// activeCountLocked counts servers occupying capacity. Caller must hold m.mu.
func (m *Manager) activeCountLocked() int {
	count := 0
	for _, entry := range m.servers {
		if entry.state == StateStarting || entry.state == StateReady {
			count++
		}
	}
	return count
}

// StopServer gracefully stops a server and removes its registry entry.
// Idempotent: stopping an unknown id is a no-op. Close failures are logged,
// never surfaced; the entry is removed regardless.
func (m *Manager) StopServer(serverID string) {
	m.mu.Lock()
	entry, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.servers, serverID)
	m.mu.Unlock()

	if entry.client != nil {
		if err := entry.client.Close(); err != nil {
			m.log.Warn("server close failed", "serverID", serverID, "error", err)
		}
	}
	m.emit(StateChangeEvent{ServerID: serverID, State: StateStopped, At: time.Now()})
	m.log.Info("server stopped", "serverID", serverID)
}

// readyEntry fetches a server entry, enforcing the readiness precondition
// shared by all execution paths.
func (m *Manager) readyEntry(serverID string) (*serverEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotRunning, serverID)
	}
	if entry.state != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrServerNotReady, serverID, entry.state)
	}
	return entry, nil
}

// touchReady updates the server's liveness timestamp after a successful
// transport round-trip.
func (m *Manager) touchReady(serverID string, entry *serverEntry) {
	m.mu.Lock()
	if current, ok := m.servers[serverID]; ok && current == entry {
		entry.lastReady = time.Now()
	}
	m.mu.Unlock()
}

// ExecuteTool runs a tool on a ready server, gated by the permission engine.
// May suspend through the approval timeout while a human decides.
func (m *Manager) ExecuteTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcp.ToolResult, error) {
	entry, err := m.readyEntry(serverID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	tool, ok := entry.findTool(toolName)
	serverName := entry.cfg.DisplayName()
	client := entry.client
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q on server %s", ErrToolNotFound, toolName, serverID)
	}

	if err := m.engine.Check(ctx, permission.CheckRequest{
		ServerID:        serverID,
		ServerName:      serverName,
		ToolName:        toolName,
		ToolDescription: tool.Description,
		Args:            args,
	}); err != nil {
		return nil, err
	}

	result, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		return nil, fmt.Errorf("%w: calling %q on %s: %v", ErrProtocolError, toolName, serverID, err)
	}
	m.touchReady(serverID, entry)
	return result, nil
}

// ReadResource reads a resource from a ready server. Resource reads are not
// permission-gated; the approval surface is tool execution.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) ([]mcp.ResourceContent, error) {
	entry, err := m.readyEntry(serverID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	known := entry.hasResource(uri)
	client := entry.client
	m.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %q on server %s", ErrResourceNotFound, uri, serverID)
	}

	contents, err := client.ReadResource(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q from %s: %v", ErrProtocolError, uri, serverID, err)
	}
	m.touchReady(serverID, entry)
	return contents, nil
}

// SubscribeToResource registers for update notifications on a URI.
// Idempotent: subscribing twice succeeds silently.
func (m *Manager) SubscribeToResource(ctx context.Context, serverID, uri string) error {
	entry, err := m.readyEntry(serverID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if entry.subscriptions[uri] {
		m.mu.Unlock()
		return nil
	}
	client := entry.client
	m.mu.Unlock()

	if err := client.SubscribeResource(ctx, uri); err != nil {
		return fmt.Errorf("%w: subscribing to %q on %s: %v", ErrProtocolError, uri, serverID, err)
	}

	m.mu.Lock()
	if current, ok := m.servers[serverID]; ok && current == entry {
		entry.subscriptions[uri] = true
	}
	m.mu.Unlock()
	return nil
}

// UnsubscribeFromResource cancels a resource subscription. Idempotent:
// unsubscribing when not subscribed succeeds silently.
func (m *Manager) UnsubscribeFromResource(ctx context.Context, serverID, uri string) error {
	entry, err := m.readyEntry(serverID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !entry.subscriptions[uri] {
		m.mu.Unlock()
		return nil
	}
	delete(entry.subscriptions, uri)
	client := entry.client
	m.mu.Unlock()

	if err := client.UnsubscribeResource(ctx, uri); err != nil {
		return fmt.Errorf("%w: unsubscribing from %q on %s: %v", ErrProtocolError, uri, serverID, err)
	}
	return nil
}

// ExecutePrompt runs a prompt on a ready server. Prompts are read
// operations and skip the permission gate.
func (m *Manager) ExecutePrompt(ctx context.Context, serverID, promptName string, args map[string]string) (*mcp.PromptResult, error) {
	entry, err := m.readyEntry(serverID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	known := entry.hasPrompt(promptName)
	client := entry.client
	m.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %q on server %s", ErrPromptNotFound, promptName, serverID)
	}

	result, err := client.GetPrompt(ctx, promptName, args)
	if err != nil {
		return nil, fmt.Errorf("%w: prompt %q on %s: %v", ErrProtocolError, promptName, serverID, err)
	}
	m.touchReady(serverID, entry)
	return result, nil
}

// GetAllAvailableTools aggregates tool catalogs across all ready servers.
func (m *Manager) GetAllAvailableTools() []mcp.ToolDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []mcp.ToolDescriptor
	for _, entry := range m.servers {
		if entry.state == StateReady {
			tools = append(tools, entry.tools...)
		}
	}
	slices.SortFunc(tools, func(a, b mcp.ToolDescriptor) int {
		if c := strings.Compare(a.ServerID, b.ServerID); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return tools
}

// GetAllAvailableResources aggregates resource catalogs across all ready servers.
func (m *Manager) GetAllAvailableResources() []mcp.ResourceDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var resources []mcp.ResourceDescriptor
	for _, entry := range m.servers {
		if entry.state == StateReady {
			resources = append(resources, entry.resources...)
		}
	}
	slices.SortFunc(resources, func(a, b mcp.ResourceDescriptor) int {
		if c := strings.Compare(a.ServerID, b.ServerID); c != 0 {
			return c
		}
		return strings.Compare(a.URI, b.URI)
	})
	return resources
}

// GetAllAvailablePrompts aggregates prompt catalogs across all ready servers.
func (m *Manager) GetAllAvailablePrompts() []mcp.PromptDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var prompts []mcp.PromptDescriptor
	for _, entry := range m.servers {
		if entry.state == StateReady {
			prompts = append(prompts, entry.prompts...)
		}
	}
	slices.SortFunc(prompts, func(a, b mcp.PromptDescriptor) int {
		if c := strings.Compare(a.ServerID, b.ServerID); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return prompts
}

// GetServerState returns a snapshot of one server's runtime state.
func (m *Manager) GetServerState(serverID string) (ServerRuntimeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.servers[serverID]
	if !ok {
		return ServerRuntimeState{}, false
	}
	return entry.snapshot(), true
}

// ListServers returns the registered server ids, sorted.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GetAllServerStates returns snapshots of every registered server, sorted
// by id.
func (m *Manager) GetAllServerStates() []ServerRuntimeState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]ServerRuntimeState, 0, len(m.servers))
	for _, entry := range m.servers {
		states = append(states, entry.snapshot())
	}
	slices.SortFunc(states, func(a, b ServerRuntimeState) int {
		return strings.Compare(a.ServerID, b.ServerID)
	})
	return states
}

// RespondToApproval settles a pending permission request observed on the
// event stream.
func (m *Manager) RespondToApproval(id string, approved bool, scope permission.Scope) error {
	return m.engine.Respond(id, permission.Decision{Approved: approved, Scope: scope})
}

// handlersFor wires a server's out-of-band notifications into the event
// stream. List-changed notifications trigger a background re-discovery of
// the affected catalog.
func (m *Manager) handlersFor(serverID string) mcp.NotificationHandlers {
	return mcp.NotificationHandlers{
		OnProgress: func(n mcp.ProgressNotification) {
			m.emit(ProgressEvent{ServerID: serverID, Notification: n})
		},
		OnLogMessage: func(msg mcp.LogMessage) {
			m.emit(LogEvent{ServerID: serverID, Message: msg})
		},
		OnToolListChanged: func() {
			go m.refreshCatalog(serverID, CatalogTools)
		},
		OnResourceListChanged: func() {
			go m.refreshCatalog(serverID, CatalogResources)
		},
		OnPromptListChanged: func() {
			go m.refreshCatalog(serverID, CatalogPrompts)
		},
		OnResourceUpdated: func(uri string) {
			m.emit(ResourceUpdatedEvent{ServerID: serverID, URI: uri})
		},
	}
}

// refreshCatalog re-discovers one catalog after a list-changed notification
// and swaps it in, then announces the change.
func (m *Manager) refreshCatalog(serverID string, kind CatalogKind) {
	m.mu.RLock()
	entry, ok := m.servers[serverID]
	if !ok || entry.state != StateReady {
		m.mu.RUnlock()
		return
	}
	client := entry.client
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	switch kind {
	case CatalogTools:
		tools, err := client.ListTools(ctx)
		if err != nil {
			m.log.Warn("tool catalog refresh failed", "serverID", serverID, "error", err)
			return
		}
		for i := range tools {
			tools[i].ServerID = serverID
		}
		m.mu.Lock()
		if current, ok := m.servers[serverID]; ok && current == entry {
			entry.tools = tools
		}
		m.mu.Unlock()
	case CatalogResources:
		resources, err := client.ListResources(ctx)
		if err != nil {
			m.log.Warn("resource catalog refresh failed", "serverID", serverID, "error", err)
			return
		}
		for i := range resources {
			resources[i].ServerID = serverID
		}
		m.mu.Lock()
		if current, ok := m.servers[serverID]; ok && current == entry {
			entry.resources = resources
		}
		m.mu.Unlock()
	case CatalogPrompts:
		prompts, err := client.ListPrompts(ctx)
		if err != nil {
			m.log.Warn("prompt catalog refresh failed", "serverID", serverID, "error", err)
			return
		}
		for i := range prompts {
			prompts[i].ServerID = serverID
		}
		m.mu.Lock()
		if current, ok := m.servers[serverID]; ok && current == entry {
			entry.prompts = prompts
		}
		m.mu.Unlock()
	}

	m.emit(CatalogChangedEvent{ServerID: serverID, Catalog: kind})
}

// Shutdown stops all servers, the notification relay, and the permission
// engine. Safe to call once; subsequent starts fail.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make(map[string]*serverEntry, len(m.servers))
	for id, entry := range m.servers {
		entries[id] = entry
	}
	m.servers = make(map[string]*serverEntry)
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	for id, entry := range entries {
		if entry.client == nil {
			continue
		}
		if err := entry.client.Close(); err != nil {
			m.log.Warn("server close failed during shutdown", "serverID", id, "error", err)
		}
	}
	m.engine.Shutdown()
	m.log.Info("manager shut down", "servers_stopped", len(entries))
}
