package manager

import "errors"

// Sentinel errors for the lifecycle operations. Callers classify failures
// with errors.Is; messages carry the wrapped context.
var (
	// ErrCapacityExceeded means the active-server ceiling was hit.
	ErrCapacityExceeded = errors.New("server capacity exceeded")

	// ErrAlreadyRunning means the server id is already starting or ready.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrServerNotRunning means the server id has no registry entry.
	ErrServerNotRunning = errors.New("server not running")

	// ErrServerNotReady means the server exists but is not in the ready state.
	ErrServerNotReady = errors.New("server not ready")

	// ErrToolNotFound means the tool is not in the server's discovered catalog.
	ErrToolNotFound = errors.New("tool not found")

	// ErrResourceNotFound means the URI is not in the server's discovered catalog.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrPromptNotFound means the prompt is not in the server's discovered catalog.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrSpawnFailed means the child process could not be launched or dialed.
	ErrSpawnFailed = errors.New("failed to spawn server")

	// ErrDiscoveryFailed means the capability discovery round failed after
	// a successful connect.
	ErrDiscoveryFailed = errors.New("capability discovery failed")

	// ErrProtocolError means the transport returned a malformed or
	// unexpected response.
	ErrProtocolError = errors.New("protocol error")
)
