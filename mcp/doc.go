// Package mcp wraps the official Model Context Protocol SDK behind a narrow
// client interface for the lifecycle manager.
//
// # Overview
//
// Each configured MCP server gets one Client. A Client owns the SDK session
// to that server's process (stdio transport) or endpoint (HTTP transport)
// and exposes just the operations the manager needs:
//
//	Connect → ListTools/ListResources/ListPrompts → CallTool/ReadResource/GetPrompt → Close
//
// SDK types never leak out of this package. Tool, resource, and prompt
// catalogs are normalized into descriptor structs stamped with the owning
// server's ID, and call results are flattened into plain text/blob payloads.
//
// # Transports
//
// The transport is a tagged variant selected by config.TransportKind:
//
//   - stdio: the server config's command is resolved through the launch
//     package and spawned as a child process; the SDK frames JSON-RPC over
//     its stdin/stdout.
//   - http: the SDK's streamable HTTP transport connects to the configured
//     endpoint.
//
// # Notifications
//
// Servers push notifications out-of-band: progress updates, log messages,
// and resource-change signals. A Client forwards these to the
// NotificationHandlers it was constructed with; the manager republishes them
// tagged with the server's identity. Handlers run on SDK goroutines and must
// not block.
package mcp
