package mcp

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a test double for Client that doesn't spawn real processes.
// Tests preload catalogs and call results, inject failures, and inspect the
// calls the manager made.
//
// NOTE: This file is used by the manager package tests.
type MockClient struct {
	mu sync.RWMutex

	// Preloaded catalogs returned by discovery
	Tools     []ToolDescriptor
	Resources []ResourceDescriptor
	Prompts   []PromptDescriptor

	// Injected failures; nil means success
	ConnectErr  error
	DiscoverErr error
	CallErr     error

	// Canned results
	CallResult   *ToolResult
	ReadResult   []ResourceContent
	PromptResult *PromptResult

	// Recorded activity
	connected    bool
	closed       bool
	CalledTools  []string
	CalledArgs   []map[string]any
	ReadURIs     []string
	Subscribed   []string
	Unsubscribed []string

	// Handlers captured at construction so tests can fire notifications
	Handlers NotificationHandlers
}

// NewMockClient creates a mock with an empty catalog and a default success
// result for tool calls.
func NewMockClient() *MockClient {
	return &MockClient{
		Tools:      []ToolDescriptor{},
		Resources:  []ResourceDescriptor{},
		Prompts:    []PromptDescriptor{},
		CallResult: &ToolResult{Content: "ok"},
	}
}

func (m *MockClient) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

func (m *MockClient) ListTools(_ context.Context) ([]ToolDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.DiscoverErr != nil {
		return nil, m.DiscoverErr
	}
	return m.Tools, nil
}

func (m *MockClient) ListResources(_ context.Context) ([]ResourceDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.DiscoverErr != nil {
		return nil, m.DiscoverErr
	}
	return m.Resources, nil
}

func (m *MockClient) ListPrompts(_ context.Context) ([]PromptDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.DiscoverErr != nil {
		return nil, m.DiscoverErr
	}
	return m.Prompts, nil
}

func (m *MockClient) CallTool(_ context.Context, name string, args map[string]any) (*ToolResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CalledTools = append(m.CalledTools, name)
	m.CalledArgs = append(m.CalledArgs, args)
	if m.CallErr != nil {
		return nil, m.CallErr
	}
	return m.CallResult, nil
}

func (m *MockClient) ReadResource(_ context.Context, uri string) ([]ResourceContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadURIs = append(m.ReadURIs, uri)
	if m.CallErr != nil {
		return nil, m.CallErr
	}
	if m.ReadResult != nil {
		return m.ReadResult, nil
	}
	return []ResourceContent{{URI: uri, Text: "content"}}, nil
}

func (m *MockClient) GetPrompt(_ context.Context, name string, _ map[string]string) (*PromptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallErr != nil {
		return nil, m.CallErr
	}
	if m.PromptResult != nil {
		return m.PromptResult, nil
	}
	return &PromptResult{Messages: []PromptMessage{{Role: "user", Text: "prompt " + name}}}, nil
}

func (m *MockClient) SubscribeResource(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallErr != nil {
		return m.CallErr
	}
	m.Subscribed = append(m.Subscribed, uri)
	return nil
}

func (m *MockClient) UnsubscribeResource(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallErr != nil {
		return m.CallErr
	}
	m.Unsubscribed = append(m.Unsubscribed, uri)
	return nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected && m.closed {
		return fmt.Errorf("already closed")
	}
	m.connected = false
	m.closed = true
	return nil
}

// IsConnected reports whether Connect succeeded and Close hasn't been called.
func (m *MockClient) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// IsClosed reports whether Close was called.
func (m *MockClient) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCount returns how many tool calls were made.
func (m *MockClient) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.CalledTools)
}
