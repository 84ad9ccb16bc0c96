package mcp

// Descriptor types are produced fresh on every successful discovery and
// treated as replaceable snapshots, never patched in place.

// ToolDescriptor describes one tool offered by a server.
type ToolDescriptor struct {
	ServerID    string `json:"serverId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"` // JSON schema for the tool's arguments
}

// ResourceDescriptor describes one resource offered by a server.
type ResourceDescriptor struct {
	ServerID    string `json:"serverId"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// PromptDescriptor describes one prompt offered by a server.
type PromptDescriptor struct {
	ServerID    string           `json:"serverId"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolResult is the flattened outcome of a tool call. Text content blocks
// are joined; non-text content is dropped.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// ResourceContent is one content block from a resource read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// PromptMessage is one message from an executed prompt.
type PromptMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// PromptResult is the outcome of executing a prompt.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ProgressNotification reports progress on a long-running server operation.
type ProgressNotification struct {
	Token    any     `json:"token,omitempty"`
	Progress float64 `json:"progress"`
	Total    float64 `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// LogMessage is a log line pushed by a server.
type LogMessage struct {
	Level  string `json:"level"`
	Logger string `json:"logger,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// NotificationHandlers receives out-of-band events from a connected server.
// Any handler may be nil. Handlers run on SDK goroutines and must not block.
type NotificationHandlers struct {
	OnProgress            func(ProgressNotification)
	OnLogMessage          func(LogMessage)
	OnToolListChanged     func()
	OnPromptListChanged   func()
	OnResourceListChanged func()
	OnResourceUpdated     func(uri string)
}
