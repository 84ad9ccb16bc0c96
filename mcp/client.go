package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zhubert/plural-mcp/config"
	"github.com/zhubert/plural-mcp/launch"
)

const (
	clientName    = "plural-mcp"
	clientVersion = "1.0.0"
)

// Client is the narrow contract the lifecycle manager depends on.
// The production implementation wraps an SDK session; tests use MockClient.
type Client interface {
	// Connect spawns or dials the server and completes the protocol handshake.
	Connect(ctx context.Context) error

	// ListTools returns the server's tool catalog, stamped with its server ID.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// ListResources returns the server's resource catalog. Servers without
	// resource support yield an empty catalog, not an error.
	ListResources(ctx context.Context) ([]ResourceDescriptor, error)

	// ListPrompts returns the server's prompt catalog. Servers without
	// prompt support yield an empty catalog, not an error.
	ListPrompts(ctx context.Context) ([]PromptDescriptor, error)

	// CallTool invokes a tool and flattens the result.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// ReadResource reads a resource by URI.
	ReadResource(ctx context.Context, uri string) ([]ResourceContent, error)

	// GetPrompt executes a prompt with the given arguments.
	GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error)

	// SubscribeResource registers for update notifications on a resource URI.
	SubscribeResource(ctx context.Context, uri string) error

	// UnsubscribeResource cancels a resource subscription.
	UnsubscribeResource(ctx context.Context, uri string) error

	// Close tears down the session and, for stdio transports, the child process.
	Close() error
}

// Factory creates a Client for a server config. The manager takes a Factory
// so tests can inject mocks.
type Factory func(cfg config.ServerConfig, handlers NotificationHandlers, log *slog.Logger) Client

// NewClient creates the production SDK-backed client.
func NewClient(cfg config.ServerConfig, handlers NotificationHandlers, log *slog.Logger) Client {
	return &sdkClient{cfg: cfg, handlers: handlers, log: log}
}

type sdkClient struct {
	cfg      config.ServerConfig
	handlers NotificationHandlers
	log      *slog.Logger

	mu      sync.Mutex
	session *sdk.ClientSession
}

// buildTransport constructs the SDK transport for the configured kind.
func (c *sdkClient) buildTransport() (sdk.Transport, error) {
	switch c.cfg.Transport {
	case config.TransportStdio, "":
		cmd, err := launch.Cmd(c.cfg.Command, c.cfg.Args, c.cfg.Env)
		if err != nil {
			return nil, err
		}
		return &sdk.CommandTransport{Command: cmd}, nil
	case config.TransportHTTP:
		return &sdk.StreamableClientTransport{Endpoint: c.cfg.Endpoint}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.cfg.Transport)
	}
}

func (c *sdkClient) Connect(ctx context.Context) error {
	transport, err := c.buildTransport()
	if err != nil {
		return err
	}

	impl := &sdk.Implementation{Name: clientName, Version: clientVersion}
	opts := &sdk.ClientOptions{
		ProgressNotificationHandler: func(_ context.Context, req *sdk.ProgressNotificationClientRequest) {
			if c.handlers.OnProgress == nil || req.Params == nil {
				return
			}
			c.handlers.OnProgress(ProgressNotification{
				Token:    req.Params.ProgressToken,
				Progress: req.Params.Progress,
				Total:    req.Params.Total,
				Message:  req.Params.Message,
			})
		},
		LoggingMessageHandler: func(_ context.Context, req *sdk.LoggingMessageRequest) {
			if c.handlers.OnLogMessage == nil || req.Params == nil {
				return
			}
			c.handlers.OnLogMessage(LogMessage{
				Level:  string(req.Params.Level),
				Logger: req.Params.Logger,
				Data:   req.Params.Data,
			})
		},
		ToolListChangedHandler: func(_ context.Context, _ *sdk.ToolListChangedRequest) {
			if c.handlers.OnToolListChanged != nil {
				c.handlers.OnToolListChanged()
			}
		},
		PromptListChangedHandler: func(_ context.Context, _ *sdk.PromptListChangedRequest) {
			if c.handlers.OnPromptListChanged != nil {
				c.handlers.OnPromptListChanged()
			}
		},
		ResourceListChangedHandler: func(_ context.Context, _ *sdk.ResourceListChangedRequest) {
			if c.handlers.OnResourceListChanged != nil {
				c.handlers.OnResourceListChanged()
			}
		},
		ResourceUpdatedHandler: func(_ context.Context, req *sdk.ResourceUpdatedNotificationRequest) {
			if c.handlers.OnResourceUpdated == nil || req.Params == nil {
				return
			}
			c.handlers.OnResourceUpdated(req.Params.URI)
		},
	}

	client := sdk.NewClient(impl, opts)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.ID, err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.log.Debug("session established", "transport", c.cfg.Transport)
	return nil
}

// getSession returns the active session or an error if not connected.
func (c *sdkClient) getSession() (*sdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, fmt.Errorf("server %s not connected", c.cfg.ID)
	}
	return c.session, nil
}

func (c *sdkClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		if isMethodUnavailable(err) {
			return []ToolDescriptor{}, nil
		}
		return nil, err
	}

	tools := make([]ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, ToolDescriptor{
			ServerID:    c.cfg.ID,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

func (c *sdkClient) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	res, err := session.ListResources(ctx, nil)
	if err != nil {
		if isMethodUnavailable(err) {
			return []ResourceDescriptor{}, nil
		}
		return nil, err
	}

	resources := make([]ResourceDescriptor, 0, len(res.Resources))
	for _, r := range res.Resources {
		resources = append(resources, ResourceDescriptor{
			ServerID:    c.cfg.ID,
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	return resources, nil
}

func (c *sdkClient) ListPrompts(ctx context.Context) ([]PromptDescriptor, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	res, err := session.ListPrompts(ctx, nil)
	if err != nil {
		if isMethodUnavailable(err) {
			return []PromptDescriptor{}, nil
		}
		return nil, err
	}

	prompts := make([]PromptDescriptor, 0, len(res.Prompts))
	for _, p := range res.Prompts {
		desc := PromptDescriptor{
			ServerID:    c.cfg.ID,
			Name:        p.Name,
			Description: p.Description,
		}
		for _, a := range p.Arguments {
			desc.Arguments = append(desc.Arguments, PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		prompts = append(prompts, desc)
	}
	return prompts, nil
}

func (c *sdkClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	res, err := session.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return flattenToolResult(res), nil
}

func (c *sdkClient) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	res, err := session.ReadResource(ctx, &sdk.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}

	contents := make([]ResourceContent, 0, len(res.Contents))
	for _, rc := range res.Contents {
		contents = append(contents, ResourceContent{
			URI:      rc.URI,
			MIMEType: rc.MIMEType,
			Text:     rc.Text,
			Blob:     rc.Blob,
		})
	}
	return contents, nil
}

func (c *sdkClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	res, err := session.GetPrompt(ctx, &sdk.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	result := &PromptResult{Description: res.Description}
	for _, m := range res.Messages {
		result.Messages = append(result.Messages, PromptMessage{
			Role: string(m.Role),
			Text: contentText(m.Content),
		})
	}
	return result, nil
}

func (c *sdkClient) SubscribeResource(ctx context.Context, uri string) error {
	session, err := c.getSession()
	if err != nil {
		return err
	}
	return session.Subscribe(ctx, &sdk.SubscribeParams{URI: uri})
}

func (c *sdkClient) UnsubscribeResource(ctx context.Context, uri string) error {
	session, err := c.getSession()
	if err != nil {
		return err
	}
	return session.Unsubscribe(ctx, &sdk.UnsubscribeParams{URI: uri})
}

func (c *sdkClient) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

// flattenToolResult joins the text content blocks of an SDK result.
func flattenToolResult(res *sdk.CallToolResult) *ToolResult {
	var parts []string
	for _, content := range res.Content {
		if text := contentText(content); text != "" {
			parts = append(parts, text)
		}
	}
	return &ToolResult{
		Content: strings.Join(parts, "\n"),
		IsError: res.IsError,
	}
}

// contentText extracts the text from an SDK content block, or "" for
// non-text content.
func contentText(content sdk.Content) string {
	if tc, ok := content.(*sdk.TextContent); ok {
		return tc.Text
	}
	return ""
}

// isMethodUnavailable reports whether an error means the server simply
// doesn't implement an optional catalog method. Those servers contribute an
// empty catalog rather than failing discovery.
func isMethodUnavailable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "not implemented") ||
		strings.Contains(msg, "does not support") ||
		strings.Contains(msg, "unsupported")
}
