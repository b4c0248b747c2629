package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Session is one live, handshaken connection to a provider. Sessions are
// used for a single operation and then closed.
type Session interface {
	ListTools(ctx context.Context) ([]*Tool, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error)
	Close() error
}

// Dialer spawns a provider and performs the initialize handshake.
type Dialer interface {
	Dial(ctx context.Context, cfg *ServerConfig) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cfg *ServerConfig) (Session, error)

// Dial calls f(ctx, cfg).
func (f DialerFunc) Dial(ctx context.Context, cfg *ServerConfig) (Session, error) {
	return f(ctx, cfg)
}

// StdioDialer launches providers as child processes.
type StdioDialer struct {
	Logger     *slog.Logger
	ClientName string
	Version    string
}

// Dial starts the provider process and completes the handshake.
func (d *StdioDialer) Dial(ctx context.Context, cfg *ServerConfig) (Session, error) {
	client := NewClient(cfg, NewStdioTransport(cfg, d.Logger), d.Logger)
	if d.ClientName != "" {
		client.clientName = d.ClientName
	}
	if d.Version != "" {
		client.clientVersion = d.Version
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Client is an MCP client bound to a single provider process.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	clientName    string
	clientVersion string
	serverInfo    ServerInfo
}

// NewClient creates a client over the given transport.
func NewClient(cfg *ServerConfig, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:        cfg,
		transport:     transport,
		logger:        logger.With("mcp_server", cfg.ID),
		clientName:    "toolchat",
		clientVersion: "1.0.0",
	}
}

// Connect starts the transport and runs initialize followed by
// notifications/initialized. On failure the transport is closed.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.clientName,
			"version": c.clientVersion,
		},
	})
	if err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo
	c.logger.Debug("MCP handshake complete",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Close tears down the provider.
func (c *Client) Close() error {
	return c.transport.Close()
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) ([]*Tool, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return resp.Tools, nil
}

// CallTool calls tools/call with already-encoded arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	params := CallToolParams{
		Name:      name,
		Arguments: arguments,
	}
	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &callResult, nil
}
