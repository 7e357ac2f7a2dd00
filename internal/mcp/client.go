package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/mikeschlottig/groq-desktop-beta/internal/buildinfo"
)

// protocolVersion is the protocol revision offered during the
// handshake. Servers negotiating an older revision are accepted as
// long as they answer the initialize request at all.
const protocolVersion = "2024-11-05"

// Tool describes one callable tool as reported by a provider.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerInfo identifies the provider implementation behind a session.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ContentBlock is one element of a tool result. Only text blocks are
// rendered back to the model; other kinds are summarized.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the outcome of a tool invocation. IsError marks
// tool-level failures the provider reported inside the result rather
// than as a protocol error.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text flattens the result content into one string. Non-text blocks
// are represented by a bracketed placeholder so the model knows
// something was elided.
func (r *CallResult) Text() string {
	var parts []string
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[image: %s, %d bytes base64]", block.MimeType, len(block.Data)))
		case "resource":
			parts = append(parts, "[embedded resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s content]", block.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// Client speaks the tool protocol over a Transport. Request ids are
// allocated from a monotonic counter and never reused for the life of
// the client, so a late reply can never be mistaken for a newer call.
type Client struct {
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	server ServerInfo
}

// NewClient wraps an already-constructed transport.
func NewClient(transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: transport, logger: logger}
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// Initialize connects the transport and performs the protocol
// handshake. It must complete before any other method is used.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	var result initializeResult
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "groq-desktop", Version: buildinfo.Version},
	}
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("%w: initialize: %v", ErrConnect, err)
	}
	c.server = result.ServerInfo

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("%w: initialized notification: %v", ErrConnect, err)
	}

	c.logger.Debug("handshake complete",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// ServerInfo reports the identity the provider declared at handshake.
func (c *Client) ServerInfo() ServerInfo {
	return c.server
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListTools fetches the provider's full tool list, following
// pagination cursors until exhausted.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var result listToolsResult
		if err := c.call(ctx, "tools/list", params, &result); err != nil {
			return nil, err
		}
		all = append(all, result.Tools...)
		if result.NextCursor == "" {
			return all, nil
		}
		cursor = result.NextCursor
	}
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallTool invokes one tool. A tool-level failure is reported through
// CallResult.IsError, not as a Go error; protocol-level failures wrap
// ErrProvider.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var result CallResult
	if err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping verifies the provider is still answering.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", map[string]any{}, nil)
}

// Notifications exposes the transport's unsolicited message stream.
// The channel closes when the underlying connection is lost.
func (c *Client) Notifications() <-chan Notification {
	return c.transport.Notifications()
}

// Close shuts down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	req := NewRequest(c.nextID.Add(1), method, params)
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%w: %s: %v", ErrProvider, method, resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%w: decode %s result: %v", ErrProtocol, method, err)
		}
	}
	return nil
}
