package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

// mockTransport scripts provider behavior for client and session
// tests. Without a handler override it answers the standard handshake,
// tool listing, ping, and tool call methods.
type mockTransport struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	connectErr error
	handler    func(req *Request) (*Response, error)
	tools      []Tool
	callText   string
	callErr    *RPCError
	toolError  bool
	methods    []string
	notified   []string

	notifs     chan Notification
	notifsOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		notifs:   make(chan Notification, 8),
		callText: "ok",
	}
}

func (m *mockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	if m.closed {
		return ErrNotConnected
	}
	m.connected = true
	return nil
}

func (m *mockTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.methods = append(m.methods, req.Method)
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	return m.defaultHandle(req)
}

func (m *mockTransport) defaultHandle(req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch req.Method {
	case "initialize":
		return okResult(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "mock", "version": "0.1.0"},
		}), nil
	case "tools/list":
		return okResult(req.ID, map[string]any{"tools": m.tools}), nil
	case "ping":
		return okResult(req.ID, map[string]any{}), nil
	case "tools/call":
		if m.callErr != nil {
			return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: m.callErr}, nil
		}
		return okResult(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": m.callText}},
			"isError": m.toolError,
		}), nil
	default:
		return nil, fmt.Errorf("mock: unhandled method %q", req.Method)
	}
}

func (m *mockTransport) Notify(ctx context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, notif.Method)
	return nil
}

func (m *mockTransport) Notifications() <-chan Notification {
	return m.notifs
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.connected = false
	m.mu.Unlock()
	m.notifsOnce.Do(func() { close(m.notifs) })
	return nil
}

// emit delivers a server notification to the session.
func (m *mockTransport) emit(method string) {
	m.notifs <- Notification{JSONRPC: jsonrpcVersion, Method: method}
}

// lose simulates connection loss as transports signal it.
func (m *mockTransport) lose() {
	m.notifsOnce.Do(func() { close(m.notifs) })
}

func (m *mockTransport) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.methods))
	copy(out, m.methods)
	return out
}

func (m *mockTransport) setTools(tools ...Tool) {
	m.mu.Lock()
	m.tools = tools
	m.mu.Unlock()
}

func okResult(id int64, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: data}
}

func mustTool(name string) Tool {
	return Tool{Name: name, Description: name + " tool", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func testLoggerClient(t *testing.T, transport Transport) *Client {
	t.Helper()
	return NewClient(transport, nil)
}
