package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestClientInitialize_Handshake(t *testing.T) {
	transport := newMockTransport()
	client := testLoggerClient(t, transport)

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	methods := transport.sentMethods()
	if len(methods) != 1 || methods[0] != "initialize" {
		t.Errorf("sent methods = %v, want [initialize]", methods)
	}
	if got := transport.notified; len(got) != 1 || got[0] != "notifications/initialized" {
		t.Errorf("notifications = %v, want [notifications/initialized]", got)
	}
	if got := client.ServerInfo().Name; got != "mock" {
		t.Errorf("server name = %q, want %q", got, "mock")
	}
}

func TestClientInitialize_ConnectError(t *testing.T) {
	transport := newMockTransport()
	transport.connectErr = fmt.Errorf("%w: refused", ErrConnect)
	client := testLoggerClient(t, transport)

	err := client.Initialize(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Errorf("Initialize error = %v, want ErrConnect", err)
	}
}

func TestClientListTools(t *testing.T) {
	transport := newMockTransport()
	transport.setTools(mustTool("search"), mustTool("fetch"))
	client := testLoggerClient(t, transport)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "search" || tools[1].Name != "fetch" {
		t.Errorf("tool names = %q, %q", tools[0].Name, tools[1].Name)
	}
}

func TestClientListTools_Pagination(t *testing.T) {
	transport := newMockTransport()
	page := 0
	transport.handler = func(req *Request) (*Response, error) {
		if req.Method != "tools/list" {
			return transport.defaultHandle(req)
		}
		page++
		switch page {
		case 1:
			return okResult(req.ID, map[string]any{
				"tools":      []Tool{mustTool("a")},
				"nextCursor": "page2",
			}), nil
		case 2:
			params, ok := req.Params.(map[string]any)
			if !ok || params["cursor"] != "page2" {
				t.Errorf("second page params = %v, want cursor page2", req.Params)
			}
			return okResult(req.ID, map[string]any{"tools": []Tool{mustTool("b")}}), nil
		default:
			t.Fatalf("unexpected page %d", page)
			return nil, nil
		}
	}
	client := testLoggerClient(t, transport)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools across pages, want 2", len(tools))
	}
	if tools[0].Name != "a" || tools[1].Name != "b" {
		t.Errorf("tool names = %q, %q", tools[0].Name, tools[1].Name)
	}
}

func TestClientCallTool(t *testing.T) {
	transport := newMockTransport()
	transport.callText = "the answer"
	client := testLoggerClient(t, transport)

	res, err := client.CallTool(context.Background(), "search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := res.Text(); got != "the answer" {
		t.Errorf("result text = %q, want %q", got, "the answer")
	}
	if res.IsError {
		t.Error("IsError = true, want false")
	}
}

func TestClientCallTool_RPCError(t *testing.T) {
	transport := newMockTransport()
	transport.callErr = &RPCError{Code: -32602, Message: "bad arguments"}
	client := testLoggerClient(t, transport)

	_, err := client.CallTool(context.Background(), "search", nil)
	if !errors.Is(err, ErrProvider) {
		t.Errorf("CallTool error = %v, want ErrProvider", err)
	}
}

func TestCallResult_TextMixedContent(t *testing.T) {
	res := &CallResult{Content: []ContentBlock{
		{Type: "text", Text: "line one"},
		{Type: "image", MimeType: "image/png", Data: "aGk="},
		{Type: "text", Text: "line two"},
	}}
	got := res.Text()
	want := "line one\n[image: image/png, 4 bytes base64]\nline two"
	if got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestClientRequestIDsMonotonic(t *testing.T) {
	transport := newMockTransport()
	var ids []int64
	transport.handler = func(req *Request) (*Response, error) {
		ids = append(ids, req.ID)
		return transport.defaultHandle(req)
	}
	client := testLoggerClient(t, transport)

	for range 3 {
		if err := client.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestInboundClassification(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		isResponse bool
		isNotif    bool
	}{
		{"response", `{"jsonrpc":"2.0","id":3,"result":{}}`, true, false},
		{"error response", `{"jsonrpc":"2.0","id":3,"error":{"code":-1,"message":"x"}}`, true, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, false, true},
		{"server request", `{"jsonrpc":"2.0","id":9,"method":"sampling/createMessage"}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg inbound
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.isResponse(); got != tt.isResponse {
				t.Errorf("isResponse = %v, want %v", got, tt.isResponse)
			}
			if got := msg.isNotification(); got != tt.isNotif {
				t.Errorf("isNotification = %v, want %v", got, tt.isNotif)
			}
		})
	}
}
