package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
)

func TestSSEReader(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"event: endpoint",
		"data: /messages",
		"",
		"event: message",
		"data: {\"a\":1,",
		"data: \"b\":2}",
		"",
		"data: bare",
		"",
	}, "\n")

	r := newSSEReader(strings.NewReader(stream))

	ev, err := r.next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if ev.name != "endpoint" || ev.data != "/messages" {
		t.Errorf("first event = %+v", ev)
	}

	ev, err = r.next()
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if ev.name != "message" {
		t.Errorf("second event name = %q", ev.name)
	}
	// Multi-line data fields join with newlines.
	if ev.data != "{\"a\":1,\n\"b\":2}" {
		t.Errorf("second event data = %q", ev.data)
	}

	// The last event has no blank-line terminator; it still arrives
	// before EOF.
	ev, err = r.next()
	if err != nil {
		t.Fatalf("third event: %v", err)
	}
	if ev.name != "" || ev.data != "bare" {
		t.Errorf("third event = %+v", ev)
	}

	if _, err = r.next(); err != io.EOF {
		t.Errorf("after last event err = %v, want io.EOF", err)
	}
}

// sseTestServer speaks the server-push protocol: all replies travel
// over the GET stream, POSTs are acknowledged with 202.
func sseTestServer(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	respCh := make(chan []byte, 16)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case frame := <-respCh:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var msg inbound
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if msg.ID != nil {
			frame, _ := json.Marshal(testAnswer(*msg.ID, msg.Method))
			respCh <- frame
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testAnswer(id int64, method string) map[string]any {
	result := map[string]any{}
	switch method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "sse-server", "version": "0.1.0"},
		}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{{"name": "lookup"}}}
	case "tools/call":
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": "answered"}}}
	}
	return map[string]any{"jsonrpc": jsonrpcVersion, "id": id, "result": result}
}

func TestSSETransport_EndToEnd(t *testing.T) {
	srv := sseTestServer(t, "")

	cfg := config.ProviderConfig{Name: "remote", Transport: config.TransportSSE, URL: srv.URL + "/sse"}
	transport, err := NewTransport(cfg, TransportOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := NewClient(transport, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := client.ServerInfo().Name; got != "sse-server" {
		t.Errorf("server name = %q", got)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "lookup" {
		t.Errorf("tools = %+v", tools)
	}

	res, err := client.CallTool(ctx, "lookup", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := res.Text(); got != "answered" {
		t.Errorf("call result = %q", got)
	}
}

func TestSSETransport_BearerToken(t *testing.T) {
	srv := sseTestServer(t, "Bearer sesame")

	cfg := config.ProviderConfig{Name: "remote", Transport: config.TransportSSE, URL: srv.URL + "/sse"}
	transport, err := NewTransport(cfg, TransportOptions{
		Token: func(ctx context.Context) (string, error) { return "sesame", nil },
	})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := NewClient(transport, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize with token: %v", err)
	}
}

func TestSSETransport_ConnectRejected(t *testing.T) {
	srv := sseTestServer(t, "Bearer sesame")

	cfg := config.ProviderConfig{Name: "remote", Transport: config.TransportSSE, URL: srv.URL + "/sse"}
	transport, err := NewTransport(cfg, TransportOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded without credentials")
	}
}

func TestSSETransport_ResolveRelativeEndpoint(t *testing.T) {
	tr := &sseTransport{cfg: config.ProviderConfig{URL: "https://mcp.example.com/v1/sse"}}

	tests := []struct{ raw, want string }{
		{"/messages?session=9", "https://mcp.example.com/messages?session=9"},
		{"messages", "https://mcp.example.com/v1/messages"},
		{"https://other.example.com/m", "https://other.example.com/m"},
	}
	for _, tt := range tests {
		got, err := tr.resolveEndpoint(tt.raw)
		if err != nil {
			t.Errorf("resolveEndpoint(%q): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("resolveEndpoint(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
