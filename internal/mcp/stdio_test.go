package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
)

// TestStdioHelperProcess is not a real test: it is re-executed as the
// provider subprocess by the stdio transport tests below.
func TestStdioHelperProcess(t *testing.T) {
	if os.Getenv("STDIO_HELPER") != "1" {
		t.Skip("helper process, driven by TestStdioTransport_EndToEnd")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	out := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			continue
		}

		result := map[string]any{}
		switch msg.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "helper", "version": "0.0.1"},
			}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{{"name": "echo"}}}
		case "tools/call":
			var p struct {
				Arguments map[string]any `json:"arguments"`
			}
			json.Unmarshal(msg.Params, &p)
			text, _ := p.Arguments["msg"].(string)
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
		}
		out.Encode(map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": result})
	}
	os.Exit(0)
}

func helperConfig() config.ProviderConfig {
	return config.ProviderConfig{
		Name:      "local",
		Transport: config.TransportStdio,
		Command:   os.Args[0],
		Args:      []string{"-test.run=TestStdioHelperProcess", "--"},
		Env:       map[string]string{"STDIO_HELPER": "1"},
	}
}

func TestStdioTransport_EndToEnd(t *testing.T) {
	transport, err := NewTransport(helperConfig(), TransportOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := NewClient(transport, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := client.ServerInfo().Name; got != "helper" {
		t.Errorf("server name = %q", got)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools)
	}

	res, err := client.CallTool(ctx, "echo", map[string]any{"msg": "round trip"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := res.Text(); got != "round trip" {
		t.Errorf("echo result = %q", got)
	}
}

func TestStdioTransport_SendAfterClose(t *testing.T) {
	transport, err := NewTransport(helperConfig(), TransportOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = transport.Send(ctx, NewRequest(1, "ping", map[string]any{}))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after close = %v, want ErrNotConnected", err)
	}
}

func TestStdioTransport_NotificationsCloseOnExit(t *testing.T) {
	transport, err := NewTransport(helperConfig(), TransportOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Closing tears down the subprocess; the notification channel
	// closing is the liveness signal sessions rely on.
	transport.Close()
	select {
	case _, ok := <-transport.Notifications():
		if ok {
			t.Error("unexpected notification during shutdown")
		}
	case <-time.After(5 * time.Second):
		t.Error("notification channel never closed after Close")
	}
}

func TestStdioTransport_SpawnFailure(t *testing.T) {
	cfg := config.ProviderConfig{
		Name:      "missing",
		Transport: config.TransportStdio,
		Command:   "definitely-not-a-real-binary-name",
	}
	transport, err := NewTransport(cfg, TransportOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err == nil {
		transport.Close()
		t.Fatal("Connect succeeded for a nonexistent command")
	}
}
