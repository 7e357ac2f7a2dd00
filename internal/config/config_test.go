package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: files
    command: mcp-files
  - name: search
    transport: sse
    url: https://search.example.com/sse
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if got := len(cfg.Providers); got != 2 {
		t.Fatalf("len(Providers) = %d, want 2", got)
	}
	if got := cfg.Providers[0].Transport; got != TransportStdio {
		t.Errorf("Providers[0].Transport = %q, want stdio (inferred from command)", got)
	}
	if got := cfg.Providers[1].Transport; got != TransportSSE {
		t.Errorf("Providers[1].Transport = %q, want sse", got)
	}
	if cfg.Listen.Port != 8450 {
		t.Errorf("Listen.Port = %d, want default 8450", cfg.Listen.Port)
	}
	if cfg.Listen.Address != "127.0.0.1" {
		t.Errorf("Listen.Address = %q, want default 127.0.0.1", cfg.Listen.Address)
	}
	if cfg.Router.MaxOutputBytes != 8192 {
		t.Errorf("Router.MaxOutputBytes = %d, want default 8192", cfg.Router.MaxOutputBytes)
	}
	if cfg.Backoff.MaxRetries != 5 {
		t.Errorf("Backoff.MaxRetries = %d, want default 5", cfg.Backoff.MaxRetries)
	}
	if cfg.Backoff.HeartbeatSec != 30 {
		t.Errorf("Backoff.HeartbeatSec = %d, want default 30", cfg.Backoff.HeartbeatSec)
	}
}

func TestLoad_InferredHTTPTransport(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: remote
    url: https://tools.example.com/mcp
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if got := cfg.Providers[0].Transport; got != TransportStreamableHTTP {
		t.Errorf("Transport = %q, want streamable-http (inferred from url)", got)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "providers:\n  - command: foo\n",
			want: "name is required",
		},
		{
			name: "duplicate name",
			yaml: "providers:\n  - name: a\n    command: foo\n  - name: a\n    command: bar\n",
			want: "duplicate provider name",
		},
		{
			name: "stdio without command",
			yaml: "providers:\n  - name: a\n    transport: stdio\n",
			want: "requires command",
		},
		{
			name: "sse without url",
			yaml: "providers:\n  - name: a\n    transport: sse\n",
			want: "requires url",
		},
		{
			name: "unknown transport",
			yaml: "providers:\n  - name: a\n    transport: carrier-pigeon\n",
			want: "unknown transport",
		},
		{
			name: "oauth missing fields",
			yaml: "providers:\n  - name: a\n    url: https://x\n    oauth:\n      client_id: abc\n",
			want: "oauth requires",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() = nil error, want validation failure")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestProviderConfig_Equal(t *testing.T) {
	base := ProviderConfig{
		Name:      "files",
		Transport: TransportStdio,
		Command:   "mcp-files",
		Args:      []string{"--root", "/tmp"},
		Env:       map[string]string{"DEBUG": "1"},
	}

	same := base
	same.Args = []string{"--root", "/tmp"}
	same.Env = map[string]string{"DEBUG": "1"}
	if !base.Equal(same) {
		t.Error("Equal() = false for identical configs")
	}

	changed := base
	changed.Args = []string{"--root", "/var"}
	if base.Equal(changed) {
		t.Error("Equal() = true despite differing args")
	}

	disabled := base
	disabled.Disabled = true
	if base.Equal(disabled) {
		t.Error("Equal() = true despite differing disabled flag")
	}

	withAuth := base
	withAuth.OAuth = &OAuthConfig{ClientID: "id", AuthURL: "a", TokenURL: "t"}
	if base.Equal(withAuth) {
		t.Error("Equal() = true despite one side having oauth")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
