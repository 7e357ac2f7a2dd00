package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/events"
)

func testAnnouncer() *Announcer {
	cfg := config.MQTTConfig{
		Enabled:    true,
		Broker:     "mqtt://broker.local:1883",
		DeviceName: "workstation",
	}
	return New(cfg, events.New(), nil)
}

func TestTopics(t *testing.T) {
	a := testAnnouncer()

	tests := []struct {
		got, want string
	}{
		{a.availabilityTopic(), "groq-mcp/workstation/availability"},
		{a.providerTopic("github"), "groq-mcp/workstation/provider/github/state"},
		{a.catalogTopic(), "groq-mcp/workstation/catalog"},
		{a.lastCallTopic(), "groq-mcp/workstation/last_call"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestRelayBeforeConnectIsSafe(t *testing.T) {
	a := testAnnouncer()

	// No connection manager yet; relaying must be a no-op, not a panic.
	a.relay(context.Background(), events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSupervisor,
		Kind:      events.KindSessionState,
		Data:      map[string]any{"provider": "github", "state": "ready"},
	})
	a.relay(context.Background(), events.Event{
		Kind: events.KindCatalogUpdated,
		Data: map[string]any{"tools": 3},
	})
}

func TestStopBeforeStart(t *testing.T) {
	a := testAnnouncer()
	if err := a.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestStartReturnsWhileBrokerUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.MQTTConfig{
		Enabled:    true,
		Broker:     "mqtt://127.0.0.1:1",
		DeviceName: "workstation",
	}
	a := New(cfg, events.New(), nil)

	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	// The connect retries happen in the background; Start must not
	// block the caller on an unreachable broker.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return while broker is unreachable")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}

func TestStartRejectsBadBrokerURL(t *testing.T) {
	cfg := config.MQTTConfig{Broker: "://not-a-url", DeviceName: "x"}
	a := New(cfg, events.New(), nil)
	if err := a.Start(context.Background()); err == nil {
		t.Error("Start accepted malformed broker URL")
	}
}
