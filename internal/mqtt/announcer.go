// Package mqtt announces provider session state over MQTT so desktop
// dashboards and home automation can observe connection health without
// polling the status API.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/events"
)

// Announcer bridges the internal event bus to an MQTT broker. It
// publishes an availability topic with a will message, per-provider
// session state, and catalog summaries.
type Announcer struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates an Announcer but does not connect. Call [Announcer.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{cfg: cfg, bus: bus, logger: logger}
}

// Start connects to the broker and begins relaying bus events in the
// background until ctx is cancelled. It returns as soon as the
// connection manager is running; broker outages are retried in the
// background, and events published while disconnected are dropped.
func (a *Announcer) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(a.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := a.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: a.cfg.Username,
		ConnectPassword: []byte(a.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqtt connected to broker", "broker", a.cfg.Broker)
			a.publish(ctx, cm, availTopic, []byte("online"), true)
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "groq-mcpd-" + a.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	a.cm = cm

	go func() {
		connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
		defer connCancel()
		if err := cm.AwaitConnection(connCtx); err != nil {
			// autopaho keeps retrying in the background.
			a.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
		}
		a.relayLoop(ctx)
	}()
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (a *Announcer) Stop(ctx context.Context) error {
	if a.cm == nil {
		return nil
	}
	a.publish(ctx, a.cm, a.availabilityTopic(), []byte("offline"), true)
	return a.cm.Disconnect(ctx)
}

// relayLoop consumes bus events and maps them onto topics.
func (a *Announcer) relayLoop(ctx context.Context) {
	ch := a.bus.Subscribe(64)
	defer a.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.relay(ctx, ev)
		}
	}
}

func (a *Announcer) relay(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindSessionState:
		provider, _ := ev.Data["provider"].(string)
		if provider == "" {
			return
		}
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		a.publish(ctx, a.cm, a.providerTopic(provider), payload, true)
	case events.KindCatalogUpdated:
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		a.publish(ctx, a.cm, a.catalogTopic(), payload, true)
	case events.KindToolDone:
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		// Not retained: these are moments, not state.
		a.publish(ctx, a.cm, a.lastCallTopic(), payload, false)
	}
}

func (a *Announcer) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, retain bool) {
	if cm == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (a *Announcer) baseTopic() string {
	return "groq-mcp/" + a.cfg.DeviceName
}

func (a *Announcer) availabilityTopic() string {
	return a.baseTopic() + "/availability"
}

func (a *Announcer) providerTopic(provider string) string {
	return a.baseTopic() + "/provider/" + provider + "/state"
}

func (a *Announcer) catalogTopic() string {
	return a.baseTopic() + "/catalog"
}

func (a *Announcer) lastCallTopic() string {
	return a.baseTopic() + "/last_call"
}
