package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
)

// TokenFunc supplies a fresh bearer token for an authenticated provider.
// Transports call it before each (re)connection attempt rather than
// assuming a previously cached token is still valid.
type TokenFunc func(ctx context.Context) (string, error)

// Transport is a duplex message channel to one MCP provider. All three
// kinds expose identical semantics upward: a correlated request/response
// call and a stream of unsolicited server notifications.
//
// Responses may arrive in any order relative to the requests that
// produced them; correlation is by id only.
type Transport interface {
	// Connect establishes the connection. It blocks until the transport
	// can carry requests or ctx is cancelled; cancellation releases the
	// underlying resource (kills the subprocess, aborts the HTTP
	// request) rather than leaking it.
	Connect(ctx context.Context) error

	// Send delivers a request and waits for the correlated response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Notifications returns the unsolicited server message stream. The
	// channel is closed when the connection is lost or Close is called;
	// sessions treat the close as loss of liveness.
	Notifications() <-chan Notification

	// Close tears down the connection and releases resources.
	Close() error
}

// TransportOptions carries cross-cutting dependencies into transport
// constructors.
type TransportOptions struct {
	// Logger for transport diagnostics. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Token supplies a bearer token for authenticated HTTP providers.
	// Ignored by the stdio transport. Optional.
	Token TokenFunc
}

// notificationBuffer is the per-transport buffer for unsolicited server
// messages. Sessions drain the channel promptly; overflow is dropped
// with a log line rather than stalling the read loop.
const notificationBuffer = 32

// NewTransport creates a Transport for the given provider config based
// on its transport kind. Returns ErrInvalidConfig for configs that are
// not valid for their kind.
func NewTransport(cfg config.ProviderConfig, opts TransportOptions) (Transport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("provider", cfg.Name)

	switch cfg.Transport {
	case config.TransportStdio:
		return newStdioTransport(cfg, opts)
	case config.TransportSSE:
		return newSSETransport(cfg, opts)
	case config.TransportStreamableHTTP:
		return newStreamableTransport(cfg, opts)
	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", ErrInvalidConfig, cfg.Transport)
	}
}
