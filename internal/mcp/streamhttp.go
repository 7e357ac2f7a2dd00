package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/httpkit"
)

const sessionIDHeader = "Mcp-Session-Id"

// streamableTransport reaches a provider over single-endpoint HTTP:
// every request is a POST whose response body is either a plain JSON
// reply or a short event stream carrying notifications followed by the
// reply. A session id issued by the provider is echoed on every later
// request. An optional standalone GET stream carries server-initiated
// notifications between calls; providers that do not offer one reject
// the GET and the transport carries on without it.
type streamableTransport struct {
	cfg    config.ProviderConfig
	logger *slog.Logger
	token  TokenFunc

	client       *http.Client
	streamClient *http.Client

	notifs chan Notification

	mu         sync.Mutex
	sessionID  string
	authHeader string
	cancel     context.CancelFunc
	connected  bool
	closed     bool

	notifsOnce sync.Once
}

var _ Transport = (*streamableTransport)(nil)

func newStreamableTransport(cfg config.ProviderConfig, opts TransportOptions) (*streamableTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: streamable-http transport requires url", ErrInvalidConfig)
	}
	return &streamableTransport{
		cfg:    cfg,
		logger: opts.Logger,
		token:  opts.Token,
		client: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(opts.Logger),
		),
		streamClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(opts.Logger)),
		notifs:       make(chan Notification, notificationBuffer),
	}, nil
}

// Connect obtains a fresh token and probes for a standalone
// notification stream. There is no connection to hold open otherwise;
// the first POST does the protocol handshake.
func (t *streamableTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	auth := ""
	if t.token != nil {
		tok, err := t.token(ctx)
		if err != nil {
			return fmt.Errorf("%w: obtain token: %v", ErrConnect, err)
		}
		auth = "Bearer " + tok
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.authHeader = auth
	t.sessionID = ""
	t.cancel = cancel
	t.connected = true
	t.mu.Unlock()

	go t.openStandaloneStream(streamCtx)
	return nil
}

// openStandaloneStream attempts the optional GET notification stream.
// 405 or 404 means the provider only speaks over POST bodies.
func (t *streamableTransport) openStandaloneStream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req)

	resp, err := t.streamClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Debug("standalone notification stream unavailable", "error", err)
		}
		return
	}
	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		t.logger.Debug("provider declined standalone notification stream", "status", resp.StatusCode)
		return
	}
	defer resp.Body.Close()

	reader := newSSEReader(resp.Body)
	for {
		ev, err := reader.next()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Debug("standalone notification stream ended", "error", err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
			t.logger.Warn("malformed frame on notification stream", "error", err)
			continue
		}
		if msg.isNotification() {
			t.deliverNotification(msg.notification())
		}
	}
}

// Send POSTs the request and decodes the reply from either a JSON body
// or an event-stream body. Notifications framed into a stream body are
// forwarded; the response matching the request id completes the call.
func (t *streamableTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil, fmt.Errorf("%w: provider accepted request without a response", ErrProtocol)
	default:
		body := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, body)
	}

	contentType := httpResp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		data, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: unmarshal response: %v", ErrProtocol, err)
		}
		return &resp, nil
	case strings.HasPrefix(contentType, "text/event-stream"):
		return t.readStreamedResponse(ctx, httpResp.Body, req.ID)
	default:
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrProtocol, contentType)
	}
}

// readStreamedResponse walks an event-stream response body until the
// frame answering id arrives. Interleaved notifications are forwarded.
func (t *streamableTransport) readStreamedResponse(ctx context.Context, body io.Reader, id int64) (*Response, error) {
	reader := newSSEReader(body)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := reader.next()
		if err != nil {
			return nil, fmt.Errorf("%w: stream ended before response: %v", ErrProtocol, err)
		}
		if ev.data == "" {
			continue
		}
		var msg inbound
		if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
			return nil, fmt.Errorf("%w: unmarshal streamed frame: %v", ErrProtocol, err)
		}
		switch {
		case msg.isResponse():
			resp := msg.response()
			if resp.ID != id {
				t.logger.Debug("discarding streamed response with unexpected id", "got", resp.ID, "want", id)
				continue
			}
			return resp, nil
		case msg.isNotification():
			t.deliverNotification(msg.notification())
		}
	}
}

// Notify POSTs a notification; 202 is the expected reply.
func (t *streamableTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 4096)

	t.captureSession(httpResp)
	if httpResp.StatusCode != http.StatusAccepted && httpResp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, body)
	}
	return nil
}

func (t *streamableTransport) post(ctx context.Context, payload any) (*http.Response, error) {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(req)

	return t.client.Do(req)
}

// captureSession records the provider-issued session id for replay.
func (t *streamableTransport) captureSession(resp *http.Response) {
	id := resp.Header.Get(sessionIDHeader)
	if id == "" {
		return
	}
	t.mu.Lock()
	if t.sessionID != id {
		t.sessionID = id
		t.logger.Debug("provider issued session id", "session_id", id)
	}
	t.mu.Unlock()
}

func (t *streamableTransport) applyHeaders(req *http.Request) {
	t.mu.Lock()
	auth := t.authHeader
	session := t.sessionID
	t.mu.Unlock()

	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if session != "" {
		req.Header.Set(sessionIDHeader, session)
	}
}

func (t *streamableTransport) deliverNotification(notif *Notification) {
	select {
	case t.notifs <- *notif:
	default:
		t.logger.Warn("dropping provider notification, buffer full", "method", notif.Method)
	}
}

// Notifications returns the unsolicited server message stream.
func (t *streamableTransport) Notifications() <-chan Notification {
	return t.notifs
}

// Close stops the standalone stream and rejects further use. Idempotent.
func (t *streamableTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.closeNotifs()
	return nil
}

func (t *streamableTransport) closeNotifs() {
	t.notifsOnce.Do(func() { close(t.notifs) })
}
