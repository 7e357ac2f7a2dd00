package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/httpkit"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// sseReader incrementally parses an SSE stream. Events are separated by
// blank lines; comment lines (leading colon) are heartbeats and are
// skipped.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 10<<20) // providers send large tool results
	return &sseReader{scanner: s}
}

// next returns the next complete event, or io.EOF when the stream ends.
func (r *sseReader) next() (*sseEvent, error) {
	var ev sseEvent
	var dataLines []string
	seen := false

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if seen {
				ev.data = strings.Join(dataLines, "\n")
				return &ev, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			seen = true
		}
		// Other fields (id:, retry:) are ignored.
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if seen {
		// The stream ended without a trailing blank line; deliver the
		// pending event before reporting EOF.
		ev.data = strings.Join(dataLines, "\n")
		return &ev, nil
	}
	return nil, io.EOF
}

// sseTransport reaches a provider over the server-push transport: a
// long-lived GET event stream carries all inbound messages, and each
// outbound request is a short POST to the message endpoint the stream
// announces. Responses are correlated to POSTed requests by id.
type sseTransport struct {
	cfg    config.ProviderConfig
	logger *slog.Logger
	token  TokenFunc

	streamClient *http.Client
	postClient   *http.Client

	pending *pendingCalls
	notifs  chan Notification

	mu         sync.Mutex
	endpoint   string
	authHeader string
	cancel     context.CancelFunc
	connected  bool
	closed     bool

	notifsOnce sync.Once
}

var _ Transport = (*sseTransport)(nil)

func newSSETransport(cfg config.ProviderConfig, opts TransportOptions) (*sseTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: sse transport requires url", ErrInvalidConfig)
	}
	return &sseTransport{
		cfg:    cfg,
		logger: opts.Logger,
		token:  opts.Token,
		// The stream stays open indefinitely; only POSTs get the
		// default timeout treatment via per-call contexts.
		streamClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(opts.Logger)),
		postClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(opts.Logger),
		),
		pending: newPendingCalls(opts.Logger),
		notifs:  make(chan Notification, notificationBuffer),
	}, nil
}

// Connect opens the event stream and waits for the provider to announce
// its message endpoint. A fresh token is requested on every attempt.
func (t *sseTransport) Connect(ctx context.Context) error {
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

	auth, err := t.freshAuth(ctx)
	if err != nil {
		return fmt.Errorf("%w: obtain token: %v", ErrConnect, err)
	}

	// The stream outlives the connect context; cancellation during the
	// handshake is handled by the select below.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req, auth)

	resp, err := t.streamClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: open event stream: %v", ErrConnect, err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		return fmt.Errorf("%w: event stream returned %d: %s", ErrConnect, resp.StatusCode, body)
	}

	endpointCh := make(chan string, 1)
	go t.readLoop(resp.Body, endpointCh)

	select {
	case <-ctx.Done():
		// Cancelling the stream context unblocks the read loop, which
		// owns and closes the body.
		cancel()
		return fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
	case endpoint, ok := <-endpointCh:
		if !ok {
			cancel()
			return fmt.Errorf("%w: stream closed before endpoint event", ErrConnect)
		}
		t.mu.Lock()
		t.endpoint = endpoint
		t.authHeader = auth
		t.cancel = cancel
		t.connected = true
		t.mu.Unlock()
		t.logger.Debug("sse message endpoint announced", "endpoint", endpoint)
		return nil
	}
}

// readLoop consumes the event stream: the first endpoint event is
// reported to Connect, message events are dispatched by id, and stream
// loss fails all waiters and closes the notification channel.
func (t *sseTransport) readLoop(body io.ReadCloser, endpointCh chan<- string) {
	defer body.Close()
	defer close(endpointCh)

	reader := newSSEReader(body)
	for {
		ev, err := reader.next()
		if err != nil {
			t.teardown(fmt.Errorf("%w: event stream closed: %v", ErrNotConnected, err))
			return
		}

		switch ev.name {
		case "endpoint":
			resolved, err := t.resolveEndpoint(ev.data)
			if err != nil {
				t.logger.Warn("invalid endpoint event from provider", "data", ev.data, "error", err)
				t.teardown(fmt.Errorf("%w: bad endpoint event: %v", ErrProtocol, err))
				return
			}
			select {
			case endpointCh <- resolved:
			default:
			}
		case "message", "":
			var msg inbound
			if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
				t.logger.Warn("malformed frame from provider, tearing down", "error", err)
				t.teardown(fmt.Errorf("%w: %v", ErrProtocol, err))
				return
			}
			t.dispatch(&msg)
		default:
			t.logger.Debug("ignoring unknown sse event", "event", ev.name)
		}
	}
}

func (t *sseTransport) dispatch(msg *inbound) {
	switch {
	case msg.isResponse():
		t.pending.resolve(msg.response())
	case msg.isNotification():
		select {
		case t.notifs <- *msg.notification():
		default:
			t.logger.Warn("dropping provider notification, buffer full", "method", msg.Method)
		}
	default:
		t.logger.Debug("ignoring unsupported provider request", "method", msg.Method)
	}
}

// resolveEndpoint resolves the announced message URL, which may be
// relative, against the stream URL.
func (t *sseTransport) resolveEndpoint(raw string) (string, error) {
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Send POSTs the request to the message endpoint and waits for the
// correlated response to arrive over the event stream. Some providers
// answer directly in the POST body instead; both shapes are accepted.
func (t *sseTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	endpoint, auth, err := t.target()
	if err != nil {
		return nil, err
	}

	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}

	resp, err := t.post(ctx, endpoint, auth, req)
	if err != nil {
		t.pending.abandon(req.ID)
		return nil, err
	}
	if resp != nil {
		// Answered inline; the stream will not carry this id.
		t.pending.abandon(req.ID)
		return resp, nil
	}

	select {
	case <-ctx.Done():
		t.pending.abandon(req.ID)
		return nil, ctx.Err()
	case got, ok := <-ch:
		if !ok {
			return nil, t.pending.failure()
		}
		return got, nil
	}
}

// Notify POSTs a notification to the message endpoint.
func (t *sseTransport) Notify(ctx context.Context, notif *Notification) error {
	endpoint, auth, err := t.target()
	if err != nil {
		return err
	}
	_, err = t.post(ctx, endpoint, auth, notif)
	return err
}

// post delivers one JSON-RPC payload. Returns a non-nil Response only
// when the provider answered inline with a JSON body.
func (t *sseTransport) post(ctx context.Context, endpoint, auth string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req, auth)

	httpResp, err := t.postClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to provider: %w", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch {
	case httpResp.StatusCode == http.StatusAccepted:
		return nil, nil
	case httpResp.StatusCode == http.StatusOK:
		if !strings.HasPrefix(httpResp.Header.Get("Content-Type"), "application/json") {
			return nil, nil
		}
		data, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: unmarshal inline response: %v", ErrProtocol, err)
		}
		return &resp, nil
	default:
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, errBody)
	}
}

// target snapshots the endpoint and auth header under the lock.
func (t *sseTransport) target() (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return "", "", ErrNotConnected
	}
	return t.endpoint, t.authHeader, nil
}

// freshAuth obtains a new bearer token when the provider requires one.
func (t *sseTransport) freshAuth(ctx context.Context) (string, error) {
	if t.token == nil {
		return "", nil
	}
	tok, err := t.token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok, nil
}

// applyHeaders sets configured headers plus the auth header.
func (t *sseTransport) applyHeaders(req *http.Request, auth string) {
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
}

// Notifications returns the unsolicited server message stream.
func (t *sseTransport) Notifications() <-chan Notification {
	return t.notifs
}

// Close aborts the event stream and releases resources. Idempotent.
func (t *sseTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.cancel = nil
	t.connected = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.pending.fail(ErrNotConnected)
	t.closeNotifs()
	return nil
}

// teardown handles stream loss discovered by the read loop.
func (t *sseTransport) teardown(cause error) {
	t.mu.Lock()
	if !t.connected && !t.closed {
		// Lost during handshake; Connect reports the failure itself.
		t.mu.Unlock()
		t.pending.fail(cause)
		return
	}
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.pending.fail(cause)
	t.closeNotifs()
}

func (t *sseTransport) closeNotifs() {
	t.notifsOnce.Do(func() { close(t.notifs) })
}
