package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/paths"
)

// stdioStopGrace is how long Close waits for the subprocess to exit
// after stdin closes before killing it.
const stdioStopGrace = 5 * time.Second

// stdioTransport communicates with a provider running as a subprocess.
// JSON-RPC messages are newline-delimited on stdin/stdout; stderr is
// drained and logged. A background read loop dispatches responses to
// their waiters by id, so responses may resolve in any order.
type stdioTransport struct {
	cfg    config.ProviderConfig
	logger *slog.Logger

	pending *pendingCalls
	notifs  chan Notification

	// writeMu serializes stdin writes; interleaved frames would corrupt
	// the stream.
	writeMu sync.Mutex

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	closed    bool

	notifsOnce sync.Once
}

var _ Transport = (*stdioTransport)(nil)

func newStdioTransport(cfg config.ProviderConfig, opts TransportOptions) (*stdioTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: stdio transport requires command", ErrInvalidConfig)
	}
	return &stdioTransport{
		cfg:     cfg,
		logger:  opts.Logger,
		pending: newPendingCalls(opts.Logger),
		notifs:  make(chan Notification, notificationBuffer),
	}, nil
}

// Connect resolves the configured command through the platform-aware
// search and spawns the subprocess. Cancelling ctx during the spawn
// kills the process instead of leaking it.
func (t *stdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrNotConnected
	}
	if t.connected {
		return nil
	}

	command, err := paths.Resolve(t.cfg.Command)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	t.logger.Info("starting provider subprocess",
		"command", command,
		"args", t.cfg.Args,
	)

	cmd := exec.Command(command, t.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: create stdin pipe: %v", ErrConnect, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: create stdout pipe: %v", ErrConnect, err)
	}

	// Stderr is not part of the protocol; capture it for logging.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("%w: create stderr pipe: %v", ErrConnect, err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("%w: start %s: %v", ErrConnect, command, err)
	}

	if ctx.Err() != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
	}

	t.cmd = cmd
	t.stdin = stdin
	t.connected = true

	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20)) // 1 MiB for large responses
	go t.drainStderr(stderrPipe)

	t.logger.Info("provider subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop dispatches stdout frames until the stream fails. A frame
// that is not valid JSON-RPC is a protocol error: the connection is
// torn down and the session reconnects.
func (t *stdioTransport) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.teardown(fmt.Errorf("%w: read subprocess stdout: %v", ErrNotConnected, err))
			return
		}

		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("malformed frame from provider, tearing down",
				"error", err,
			)
			t.teardown(fmt.Errorf("%w: %v", ErrProtocol, err))
			return
		}

		t.dispatch(&msg)
	}
}

// dispatch routes one classified inbound frame.
func (t *stdioTransport) dispatch(msg *inbound) {
	switch {
	case msg.isResponse():
		t.pending.resolve(msg.response())
	case msg.isNotification():
		select {
		case t.notifs <- *msg.notification():
		default:
			t.logger.Warn("dropping provider notification, buffer full",
				"method", msg.Method,
			)
		}
	default:
		// Server-to-client requests (sampling, elicitation) are not
		// supported; log and move on.
		t.logger.Debug("ignoring unsupported provider request", "method", msg.Method)
	}
}

// drainStderr logs subprocess stderr lines at debug level.
func (t *stdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("provider stderr", "line", scanner.Text())
	}
}

// Send writes the request and waits for its correlated response. On
// ctx expiry the call is abandoned: a late response is discarded by id
// and can never be delivered to a later call.
func (t *stdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}

	if err := t.write(req); err != nil {
		t.pending.abandon(req.ID)
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.pending.abandon(req.ID)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, t.pending.failure()
		}
		return resp, nil
	}
}

// Notify writes a notification. No response is expected.
func (t *stdioTransport) Notify(_ context.Context, notif *Notification) error {
	return t.write(notif)
}

// write marshals v and appends the newline delimiter under the write lock.
func (t *stdioTransport) write(v any) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	stdin := t.stdin
	t.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		t.teardown(fmt.Errorf("%w: write subprocess stdin: %v", ErrNotConnected, err))
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Notifications returns the unsolicited server message stream.
func (t *stdioTransport) Notifications() <-chan Notification {
	return t.notifs
}

// Close terminates the subprocess and releases resources. Idempotent.
func (t *stdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd := t.cmd
	stdin := t.stdin
	t.cmd = nil
	t.stdin = nil
	t.connected = false
	t.mu.Unlock()

	t.pending.fail(ErrNotConnected)
	t.closeNotifs()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping provider subprocess", "pid", cmd.Process.Pid)

	// Closing stdin signals the subprocess to exit.
	if stdin != nil {
		stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(stdioStopGrace):
		t.logger.Warn("provider subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// teardown handles connection loss discovered by the read or write
// path: the subprocess is killed, waiters are failed, and the
// notification channel closes so the session observes the loss.
func (t *stdioTransport) teardown(cause error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	cmd := t.cmd
	stdin := t.stdin
	t.cmd = nil
	t.stdin = nil
	t.mu.Unlock()

	t.pending.fail(cause)
	t.closeNotifs()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

func (t *stdioTransport) closeNotifs() {
	t.notifsOnce.Do(func() { close(t.notifs) })
}
