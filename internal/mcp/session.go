package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/events"
)

// SessionState is the lifecycle state of one provider connection.
type SessionState string

const (
	// StateIdle means the session exists but has not been enabled.
	StateIdle SessionState = "idle"
	// StateConnecting means a handshake attempt is in flight.
	StateConnecting SessionState = "connecting"
	// StateReady means the provider is connected and serving calls.
	StateReady SessionState = "ready"
	// StateReconnecting means the session is waiting out a backoff
	// delay before the next attempt.
	StateReconnecting SessionState = "reconnecting"
	// StateDisabled means the session will not connect until enabled,
	// either by configuration or after exhausting its retry budget.
	StateDisabled SessionState = "disabled"
	// StateClosed is terminal; the session's goroutine has exited.
	StateClosed SessionState = "closed"
)

// heartbeatCallTimeout bounds the ping and the tools refresh issued
// from inside the ready loop.
const heartbeatCallTimeout = 10 * time.Second

const toolsListChangedMethod = "notifications/tools/list_changed"

type sessionCmd int

const (
	cmdEnable sessionCmd = iota
	cmdDisable
	cmdClose
)

// SessionStatus is a point-in-time snapshot of a session.
type SessionStatus struct {
	Provider    string       `json:"provider"`
	Transport   string       `json:"transport"`
	State       SessionState `json:"state"`
	Retries     int          `json:"retries"`
	LastError   string       `json:"last_error,omitempty"`
	Server      ServerInfo   `json:"server,omitempty"`
	Tools       int          `json:"tools"`
	ConnectedAt time.Time    `json:"connected_at,omitzero"`
}

// Session supervises the connection to one provider. All state is
// owned by a single run goroutine; Enable, Disable and Shutdown post
// commands to it, and Call reads a snapshot of the ready client. A
// disable or shutdown arriving mid-handshake cancels the attempt.
type Session struct {
	cfg      config.ProviderConfig
	backoff  config.BackoffConfig
	logger   *slog.Logger
	bus      *events.Bus
	registry *Registry
	token    TokenFunc

	// dial builds a connected-but-uninitialized client. Overridden in
	// tests to avoid real transports.
	dial func() (*Client, error)

	cmds chan sessionCmd
	done chan struct{}

	mu          sync.Mutex
	state       SessionState
	client      *Client
	retries     int
	lastErr     error
	server      ServerInfo
	toolCount   int
	connectedAt time.Time
}

// SessionOptions carries the collaborators a session needs.
type SessionOptions struct {
	Logger   *slog.Logger
	Bus      *events.Bus
	Registry *Registry
	Backoff  config.BackoffConfig
	Token    TokenFunc
}

// NewSession creates a session in the idle state (or disabled, when
// the configuration says so). Start must be called before any other
// method.
func NewSession(cfg config.ProviderConfig, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", cfg.Name)

	s := &Session{
		cfg:      cfg,
		backoff:  opts.Backoff,
		logger:   logger,
		bus:      opts.Bus,
		registry: opts.Registry,
		token:    opts.Token,
		cmds:     make(chan sessionCmd),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	if cfg.Disabled {
		s.state = StateDisabled
	}
	s.dial = s.defaultDial
	return s
}

func (s *Session) defaultDial() (*Client, error) {
	transport, err := NewTransport(s.cfg, TransportOptions{Logger: s.logger, Token: s.token})
	if err != nil {
		return nil, err
	}
	return NewClient(transport, s.logger), nil
}

// Start launches the session's run goroutine.
func (s *Session) Start() {
	go s.run()
}

// Enable requests a connection. No-op while connecting, ready or
// retrying; from idle or disabled it begins a fresh attempt with a
// reset retry budget.
func (s *Session) Enable() {
	s.post(cmdEnable)
}

// Disable tears down the connection and stops retrying. In-flight
// handshakes are cancelled. Idempotent.
func (s *Session) Disable() {
	s.post(cmdDisable)
}

// Shutdown closes the session and waits for its goroutine to exit or
// the context to expire.
func (s *Session) Shutdown(ctx context.Context) error {
	s.post(cmdClose)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) post(cmd sessionCmd) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

// Call invokes a tool on this session's provider. It fails fast with
// ErrOwnerUnavailable unless the session is ready; it never waits for
// a reconnect.
func (s *Session) Call(ctx context.Context, tool string, args map[string]any) (*CallResult, error) {
	s.mu.Lock()
	state := s.state
	client := s.client
	s.mu.Unlock()

	if state != StateReady || client == nil {
		return nil, fmt.Errorf("%w: provider %q is %s", ErrOwnerUnavailable, s.cfg.Name, state)
	}
	return client.CallTool(ctx, tool, args)
}

// Status returns a snapshot of the session.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		Provider:    s.cfg.Name,
		Transport:   string(s.cfg.Transport),
		State:       s.state,
		Retries:     s.retries,
		Server:      s.server,
		Tools:       s.toolCount,
		ConnectedAt: s.connectedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the configuration the session was built from.
func (s *Session) Config() config.ProviderConfig {
	return s.cfg
}

func (s *Session) run() {
	defer close(s.done)
	for {
		switch s.State() {
		case StateIdle, StateDisabled:
			if !s.waitPhase() {
				return
			}
		case StateConnecting:
			if !s.connectPhase() {
				return
			}
		case StateReady:
			if !s.readyPhase() {
				return
			}
		case StateReconnecting:
			if !s.backoffPhase() {
				return
			}
		case StateClosed:
			return
		}
	}
}

// waitPhase blocks until a command arrives. Returns false to exit.
func (s *Session) waitPhase() bool {
	switch <-s.cmds {
	case cmdEnable:
		s.resetRetries()
		s.setState(StateConnecting, nil)
	case cmdDisable:
		s.setState(StateDisabled, nil)
	case cmdClose:
		s.setState(StateClosed, nil)
		return false
	}
	return true
}

type connectOutcome struct {
	client *Client
	tools  []Tool
	err    error
}

// connectPhase runs one handshake attempt in a child goroutine so that
// disable and close can cancel it.
func (s *Session) connectPhase() bool {
	attemptCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resultCh := make(chan connectOutcome, 1)
	go s.attempt(attemptCtx, resultCh)

	for {
		select {
		case cmd := <-s.cmds:
			switch cmd {
			case cmdDisable:
				cancel()
				go drainOutcome(resultCh)
				s.setState(StateDisabled, nil)
				return true
			case cmdClose:
				cancel()
				go drainOutcome(resultCh)
				s.setState(StateClosed, nil)
				return false
			case cmdEnable:
				// Already connecting.
			}
		case out := <-resultCh:
			if out.err != nil {
				s.recordFailure(out.err)
				if s.retriesExhausted() {
					s.logger.Warn("retry budget exhausted, disabling provider", "error", out.err)
					s.setState(StateDisabled, out.err)
				} else {
					s.setState(StateReconnecting, out.err)
				}
				return true
			}
			s.becomeReady(out.client, out.tools)
			return true
		}
	}
}

// drainOutcome consumes the single outcome attempt always sends. When
// cancellation raced a successful handshake the outcome may still carry
// a connected client, which must be closed rather than abandoned.
func drainOutcome(resultCh <-chan connectOutcome) {
	out := <-resultCh
	if out.client != nil {
		out.client.Close()
	}
}

// attempt dials, initializes, and lists tools. A cancellation that
// lands after the handshake succeeded closes the client rather than
// leaking it.
func (s *Session) attempt(ctx context.Context, resultCh chan<- connectOutcome) {
	client, err := s.dial()
	if err != nil {
		resultCh <- connectOutcome{err: err}
		return
	}
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		resultCh <- connectOutcome{err: err}
		return
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		resultCh <- connectOutcome{err: fmt.Errorf("list tools: %w", err)}
		return
	}
	if ctx.Err() != nil {
		client.Close()
		resultCh <- connectOutcome{err: ctx.Err()}
		return
	}
	resultCh <- connectOutcome{client: client, tools: filterTools(tools, s.cfg.Include, s.cfg.Exclude)}
}

func (s *Session) becomeReady(client *Client, tools []Tool) {
	s.mu.Lock()
	s.client = client
	s.retries = 0
	s.lastErr = nil
	s.server = client.ServerInfo()
	s.toolCount = len(tools)
	s.connectedAt = time.Now()
	s.mu.Unlock()

	s.registry.UpdateTools(s.cfg.Name, tools)
	s.setState(StateReady, nil)
	s.logger.Info("provider ready",
		"server", client.ServerInfo().Name,
		"tools", len(tools))
}

// readyPhase serves until the connection is lost or a command arrives.
// A heartbeat ping guards transports that fail silently, and tool list
// change notifications trigger a catalog refresh.
func (s *Session) readyPhase() bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	heartbeat := time.Duration(s.backoff.HeartbeatSec) * time.Second
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	notifs := client.Notifications()

	for {
		select {
		case cmd := <-s.cmds:
			switch cmd {
			case cmdDisable:
				s.dropClient()
				s.setState(StateDisabled, nil)
				return true
			case cmdClose:
				s.dropClient()
				s.setState(StateClosed, nil)
				return false
			case cmdEnable:
				// Already connected.
			}
		case <-ticker.C:
			if err := s.pingOnce(client); err != nil {
				s.handleLost(fmt.Errorf("heartbeat: %w", err))
				return true
			}
		case notif, ok := <-notifs:
			if !ok {
				s.handleLost(ErrNotConnected)
				return true
			}
			if notif.Method == toolsListChangedMethod {
				if err := s.refreshTools(client); err != nil {
					s.handleLost(fmt.Errorf("refresh tools: %w", err))
					return true
				}
			} else {
				s.logger.Debug("ignoring provider notification", "method", notif.Method)
			}
		}
	}
}

func (s *Session) pingOnce(client *Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatCallTimeout)
	defer cancel()
	return client.Ping(ctx)
}

func (s *Session) refreshTools(client *Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatCallTimeout)
	defer cancel()
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	tools = filterTools(tools, s.cfg.Include, s.cfg.Exclude)
	s.mu.Lock()
	s.toolCount = len(tools)
	s.mu.Unlock()
	s.registry.UpdateTools(s.cfg.Name, tools)
	s.logger.Info("tool list refreshed", "tools", len(tools))
	return nil
}

// handleLost tears down the client after a Ready-state failure. The
// loss itself never counts against the retry budget; only failed
// reconnect attempts do, so a Ready session always passes through
// Reconnecting before it can disable itself.
func (s *Session) handleLost(cause error) {
	s.logger.Warn("connection lost", "error", cause)
	s.dropClient()
	s.setState(StateReconnecting, cause)
}

// dropClient closes the active client and withdraws this provider's
// tools from the catalog.
func (s *Session) dropClient() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.toolCount = 0
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	s.registry.UpdateTools(s.cfg.Name, nil)
}

// backoffPhase waits out the retry delay, still responsive to
// commands.
func (s *Session) backoffPhase() bool {
	delay := s.nextDelay()
	s.logger.Debug("waiting before reconnect", "delay", delay, "retries", s.retryCount())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case cmd := <-s.cmds:
			switch cmd {
			case cmdDisable:
				s.setState(StateDisabled, nil)
				return true
			case cmdClose:
				s.setState(StateClosed, nil)
				return false
			case cmdEnable:
				// Already scheduled to retry.
			}
		case <-timer.C:
			s.setState(StateConnecting, nil)
			return true
		}
	}
}

// nextDelay doubles the initial delay per failed attempt up to the
// cap, then adds up to 25% jitter so a fleet of sessions does not
// reconnect in lockstep.
func (s *Session) nextDelay() time.Duration {
	initial := time.Duration(s.backoff.InitialDelaySec) * time.Second
	maxDelay := time.Duration(s.backoff.MaxDelaySec) * time.Second

	d := initial
	for i := 1; i < s.retryCount() && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	if j := int64(d / 4); j > 0 {
		d += time.Duration(rand.Int64N(j))
	}
	return d
}

func (s *Session) recordFailure(err error) {
	s.mu.Lock()
	s.retries++
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) retriesExhausted() bool {
	return s.backoff.MaxRetries > 0 && s.retryCount() >= s.backoff.MaxRetries
}

func (s *Session) retryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *Session) resetRetries() {
	s.mu.Lock()
	s.retries = 0
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Session) setState(next SessionState, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	if cause != nil {
		s.lastErr = cause
	}
	retries := s.retries
	s.mu.Unlock()

	if prev == next {
		return
	}
	s.logger.Debug("session state changed", "from", prev, "to", next)

	data := map[string]any{
		"provider":   s.cfg.Name,
		"state":      string(next),
		"prev_state": string(prev),
		"retries":    retries,
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSupervisor,
		Kind:      events.KindSessionState,
		Data:      data,
	})
}

// filterTools applies the configured include and exclude lists. An
// empty include list admits everything; exclude is applied after.
func filterTools(tools []Tool, include, exclude []string) []Tool {
	if len(include) == 0 && len(exclude) == 0 {
		return tools
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if len(include) > 0 && !slices.Contains(include, t.Name) {
			continue
		}
		if slices.Contains(exclude, t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}
