package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/events"
)

// CallRecord is the audit trail entry for one tool invocation.
type CallRecord struct {
	CallID    string
	Provider  string
	Tool      string
	OK        bool
	Truncated bool
	Duration  time.Duration
	Error     string
	Started   time.Time
}

// CallRecorder persists invocation records. Recording is best-effort;
// failures are logged and never fail the invocation itself.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// sessionSource resolves a provider name to its live session.
type sessionSource interface {
	Session(name string) (*Session, error)
}

// InvokeResult is the outcome of a routed tool invocation. IsError
// marks failures the tool itself reported; those still carry content
// meant for the model.
type InvokeResult struct {
	CallID    string        `json:"call_id"`
	Provider  string        `json:"provider"`
	Tool      string        `json:"tool"`
	Content   string        `json:"content"`
	Truncated bool          `json:"truncated,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Router dispatches tool invocations by catalog name to the owning
// session, bounds each call with the configured timeout, and clamps
// oversized output to the configured byte ceiling.
type Router struct {
	logger   *slog.Logger
	bus      *events.Bus
	registry *Registry
	sessions sessionSource
	cfg      config.RouterConfig
	recorder CallRecorder
}

// RouterOptions carries the router's collaborators. Recorder may be
// nil to disable the audit trail.
type RouterOptions struct {
	Logger   *slog.Logger
	Bus      *events.Bus
	Registry *Registry
	Sessions sessionSource
	Config   config.RouterConfig
	Recorder CallRecorder
}

// NewRouter creates a router.
func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		bus:      opts.Bus,
		registry: opts.Registry,
		sessions: opts.Sessions,
		cfg:      opts.Config,
		recorder: opts.Recorder,
	}
}

// Invoke resolves the tool name, calls the owning provider, and
// returns the flattened result. It fails fast when the tool is unknown
// or its owner is not ready; it never blocks waiting for a reconnect.
func (r *Router) Invoke(ctx context.Context, name string, args map[string]any) (*InvokeResult, error) {
	provider, tool, ok := r.registry.FindOwner(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	sess, err := r.sessions.Session(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %q is gone", ErrOwnerUnavailable, provider)
	}

	callID := uuid.NewString()
	started := time.Now()
	logger := r.logger.With("call_id", callID, "provider", provider, "tool", tool)
	logger.Debug("invoking tool")

	r.bus.Publish(events.Event{
		Timestamp: started,
		Source:    events.SourceRouter,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"call_id": callID, "provider": provider, "tool": tool},
	})

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout())
	defer cancel()

	res, err := sess.Call(callCtx, tool, args)
	duration := time.Since(started)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s after %s", ErrCallTimeout, name, r.cfg.CallTimeout())
		}
		logger.Warn("tool invocation failed", "duration", duration, "error", err)
		r.finish(callID, provider, tool, started, duration, false, false, err)
		return nil, err
	}

	content, truncated := clampOutput(res.Text(), r.cfg.MaxOutputBytes)
	if truncated {
		logger.Debug("tool output truncated", "limit_bytes", r.cfg.MaxOutputBytes)
	}

	out := &InvokeResult{
		CallID:    callID,
		Provider:  provider,
		Tool:      tool,
		Content:   content,
		Truncated: truncated,
		IsError:   res.IsError,
		Duration:  duration,
	}
	logger.Debug("tool invocation complete",
		"duration", duration, "bytes", len(content), "truncated", truncated, "tool_error", res.IsError)
	r.finish(callID, provider, tool, started, duration, !res.IsError, truncated, nil)
	return out, nil
}

func (r *Router) finish(callID, provider, tool string, started time.Time, duration time.Duration, ok, truncated bool, cause error) {
	data := map[string]any{
		"call_id":     callID,
		"provider":    provider,
		"tool":        tool,
		"ok":          ok,
		"truncated":   truncated,
		"duration_ms": duration.Milliseconds(),
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      events.KindToolDone,
		Data:      data,
	})

	if r.recorder == nil {
		return
	}
	rec := CallRecord{
		CallID:    callID,
		Provider:  provider,
		Tool:      tool,
		OK:        ok,
		Truncated: truncated,
		Duration:  duration,
		Started:   started,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.recorder.RecordCall(recCtx, rec); err != nil {
		r.logger.Warn("failed to record tool call", "call_id", callID, "error", err)
	}
}

const truncationMarker = "\n[output truncated]"

// clampOutput enforces the byte ceiling. The kept content plus the
// marker never exceeds the limit, and the cut lands on a rune
// boundary.
func clampOutput(text string, limit int) (string, bool) {
	if limit <= 0 || len(text) <= limit {
		return text, false
	}
	keep := limit - len(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(text[keep]) {
		keep--
	}
	return text[:keep] + truncationMarker, true
}
