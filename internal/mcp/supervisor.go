package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/events"
)

// TokenProvider supplies bearer tokens for providers that require
// authentication. Implementations refresh or acquire tokens as needed.
type TokenProvider interface {
	Token(ctx context.Context, provider string) (string, error)
}

// Supervisor owns the set of sessions and reconciles it against
// configuration. Applying the same configuration twice is a no-op;
// applying a changed configuration restarts only the sessions whose
// entries actually changed.
type Supervisor struct {
	logger   *slog.Logger
	bus      *events.Bus
	registry *Registry
	backoff  config.BackoffConfig
	tokens   TokenProvider

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

// SupervisorOptions carries the supervisor's collaborators. Tokens may
// be nil when no provider uses authentication.
type SupervisorOptions struct {
	Logger   *slog.Logger
	Bus      *events.Bus
	Registry *Registry
	Backoff  config.BackoffConfig
	Tokens   TokenProvider
}

// NewSupervisor creates a supervisor with no sessions.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:   logger,
		bus:      opts.Bus,
		registry: opts.Registry,
		backoff:  opts.Backoff,
		tokens:   opts.Tokens,
		sessions: make(map[string]*Session),
	}
}

// Apply reconciles the running sessions against the given provider
// list. Removed providers are shut down and deregistered, new ones are
// started, and providers whose configuration changed are restarted.
// Unchanged providers are untouched, including their retry state.
func (sup *Supervisor) Apply(ctx context.Context, providers []config.ProviderConfig) error {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	desired := make(map[string]config.ProviderConfig, len(providers))
	for _, cfg := range providers {
		desired[cfg.Name] = cfg
	}

	for name, sess := range sup.sessions {
		if _, keep := desired[name]; keep {
			continue
		}
		sup.logger.Info("removing provider", "provider", name)
		if err := sess.Shutdown(ctx); err != nil {
			sup.logger.Warn("session shutdown interrupted", "provider", name, "error", err)
		}
		sup.registry.Unregister(name)
		delete(sup.sessions, name)
	}

	order := make([]string, 0, len(providers))
	for _, cfg := range providers {
		order = append(order, cfg.Name)

		existing, ok := sup.sessions[cfg.Name]
		if ok && existing.Config().Equal(cfg) {
			continue
		}
		if ok {
			sup.logger.Info("provider configuration changed, restarting", "provider", cfg.Name)
			if err := existing.Shutdown(ctx); err != nil {
				sup.logger.Warn("session shutdown interrupted", "provider", cfg.Name, "error", err)
			}
			sup.registry.Unregister(cfg.Name)
			delete(sup.sessions, cfg.Name)
		}
		sup.startLocked(cfg)
	}
	// Restarted providers were re-registered at the end of the
	// registry's precedence order; restore the configured order so
	// collision winners do not change across reloads.
	sup.registry.SetOrder(order)
	sup.order = order
	return nil
}

func (sup *Supervisor) startLocked(cfg config.ProviderConfig) {
	var token TokenFunc
	if cfg.OAuth != nil && sup.tokens != nil {
		name := cfg.Name
		token = func(ctx context.Context) (string, error) {
			return sup.tokens.Token(ctx, name)
		}
	}

	sup.registry.Register(cfg.Name)
	sess := NewSession(cfg, SessionOptions{
		Logger:   sup.logger,
		Bus:      sup.bus,
		Registry: sup.registry,
		Backoff:  sup.backoff,
		Token:    token,
	})
	sup.sessions[cfg.Name] = sess
	sess.Start()
	if !cfg.Disabled {
		sess.Enable()
	}
}

// Enable requests a connection for a named provider, including one
// that disabled itself after exhausting its retry budget.
func (sup *Supervisor) Enable(name string) error {
	sess, err := sup.Session(name)
	if err != nil {
		return err
	}
	sess.Enable()
	return nil
}

// Disable tears down a named provider's connection and stops retries.
func (sup *Supervisor) Disable(name string) error {
	sess, err := sup.Session(name)
	if err != nil {
		return err
	}
	sess.Disable()
	return nil
}

// Session looks up a provider's session.
func (sup *Supervisor) Session(name string) (*Session, error) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	sess, ok := sup.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return sess, nil
}

// Status reports all sessions in configuration order.
func (sup *Supervisor) Status() []SessionStatus {
	sup.mu.Lock()
	order := slices.Clone(sup.order)
	sessions := make([]*Session, 0, len(order))
	for _, name := range order {
		if sess, ok := sup.sessions[name]; ok {
			sessions = append(sessions, sess)
		}
	}
	sup.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Status())
	}
	return out
}

// Close shuts down every session. The context bounds the total wait.
func (sup *Supervisor) Close(ctx context.Context) error {
	sup.mu.Lock()
	sessions := make([]*Session, 0, len(sup.sessions))
	for _, sess := range sup.sessions {
		sessions = append(sessions, sess)
	}
	sup.sessions = make(map[string]*Session)
	sup.order = nil
	sup.mu.Unlock()

	var firstErr error
	for _, sess := range sessions {
		if err := sess.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
