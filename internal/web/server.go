// Package web implements the local status and control API. It exposes
// session state, the flat tool catalog, the invocation audit trail,
// and a WebSocket event stream for desktop UI consumption.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeschlottig/groq-desktop-beta/internal/buildinfo"
	"github.com/mikeschlottig/groq-desktop-beta/internal/events"
	"github.com/mikeschlottig/groq-desktop-beta/internal/mcp"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// CallSource reads the invocation audit trail.
type CallSource interface {
	RecentCalls(ctx context.Context, limit int) ([]mcp.CallRecord, error)
}

// Server is the local HTTP server.
type Server struct {
	listen     string
	logger     *slog.Logger
	supervisor *mcp.Supervisor
	registry   *mcp.Registry
	router     *mcp.Router
	bus        *events.Bus
	calls      CallSource

	server   *http.Server
	upgrader websocket.Upgrader
}

// Options carries the server's collaborators. Calls may be nil when
// the audit trail is disabled.
type Options struct {
	Listen     string
	Logger     *slog.Logger
	Supervisor *mcp.Supervisor
	Registry   *mcp.Registry
	Router     *mcp.Router
	Bus        *events.Bus
	Calls      CallSource
}

// NewServer creates the server. Start must be called to serve.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:     opts.Listen,
		logger:     logger,
		supervisor: opts.Supervisor,
		registry:   opts.Registry,
		router:     opts.Router,
		bus:        opts.Bus,
		calls:      opts.Calls,
		upgrader: websocket.Upgrader{
			// The server binds to loopback; cross-origin pages cannot
			// reach it with credentials anyway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table. Split out for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/calls", s.handleCalls)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/invoke", s.handleInvoke)
	mux.HandleFunc("POST /api/providers/{name}/enable", s.handleEnable)
	mux.HandleFunc("POST /api/providers/{name}/disable", s.handleDisable)

	return s.withLogging(mux)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: /api/events is long-lived.
	}
	s.logger.Info("starting status server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": buildinfo.Version,
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"build":    buildinfo.Info(),
		"uptime":   buildinfo.Uptime().String(),
		"sessions": s.supervisor.Status(),
	}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.registry.ListTools()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": tools,
		"count": len(tools),
	}, s.logger)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		http.Error(w, "audit trail disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	calls, err := s.calls.RecentCalls(r.Context(), limit)
	if err != nil {
		s.logger.Warn("failed to read audit trail", "error", err)
		http.Error(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"calls": calls}, s.logger)
}

type invokeRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Tool == "" {
		http.Error(w, "tool is required", http.StatusBadRequest)
		return
	}

	res, err := s.router.Invoke(r.Context(), req.Tool, req.Arguments)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, mcp.ErrToolNotFound):
			status = http.StatusNotFound
		case errors.Is(err, mcp.ErrOwnerUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, mcp.ErrCallTimeout):
			status = http.StatusGatewayTimeout
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		writeJSON(w, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.toggleProvider(w, r, s.supervisor.Enable, "enabled")
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.toggleProvider(w, r, s.supervisor.Disable, "disabled")
}

func (s *Server) toggleProvider(w http.ResponseWriter, r *http.Request, apply func(string) error, verb string) {
	name := r.PathValue("name")
	if err := apply(name); err != nil {
		if errors.Is(err, mcp.ErrProviderNotFound) {
			http.Error(w, fmt.Sprintf("unknown provider %q", name), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"provider": name, "result": verb}, s.logger)
}

// handleEvents upgrades to WebSocket and streams bus events until the
// client disconnects. Slow clients miss events rather than backing up
// publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine notices the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
