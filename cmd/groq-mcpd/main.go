// groq-mcpd manages connections to MCP tool servers for the Groq
// desktop client.
//
// It launches and supervises the configured providers (stdio
// subprocesses, SSE endpoints, and streamable HTTP endpoints),
// maintains a flat catalog of their tools, and exposes a local HTTP
// API for invoking tools and inspecting connection state.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	groq-mcpd serve              Start the daemon
//	groq-mcpd init [dir]         Write an example config file
//	groq-mcpd tools              Connect once and list the tool catalog
//	groq-mcpd auth <provider>    Run the OAuth flow for a provider
//	groq-mcpd version            Print version and build information
//	groq-mcpd -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/auth"
	"github.com/mikeschlottig/groq-desktop-beta/internal/buildinfo"
	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
	"github.com/mikeschlottig/groq-desktop-beta/internal/events"
	"github.com/mikeschlottig/groq-desktop-beta/internal/mcp"
	"github.com/mikeschlottig/groq-desktop-beta/internal/mqtt"
	"github.com/mikeschlottig/groq-desktop-beta/internal/store"
	"github.com/mikeschlottig/groq-desktop-beta/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the groq-mcpd command. All OS-level
// dependencies are injected as parameters so that tests can drive the
// full lifecycle. Arguments are parsed by hand: the flag package relies
// on package-level globals (flag.CommandLine), which makes it
// impossible to call run() concurrently from tests, and our argument
// surface is small enough that manual parsing is clearer than bringing
// in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "tools":
		return runTools(ctx, stdout, configPath, outputFmt)
	case "auth":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: groq-mcpd auth <provider>")
		}
		return runAuth(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe starts the daemon: it opens the state database, brings up
// the provider sessions, and serves the HTTP API until a shutdown
// signal arrives. SIGHUP reloads the provider list from the config
// file without restarting unchanged sessions.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting groq-mcpd",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known. The initial
	// Info-level logger only covers the startup banner.
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, "text")
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		"providers", len(cfg.Providers),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "state.db")
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("state database opened", "path", dbPath)

	bus := events.New()
	registry := mcp.NewRegistry(logger, bus)

	bridge := auth.NewBridge(logger, st)
	bridge.Configure(cfg.Providers)

	sup := mcp.NewSupervisor(mcp.SupervisorOptions{
		Logger:   logger,
		Bus:      bus,
		Registry: registry,
		Backoff:  cfg.Backoff,
		Tokens:   bridge,
	})
	if err := sup.Apply(ctx, cfg.Providers); err != nil {
		return fmt.Errorf("start providers: %w", err)
	}

	router := mcp.NewRouter(mcp.RouterOptions{
		Logger:   logger,
		Bus:      bus,
		Registry: registry,
		Sessions: sup,
		Config:   cfg.Router,
		Recorder: st,
	})

	server := web.NewServer(web.Options{
		Listen:     fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Logger:     logger,
		Supervisor: sup,
		Registry:   registry,
		Router:     router,
		Bus:        bus,
		Calls:      st,
	})

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components,
	// including the announcer's background relay.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var announcer *mqtt.Announcer
	if cfg.MQTT.Enabled {
		announcer = mqtt.New(cfg.MQTT, bus, logger)
		if err := announcer.Start(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		logger.Info("mqtt announcer started", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	}

	// SIGHUP reloads the provider list. Sessions whose config is
	// unchanged keep their connections; added, removed, and modified
	// providers are reconciled by Apply.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			logger.Info("reloading configuration", "path", cfgPath)
			newCfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Error("config reload failed, keeping current configuration", "error", err)
				continue
			}
			bridge.Configure(newCfg.Providers)
			if err := sup.Apply(ctx, newCfg.Providers); err != nil {
				logger.Error("provider reconcile failed", "error", err)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()

		// Publish the offline status before dropping provider sessions
		// so subscribers see a clean transition.
		if announcer != nil {
			if err := announcer.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := sup.Close(stopCtx); err != nil {
			logger.Error("session shutdown failed", "error", err)
		}
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("groq-mcpd stopped")
	return nil
}

// settleTimeout bounds how long the tools subcommand waits for every
// enabled provider to finish its first connection attempt.
const settleTimeout = 30 * time.Second

// runTools connects to every configured provider once, prints the
// resulting tool catalog, and shuts down. Useful for verifying a
// config file without starting the daemon.
func runTools(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	// Logs go to stderr here so that stdout stays parseable.
	logger := newLogger(os.Stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.DataDir, "state.db")
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer st.Close()

	bus := events.New()
	registry := mcp.NewRegistry(logger, bus)
	bridge := auth.NewBridge(logger, st)
	bridge.Configure(cfg.Providers)

	sup := mcp.NewSupervisor(mcp.SupervisorOptions{
		Logger:   logger,
		Bus:      bus,
		Registry: registry,
		Backoff:  cfg.Backoff,
		Tokens:   bridge,
	})
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = sup.Close(closeCtx)
	}()

	if err := sup.Apply(ctx, cfg.Providers); err != nil {
		return fmt.Errorf("start providers: %w", err)
	}
	if err := waitForSettle(ctx, sup, settleTimeout); err != nil {
		return err
	}

	statuses := sup.Status()
	tools := registry.ListTools()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"providers": statuses,
			"tools":     tools,
		})
	}

	for _, ps := range statuses {
		line := fmt.Sprintf("%-20s %-18s %s", ps.Provider, ps.Transport, ps.State)
		if ps.LastError != "" {
			line += "  (" + ps.LastError + ")"
		}
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout)
	if len(tools) == 0 {
		fmt.Fprintln(stdout, "no tools available")
		return nil
	}
	for _, tool := range tools {
		desc := tool.Description
		if len(desc) > 80 {
			desc = desc[:77] + "..."
		}
		fmt.Fprintf(stdout, "  %-32s %-12s %s\n", tool.Name, tool.Provider, desc)
	}
	return nil
}

// waitForSettle polls until no session is still connecting or waiting
// out its first backoff, or the timeout elapses. A provider stuck in a
// retry loop settles as reconnecting; the status line shows its error.
func waitForSettle(ctx context.Context, sup *mcp.Supervisor, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		pending := 0
		for _, st := range sup.Status() {
			if st.State == mcp.StateConnecting || (st.State == mcp.StateReconnecting && st.Retries < 2) {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// runAuth runs the interactive OAuth flow for one provider and stores
// the resulting token, so that serve can start without a browser.
func runAuth(ctx context.Context, stdout io.Writer, configPath string, provider string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.DataDir, "state.db")
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer st.Close()

	bridge := auth.NewBridge(logger, st)
	bridge.Configure(cfg.Providers)

	tok, err := bridge.Authorize(ctx, provider)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", provider, err)
	}

	fmt.Fprintf(stdout, "authorized %s", provider)
	if !tok.Expiry.IsZero() {
		fmt.Fprintf(stdout, " (token expires %s)", tok.Expiry.Format(time.RFC3339))
	}
	fmt.Fprintln(stdout)
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// groq-mcpd is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "groq-mcpd - MCP connection manager for Groq Desktop")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: groq-mcpd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the daemon")
	fmt.Fprintln(w, "  init [dir]       Write an example config (default: .)")
	fmt.Fprintln(w, "  tools            Connect once and list the tool catalog")
	fmt.Fprintln(w, "  auth <provider>  Run the OAuth flow for a provider")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/groq-mcp/config.yaml, /etc/groq-mcp/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If an
// explicit path is given it is used directly; otherwise the default
// search paths are tried in order.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}
