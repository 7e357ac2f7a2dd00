// Package config handles groq-mcpd configuration loading.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/groq-mcp/config.yaml, /etc/groq-mcp/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "groq-mcp", "config.yaml"))
	}

	paths = append(paths, "/etc/groq-mcp/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all groq-mcpd configuration.
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
	Backoff   BackoffConfig    `yaml:"backoff"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	DataDir   string           `yaml:"data_dir"`
	LogLevel  string           `yaml:"log_level"`
}

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port"`    // Default: 8450
}

// TransportKind selects how a provider is reached.
type TransportKind string

const (
	// TransportStdio spawns a subprocess and speaks newline-delimited
	// JSON-RPC over its stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportSSE opens a long-lived server-sent-event stream for
	// inbound messages; outbound requests go over separate POSTs.
	TransportSSE TransportKind = "sse"

	// TransportStreamableHTTP speaks JSON-RPC over streamable HTTP
	// (POST per request, SSE-framed responses, optional GET stream).
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ProviderConfig describes one configured MCP tool provider. The slice
// order in the config file is significant: sessions are registered in
// this order, which makes tool-name collision resolution deterministic.
type ProviderConfig struct {
	// Name uniquely identifies the provider. Required.
	Name string `yaml:"name"`

	// Transport selects the transport kind. Defaults to "stdio" when
	// Command is set and "streamable-http" when URL is set.
	Transport TransportKind `yaml:"transport"`

	// Command is the executable to spawn (stdio only). Resolved through
	// PATH and well-known install locations at connect time.
	Command string `yaml:"command"`

	// Args are command-line arguments for the subprocess.
	Args []string `yaml:"args"`

	// Env are extra environment variables for the subprocess.
	Env map[string]string `yaml:"env"`

	// URL is the provider endpoint (sse and streamable-http).
	URL string `yaml:"url"`

	// Headers are extra HTTP headers sent on every request.
	Headers map[string]string `yaml:"headers"`

	// Disabled excludes the provider without removing its definition.
	Disabled bool `yaml:"disabled"`

	// Include limits which provider tools enter the catalog. Empty
	// means all tools.
	Include []string `yaml:"include"`

	// Exclude removes specific provider tools from the catalog.
	Exclude []string `yaml:"exclude"`

	// OAuth enables the authorization-code flow for this provider.
	OAuth *OAuthConfig `yaml:"oauth"`
}

// OAuthConfig defines an OAuth 2.1 authorization-code flow for a provider.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Equal reports whether two provider configs are structurally identical.
// The supervisor uses this to decide which sessions an updated config
// actually touches; identical definitions are left running.
func (p ProviderConfig) Equal(o ProviderConfig) bool {
	return p.Name == o.Name &&
		p.Transport == o.Transport &&
		p.Command == o.Command &&
		slices.Equal(p.Args, o.Args) &&
		maps.Equal(p.Env, o.Env) &&
		p.URL == o.URL &&
		maps.Equal(p.Headers, o.Headers) &&
		p.Disabled == o.Disabled &&
		slices.Equal(p.Include, o.Include) &&
		slices.Equal(p.Exclude, o.Exclude) &&
		oauthEqual(p.OAuth, o.OAuth)
}

func oauthEqual(a, b *OAuthConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.ClientID == b.ClientID &&
		a.ClientSecret == b.ClientSecret &&
		a.AuthURL == b.AuthURL &&
		a.TokenURL == b.TokenURL &&
		slices.Equal(a.Scopes, b.Scopes)
}

// RouterConfig tunes tool invocation behavior.
type RouterConfig struct {
	// CallTimeoutSec bounds each tool call (default 60).
	CallTimeoutSec int `yaml:"call_timeout_sec"`

	// MaxOutputBytes caps tool results; larger results are truncated
	// with a marker (default 8192).
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// CallTimeout returns the per-call timeout as a duration.
func (r RouterConfig) CallTimeout() time.Duration {
	if r.CallTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(r.CallTimeoutSec) * time.Second
}

// BackoffConfig controls session reconnect timing.
type BackoffConfig struct {
	// InitialDelaySec is the delay before the first reconnect (default 2).
	InitialDelaySec int `yaml:"initial_delay_sec"`

	// MaxDelaySec caps backoff growth (default 60).
	MaxDelaySec int `yaml:"max_delay_sec"`

	// MaxRetries is the consecutive-failure ceiling before a session is
	// disabled (default 5).
	MaxRetries int `yaml:"max_retries"`

	// HeartbeatSec is the Ready-state liveness ping interval (default 30).
	HeartbeatSec int `yaml:"heartbeat_sec"`
}

// MQTTConfig defines the optional session-status announcer.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"` // Default: "groq-mcpd"
}

// Load reads and parses the config file at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks provider definitions for the mistakes that would
// otherwise surface as confusing connect failures later.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		switch p.Transport {
		case TransportStdio:
			if p.Command == "" {
				return fmt.Errorf("provider %q: stdio transport requires command", p.Name)
			}
		case TransportSSE, TransportStreamableHTTP:
			if p.URL == "" {
				return fmt.Errorf("provider %q: %s transport requires url", p.Name, p.Transport)
			}
		case "":
			if p.Command == "" && p.URL == "" {
				return fmt.Errorf("provider %q: either command or url is required", p.Name)
			}
		default:
			return fmt.Errorf("provider %q: unknown transport %q", p.Name, p.Transport)
		}

		if p.OAuth != nil {
			if p.OAuth.ClientID == "" || p.OAuth.AuthURL == "" || p.OAuth.TokenURL == "" {
				return fmt.Errorf("provider %q: oauth requires client_id, auth_url, and token_url", p.Name)
			}
		}
	}
	return nil
}

// applyDefaults fills zero values after validation.
func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8450
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "groq-mcpd"
	}
	if c.Router.MaxOutputBytes == 0 {
		c.Router.MaxOutputBytes = 8192
	}
	if c.Backoff.InitialDelaySec == 0 {
		c.Backoff.InitialDelaySec = 2
	}
	if c.Backoff.MaxDelaySec == 0 {
		c.Backoff.MaxDelaySec = 60
	}
	if c.Backoff.MaxRetries == 0 {
		c.Backoff.MaxRetries = 5
	}
	if c.Backoff.HeartbeatSec == 0 {
		c.Backoff.HeartbeatSec = 30
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Transport == "" {
			if p.Command != "" {
				p.Transport = TransportStdio
			} else {
				p.Transport = TransportStreamableHTTP
			}
		}
	}
}
