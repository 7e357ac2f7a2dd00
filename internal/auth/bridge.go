// Package auth bridges provider OAuth configuration to bearer tokens.
// Tokens are persisted across restarts; expired ones are refreshed
// silently, and only when no refresh token works does the user get
// sent through the browser consent flow again.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/mikeschlottig/groq-desktop-beta/internal/config"
)

// TokenStore persists tokens between runs.
type TokenStore interface {
	SaveToken(ctx context.Context, provider string, tok *oauth2.Token) error
	LoadToken(ctx context.Context, provider string) (*oauth2.Token, error)
	DeleteToken(ctx context.Context, provider string) error
}

// Bridge resolves provider names to fresh bearer tokens. It implements
// the supervisor's TokenProvider interface.
type Bridge struct {
	logger *slog.Logger
	store  TokenStore

	// openBrowser launches the user's browser at an authorization URL.
	// Overridden in tests.
	openBrowser func(url string) error

	mu      sync.Mutex
	configs map[string]*oauth2.Config
}

// NewBridge creates a bridge backed by the given store.
func NewBridge(logger *slog.Logger, store TokenStore) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger:      logger,
		store:       store,
		openBrowser: openBrowser,
		configs:     make(map[string]*oauth2.Config),
	}
}

// Configure registers the OAuth endpoints for every provider that
// declares them. Called on startup and again on config reload.
func (b *Bridge) Configure(providers []config.ProviderConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.configs = make(map[string]*oauth2.Config)
	for _, p := range providers {
		if p.OAuth == nil {
			continue
		}
		b.configs[p.Name] = &oauth2.Config{
			ClientID:     p.OAuth.ClientID,
			ClientSecret: p.OAuth.ClientSecret,
			Scopes:       p.OAuth.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.OAuth.AuthURL,
				TokenURL: p.OAuth.TokenURL,
			},
		}
	}
}

func (b *Bridge) config(provider string) (*oauth2.Config, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.configs[provider]
	if !ok {
		return nil, fmt.Errorf("no oauth configuration for provider %q", provider)
	}
	return cfg, nil
}

// Token returns a valid access token for the provider: the stored one
// if still valid, a refreshed one when possible, or the result of a
// fresh interactive authorization.
func (b *Bridge) Token(ctx context.Context, provider string) (string, error) {
	cfg, err := b.config(provider)
	if err != nil {
		return "", err
	}

	stored, err := b.store.LoadToken(ctx, provider)
	if err != nil {
		return "", fmt.Errorf("load stored token: %w", err)
	}

	if stored != nil && stored.Valid() {
		return stored.AccessToken, nil
	}

	if stored != nil && stored.RefreshToken != "" {
		refreshed, err := cfg.TokenSource(ctx, stored).Token()
		if err == nil {
			if err := b.store.SaveToken(ctx, provider, refreshed); err != nil {
				b.logger.Warn("failed to persist refreshed token", "provider", provider, "error", err)
			}
			b.logger.Debug("token refreshed", "provider", provider)
			return refreshed.AccessToken, nil
		}
		b.logger.Warn("token refresh failed, starting authorization flow",
			"provider", provider, "error", err)
	}

	tok, err := b.Authorize(ctx, provider)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Forget discards the stored token for a provider, forcing a fresh
// authorization on the next use.
func (b *Bridge) Forget(ctx context.Context, provider string) error {
	return b.store.DeleteToken(ctx, provider)
}
