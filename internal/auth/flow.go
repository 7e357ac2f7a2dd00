package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/oauth2"

	"github.com/google/uuid"
)

// authorizeTimeout bounds how long the flow waits for the user to
// complete consent in the browser.
const authorizeTimeout = 5 * time.Minute

// Authorize runs the interactive PKCE authorization flow: it opens the
// user's browser at the provider's consent page and captures the code
// on a loopback callback server. The exchanged token is persisted.
func (b *Bridge) Authorize(ctx context.Context, provider string) (*oauth2.Token, error) {
	cfg, err := b.config(provider)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("start callback listener: %w", err)
	}
	defer listener.Close()

	// Copy so the dynamic redirect does not leak into the shared config.
	flowCfg := *cfg
	flowCfg.RedirectURL = fmt.Sprintf("http://%s/callback", listener.Addr())

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	type callback struct {
		code string
		err  error
	}
	resultCh := make(chan callback, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callback" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			resultCh <- callback{err: fmt.Errorf("authorization state mismatch")}
			return
		}
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "authorization failed: "+errCode, http.StatusBadRequest)
			resultCh <- callback{err: fmt.Errorf("authorization denied: %s", errCode)}
			return
		}
		fmt.Fprint(w, "Authorization complete. You can close this window.")
		resultCh <- callback{code: q.Get("code")}
	})}
	go srv.Serve(listener)
	defer srv.Close()

	authURL := flowCfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	b.logger.Info("opening browser for authorization", "provider", provider)
	if err := b.openBrowser(authURL); err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, authorizeTimeout)
	defer cancel()

	var code string
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("authorization not completed: %w", ctx.Err())
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		code = result.code
	}

	tok, err := flowCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	if err := b.store.SaveToken(ctx, provider, tok); err != nil {
		b.logger.Warn("failed to persist token", "provider", provider, "error", err)
	}
	b.logger.Info("authorization complete", "provider", provider)
	return tok, nil
}

// openBrowser launches the platform's default browser.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
