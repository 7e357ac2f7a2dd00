// Package store provides SQLite-backed persistence for OAuth tokens
// and the tool invocation audit trail.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/oauth2"

	"github.com/mikeschlottig/groq-desktop-beta/internal/mcp"
)

// Store is a SQLite-backed store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the
// schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	-- OAuth tokens, one row per provider
	CREATE TABLE IF NOT EXISTS oauth_tokens (
		provider TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT,
		token_type TEXT,
		expiry TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	-- Tool invocation audit trail
	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		tool TEXT NOT NULL,
		ok BOOLEAN NOT NULL,
		truncated BOOLEAN NOT NULL,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_started ON tool_calls(started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_provider ON tool_calls(provider, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveToken upserts the token for a provider.
func (s *Store) SaveToken(ctx context.Context, provider string, tok *oauth2.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (provider, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at`,
		provider, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.Expiry, time.Now())
	if err != nil {
		return fmt.Errorf("save token for %s: %w", provider, err)
	}
	return nil
}

// LoadToken returns the stored token for a provider, or nil when none
// is stored.
func (s *Store) LoadToken(ctx context.Context, provider string) (*oauth2.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, token_type, expiry
		FROM oauth_tokens WHERE provider = ?`, provider)

	var tok oauth2.Token
	var refresh, tokenType sql.NullString
	var expiry sql.NullTime
	err := row.Scan(&tok.AccessToken, &refresh, &tokenType, &expiry)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token for %s: %w", provider, err)
	}
	tok.RefreshToken = refresh.String
	tok.TokenType = tokenType.String
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	return &tok, nil
}

// DeleteToken removes the stored token for a provider.
func (s *Store) DeleteToken(ctx context.Context, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = ?`, provider)
	if err != nil {
		return fmt.Errorf("delete token for %s: %w", provider, err)
	}
	return nil
}

// RecordCall appends one invocation to the audit trail.
func (s *Store) RecordCall(ctx context.Context, rec mcp.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, provider, tool, ok, truncated, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Provider, rec.Tool, rec.OK, rec.Truncated,
		nullIfEmpty(rec.Error), rec.Started, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record call %s: %w", rec.CallID, err)
	}
	return nil
}

// RecentCalls returns the newest invocations, most recent first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]mcp.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, tool, ok, truncated, error, started_at, duration_ms
		FROM tool_calls ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []mcp.CallRecord
	for rows.Next() {
		var rec mcp.CallRecord
		var callErr sql.NullString
		var durationMS int64
		if err := rows.Scan(&rec.CallID, &rec.Provider, &rec.Tool, &rec.OK,
			&rec.Truncated, &callErr, &rec.Started, &durationMS); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		rec.Error = callErr.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
