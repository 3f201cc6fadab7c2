package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/courier/internal/observability"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session key has no stored entry.
var ErrNotFound = errors.New("session not found")

// Summary is a listing row for one stored entry.
type Summary struct {
	Key          string
	Providers    int
	CLISessionID string
	UpdatedAt    time.Time
}

// Store persists entries in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the session database at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: coherent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_entries (
			session_key TEXT PRIMARY KEY,
			tokens TEXT NOT NULL DEFAULT '{}',
			cli_session_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_entries_updated ON session_entries(updated_at);
	`)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the stored entry for key, or ErrNotFound.
func (s *Store) Load(ctx context.Context, key string) (*Entry, error) {
	var (
		tokensJSON string
		cliID      string
		created    int64
		updated    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens, cli_session_id, created_at, updated_at FROM session_entries WHERE session_key = ?`,
		key,
	).Scan(&tokensJSON, &cliID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}

	tokens := map[string]string{}
	if err := json.Unmarshal([]byte(tokensJSON), &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode tokens for session %s: %w", key, err)
	}
	return restoreEntry(key, tokens, cliID, time.UnixMilli(created).UTC(), time.UnixMilli(updated).UTC()), nil
}

// Save upserts the current snapshot of entry.
func (s *Store) Save(ctx context.Context, entry *Entry) error {
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	snap := entry.state.Load()
	tokensJSON, err := json.Marshal(snap.tokens)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_entries (session_key, tokens, cli_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			tokens = excluded.tokens,
			cli_session_id = excluded.cli_session_id,
			updated_at = excluded.updated_at`,
		entry.key, string(tokensJSON), snap.cliSessionID, snap.createdAt.UnixMilli(), snap.updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", entry.key, err)
	}
	return nil
}

// List returns every stored entry, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, tokens, cli_session_id, updated_at FROM session_entries ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum        Summary
			tokensJSON string
			updated    int64
		)
		if err := rows.Scan(&sum.Key, &tokensJSON, &sum.CLISessionID, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		tokens := map[string]string{}
		if err := json.Unmarshal([]byte(tokensJSON), &tokens); err == nil {
			sum.Providers = len(tokens)
		}
		sum.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PruneIdle deletes entries not updated since before and returns their keys.
func (s *Store) PruneIdle(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT session_key FROM session_entries WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to select idle sessions: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_entries WHERE updated_at < ?`, before.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to prune idle sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prune: %w", err)
	}
	return keys, nil
}
