// Package profile implements the user-profile summary store referenced by
// the Retrieval Agent's query_user_profile action and the orchestrator's
// prompt-variable context (spec §4.1 step 2, §4.6). Spec §1 treats this as
// an opaque store with its own schema; this is a minimal SQLite-backed
// implementation of that contract.
//
// Grounded on haasonsaas-nexus/internal/identity/store.go's user-row
// shape (DisplayName + freeform fields keyed by user id), narrowed here to
// a single rolling text summary rather than a structured identity record.
package profile

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	core "github.com/lopution/mika-chat-core/internal/errors"
)

// Store persists one rolling free-text summary per user.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the user_profiles table at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "open profile store")
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, core.Wrap(core.KindAPIError, err, "migrate profile store")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// GetSummary returns the stored summary for userID, or ok=false if none
// exists yet.
func (s *Store) GetSummary(ctx context.Context, userID string) (summary string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT summary FROM user_profiles WHERE user_id = ?`, userID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, core.Wrap(core.KindAPIError, err, "read profile summary")
	}
	return summary, true, nil
}

// SetSummary upserts the summary for userID.
func (s *Store) SetSummary(ctx context.Context, userID, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, summary, updated_at) VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(user_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at
	`, userID, summary)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "upsert profile summary")
	}
	return nil
}
