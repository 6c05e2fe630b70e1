// Package contextstore persists per-session chat context to SQLite: a
// compact "latest snapshot" row used to rebuild the working set quickly,
// and a full append-only message archive used for transcript synthesis
// and the retrieval agent (spec §4.4).
//
// Grounded on haasonsaas-nexus/internal/memory/backend/sqlitevec/backend.go
// for modernc.org/sqlite wiring (pure-Go driver, WAL mode, CREATE TABLE IF
// NOT EXISTS migration-on-open) and internal/sessions/store.go for the
// snapshot-row shape, adapted from a single-platform session model to the
// spec's SessionKey-scoped contexts/message_archive schema.
package contextstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// Store is the SQLite-backed context persistence layer.
type Store struct {
	db *sql.DB

	cacheMu   sync.Mutex
	cache     map[models.SessionKey][]models.ChatMessage
	cacheLRU  []models.SessionKey
	cacheSize int
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// path may be ":memory:" for tests.
func Open(path string, snapshotCacheSize int) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if snapshotCacheSize <= 0 {
		snapshotCacheSize = 512
	}
	s := &Store{db: db, cache: make(map[models.SessionKey][]models.ChatMessage), cacheSize: snapshotCacheSize}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contexts (
			session_key TEXT PRIMARY KEY,
			snapshot_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_archive (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			author_user_id TEXT,
			content_json TEXT NOT NULL,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_session ON message_archive(session_key, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Snapshot returns the latest trimmed working-set snapshot for key,
// checking the in-memory LRU cache before SQLite.
func (s *Store) Snapshot(ctx context.Context, key models.SessionKey) ([]models.ChatMessage, error) {
	if msgs, ok := s.cacheGet(key); ok {
		return msgs, nil
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM contexts WHERE session_key = ?`, string(key)).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "read context snapshot")
	}
	var msgs []models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "decode context snapshot")
	}
	s.cachePut(key, msgs)
	return msgs, nil
}

// SaveSnapshotAndArchive atomically writes the trimmed snapshot and
// appends newMessages to the durable archive, in one transaction (spec
// §4.4: snapshot+archive must stay consistent).
func (s *Store) SaveSnapshotAndArchive(ctx context.Context, key models.SessionKey, snapshot []models.ChatMessage, newMessages []models.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "begin transaction")
	}
	defer tx.Rollback()

	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "encode snapshot")
	}
	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO contexts (session_key, snapshot_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET snapshot_json = excluded.snapshot_json, updated_at = excluded.updated_at
	`, string(key), string(snapJSON), now)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "upsert snapshot")
	}

	for _, m := range newMessages {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return core.Wrap(core.KindAPIError, err, "encode archived message")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_archive (session_key, role, author_user_id, content_json, tool_call_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, string(key), string(m.Role), m.AuthorUserID, string(content), m.ToolCallID, now)
		if err != nil {
			return core.Wrap(core.KindAPIError, err, "append archive message")
		}
	}

	if err := tx.Commit(); err != nil {
		return core.Wrap(core.KindAPIError, err, "commit transaction")
	}
	s.cachePut(key, snapshot)
	return nil
}

// ArchiveTail returns the most recent limit messages from the durable
// archive for key, oldest first — used by the transcript synthesizer and
// retrieval agent when the working-set snapshot alone isn't enough
// history.
func (s *Store) ArchiveTail(ctx context.Context, key models.SessionKey, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, author_user_id, content_json, tool_call_id
		FROM message_archive
		WHERE session_key = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(key), limit)
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "query archive tail")
	}
	defer rows.Close()

	var reversed []models.ChatMessage
	for rows.Next() {
		var role, authorID, contentJSON, toolCallID sql.NullString
		if err := rows.Scan(&role, &authorID, &contentJSON, &toolCallID); err != nil {
			return nil, core.Wrap(core.KindAPIError, err, "scan archive row")
		}
		reversed = append(reversed, models.ChatMessage{
			Role:         models.Role(role.String),
			AuthorUserID: authorID.String,
			Content:      json.RawMessage(contentJSON.String),
			ToolCallID:   toolCallID.String,
		})
	}
	out := make([]models.ChatMessage, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m
	}
	return out, nil
}

func (s *Store) cacheGet(key models.SessionKey) ([]models.ChatMessage, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	msgs, ok := s.cache[key]
	if ok {
		s.touchLocked(key)
	}
	return msgs, ok
}

func (s *Store) cachePut(key models.SessionKey, msgs []models.ChatMessage) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, exists := s.cache[key]; !exists {
		s.cacheLRU = append(s.cacheLRU, key)
	}
	s.cache[key] = msgs
	s.touchLocked(key)
	for len(s.cacheLRU) > s.cacheSize {
		oldest := s.cacheLRU[0]
		s.cacheLRU = s.cacheLRU[1:]
		delete(s.cache, oldest)
	}
}

func (s *Store) touchLocked(key models.SessionKey) {
	for i, k := range s.cacheLRU {
		if k == key {
			s.cacheLRU = append(s.cacheLRU[:i], s.cacheLRU[i+1:]...)
			break
		}
	}
	s.cacheLRU = append(s.cacheLRU, key)
}
