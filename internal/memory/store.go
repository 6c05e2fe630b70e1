// Package memory implements the Memory Extractor, Topic Summarizer, and
// Dream Agent (spec §4.7). Vector embedding/storage is an explicit
// Non-goal of the spec ("treated as opaque stores") — VectorStore here is
// the opaque-store contract the rest of the package depends on, with a
// brute-force cosine-similarity SQLite implementation behind it rather
// than a real ANN index.
//
// Grounded on haasonsaas-nexus/internal/memory/backend/sqlitevec/
// backend.go: same modernc.org/sqlite table-per-scope layout and the
// same brute-force cosine fallback the teacher's own backend documents
// ("In production with vec0 extension, you would use ... ORDER BY
// distance" — the teacher ships the brute-force path as its actual
// behavior, not just a comment, since vec0 needs cgo).
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// Embedder turns text into a vector. Concrete implementations call out to
// a provider-specific embeddings endpoint; this package only depends on
// the interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Fact is one persisted long-term-memory row (spec §4.7's memory_embeddings
// table, "source=extract").
type Fact struct {
	ID         int64
	SessionKey models.SessionKey
	UserID     string
	Text       string
	Embedding  []float32
	Source     string
	CreatedAt  int64
}

// SearchHit is a VectorStore.Search result.
type SearchHit struct {
	Text  string
	Score float64
}

// VectorStore is the opaque long-term-memory/knowledge store contract.
type VectorStore interface {
	Upsert(ctx context.Context, sessionKey models.SessionKey, userID, text string, embedding []float32, source string) error
	Search(ctx context.Context, sessionKey models.SessionKey, queryEmbedding []float32, topK int) ([]SearchHit, error)
}

// SQLiteStore is the default brute-force VectorStore implementation.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the facts table at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "open memory store")
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			user_id TEXT,
			text TEXT NOT NULL,
			embedding BLOB,
			source TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, core.Wrap(core.KindAPIError, err, "migrate memory store")
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_memory_facts_session ON memory_facts(session_key)`); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindAPIError, err, "index memory store")
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Upsert persists one fact. A fact whose text is already stored for the
// same session and user is not inserted a second time.
func (s *SQLiteStore) Upsert(ctx context.Context, sessionKey models.SessionKey, userID, text string, embedding []float32, source string) error {
	blob, err := json.Marshal(embedding)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "encode embedding")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_facts (session_key, user_id, text, embedding, source, created_at)
		SELECT ?, ?, ?, ?, ?, strftime('%s','now')
		WHERE NOT EXISTS (SELECT 1 FROM memory_facts WHERE session_key = ? AND user_id = ? AND text = ?)
	`, string(sessionKey), userID, text, string(blob), source, string(sessionKey), userID, text)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "insert fact")
	}
	return nil
}

// Search returns the topK facts for sessionKey ranked by cosine similarity
// to queryEmbedding, brute-force (spec explicitly treats vector internals
// as out of scope; see package doc).
func (s *SQLiteStore) Search(ctx context.Context, sessionKey models.SessionKey, queryEmbedding []float32, topK int) ([]SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT text, embedding FROM memory_facts WHERE session_key = ?`, string(sessionKey))
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "query facts")
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var text, blob string
		if err := rows.Scan(&text, &blob); err != nil {
			return nil, core.Wrap(core.KindAPIError, err, "scan fact")
		}
		var vec []float32
		if err := json.Unmarshal([]byte(blob), &vec); err != nil {
			continue
		}
		hits = append(hits, SearchHit{Text: text, Score: cosineSimilarity(queryEmbedding, vec)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
