package trace

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	core "github.com/lopution/mika-chat-core/internal/errors"
)

// Event is one entry appended to a request's events_json array.
type Event struct {
	At      int64           `json:"at"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Record is one row of agent_traces as seen by callers.
type Record struct {
	RequestID  string
	SessionKey string
	UserID     string
	GroupID    string
	CreatedAt  int64
	Plan       json.RawMessage
	Events     []Event
}

// Store persists request-scoped trace rows (spec §4.10).
type Store struct {
	db            *sql.DB
	retentionDays int
	maxRows       int
}

// Open opens (or creates) the agent_traces table at path.
func Open(path string, retentionDays, maxRows int) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "open trace store")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindAPIError, err, "enable WAL")
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_traces (
			request_id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			plan_json TEXT NOT NULL DEFAULT '{}',
			events_json TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_agent_traces_created_at ON agent_traces(created_at);
	`)
	if err != nil {
		db.Close()
		return nil, core.Wrap(core.KindAPIError, err, "migrate trace store")
	}
	if retentionDays <= 0 {
		retentionDays = 14
	}
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &Store{db: db, retentionDays: retentionDays, maxRows: maxRows}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SetPlan upserts the row for requestID, overwriting plan_json.
func (s *Store) SetPlan(ctx context.Context, requestID, sessionKey, userID, groupID string, createdAt int64, plan any) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return core.Wrap(core.KindUnknown, err, "marshal trace plan")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_traces (request_id, session_key, user_id, group_id, created_at, plan_json, events_json)
		VALUES (?, ?, ?, ?, ?, ?, '[]')
		ON CONFLICT(request_id) DO UPDATE SET plan_json = excluded.plan_json
	`, requestID, sessionKey, userID, groupID, createdAt, string(planJSON))
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "set trace plan")
	}
	return nil
}

// AppendEvent upserts the row for requestID (creating it with an empty plan
// if absent) and appends ev to events_json.
func (s *Store) AppendEvent(ctx context.Context, requestID, sessionKey, userID, groupID string, createdAt int64, ev Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "begin append event")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_traces (request_id, session_key, user_id, group_id, created_at, plan_json, events_json)
		VALUES (?, ?, ?, ?, ?, '{}', '[]')
		ON CONFLICT(request_id) DO NOTHING
	`, requestID, sessionKey, userID, groupID, createdAt)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "insert trace row")
	}

	var eventsRaw string
	if err := tx.QueryRowContext(ctx, `SELECT events_json FROM agent_traces WHERE request_id = ?`, requestID).Scan(&eventsRaw); err != nil {
		return core.Wrap(core.KindAPIError, err, "read trace events")
	}
	var events []Event
	json.Unmarshal([]byte(eventsRaw), &events)
	events = append(events, ev)
	updated, err := json.Marshal(events)
	if err != nil {
		return core.Wrap(core.KindUnknown, err, "marshal trace events")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE agent_traces SET events_json = ? WHERE request_id = ?`, string(updated), requestID); err != nil {
		return core.Wrap(core.KindAPIError, err, "update trace events")
	}
	return tx.Commit()
}

// Get returns the full record for requestID, or ok=false if none exists.
func (s *Store) Get(ctx context.Context, requestID string) (rec Record, ok bool, err error) {
	var planRaw, eventsRaw string
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, session_key, user_id, group_id, created_at, plan_json, events_json
		FROM agent_traces WHERE request_id = ?
	`, requestID)
	if err := row.Scan(&rec.RequestID, &rec.SessionKey, &rec.UserID, &rec.GroupID, &rec.CreatedAt, &planRaw, &eventsRaw); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, core.Wrap(core.KindAPIError, err, "read trace record")
	}
	rec.Plan = json.RawMessage(planRaw)
	json.Unmarshal([]byte(eventsRaw), &rec.Events)
	return rec, true, nil
}

// PruneIfNeeded deletes rows older than retentionDays (measured against
// nowUnix) and then, if still over maxRows, deletes the oldest rows until
// at most maxRows remain.
func (s *Store) PruneIfNeeded(ctx context.Context, nowUnix int64) error {
	cutoff := nowUnix - int64(s.retentionDays)*86400
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_traces WHERE created_at < ?`, cutoff); err != nil {
		return core.Wrap(core.KindAPIError, err, "prune trace rows by age")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_traces`).Scan(&count); err != nil {
		return core.Wrap(core.KindAPIError, err, "count trace rows")
	}
	if count <= s.maxRows {
		return nil
	}
	excess := count - s.maxRows
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_traces WHERE request_id IN (
			SELECT request_id FROM agent_traces ORDER BY created_at ASC LIMIT ?
		)
	`, excess)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "prune trace rows by count")
	}
	return nil
}
