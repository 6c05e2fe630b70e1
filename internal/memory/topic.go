package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// TopicSummaryEntry is one row of the topic_summaries table (spec §3, §4.7).
type TopicSummaryEntry struct {
	ID                 int64
	SessionKey         models.SessionKey
	Topic              string
	Keywords           []string
	Summary            string
	KeyPoints          []string
	Participants       []string
	TimestampStart     int64
	TimestampEnd       int64
	SourceMessageCount int
	CreatedAt          int64
	UpdatedAt          int64
}

// TopicStore persists TopicSummaryEntry rows, unique on (session_key, topic).
type TopicStore struct {
	db *sql.DB
}

// OpenTopicStore opens (or creates) the topic_summaries table at path.
func OpenTopicStore(path string) (*TopicStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "open topic store")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindAPIError, err, "enable WAL")
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS topic_summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			topic TEXT NOT NULL,
			keywords TEXT,
			summary TEXT,
			key_points TEXT,
			participants TEXT,
			timestamp_start INTEGER,
			timestamp_end INTEGER,
			source_message_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(session_key, topic)
		)
	`)
	if err != nil {
		db.Close()
		return nil, core.Wrap(core.KindAPIError, err, "migrate topic store")
	}
	return &TopicStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *TopicStore) Close() error { return s.db.Close() }

// Upsert inserts a new topic row or, on (session_key, topic) conflict,
// accumulates source_message_count and replaces the summary/keywords/
// key_points/participants/timestamp_end with the new candidate's values.
func (s *TopicStore) Upsert(ctx context.Context, e TopicSummaryEntry) error {
	keywords, _ := json.Marshal(e.Keywords)
	keyPoints, _ := json.Marshal(e.KeyPoints)
	participants, _ := json.Marshal(e.Participants)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_summaries
			(session_key, topic, keywords, summary, key_points, participants,
			 timestamp_start, timestamp_end, source_message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'), strftime('%s','now'))
		ON CONFLICT(session_key, topic) DO UPDATE SET
			keywords = excluded.keywords,
			summary = excluded.summary,
			key_points = excluded.key_points,
			participants = excluded.participants,
			timestamp_end = excluded.timestamp_end,
			source_message_count = topic_summaries.source_message_count + excluded.source_message_count,
			updated_at = strftime('%s','now')
	`, string(e.SessionKey), e.Topic, string(keywords), e.Summary, string(keyPoints), string(participants),
		e.TimestampStart, e.TimestampEnd, e.SourceMessageCount)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "upsert topic summary")
	}
	return nil
}

// Replace overwrites an existing topic row's mutable fields in place,
// used by the Dream Agent after computing a merged entry — unlike
// Upsert, this sets source_message_count rather than accumulating it,
// since the caller has already summed it across the merged group.
func (s *TopicStore) Replace(ctx context.Context, e TopicSummaryEntry) error {
	keywords, _ := json.Marshal(e.Keywords)
	keyPoints, _ := json.Marshal(e.KeyPoints)
	participants, _ := json.Marshal(e.Participants)

	_, err := s.db.ExecContext(ctx, `
		UPDATE topic_summaries SET
			keywords = ?, summary = ?, key_points = ?, participants = ?,
			timestamp_start = ?, timestamp_end = ?, source_message_count = ?,
			updated_at = strftime('%s','now')
		WHERE id = ?
	`, string(keywords), e.Summary, string(keyPoints), string(participants),
		e.TimestampStart, e.TimestampEnd, e.SourceMessageCount, e.ID)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "replace topic summary")
	}
	return nil
}

// ListBySession returns every topic row for sessionKey.
func (s *TopicStore) ListBySession(ctx context.Context, sessionKey models.SessionKey) ([]TopicSummaryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, keywords, summary, key_points, participants, timestamp_start, timestamp_end, source_message_count, created_at, updated_at
		FROM topic_summaries WHERE session_key = ?
	`, string(sessionKey))
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "list topic summaries")
	}
	defer rows.Close()

	var out []TopicSummaryEntry
	for rows.Next() {
		var e TopicSummaryEntry
		var keywords, keyPoints, participants string
		e.SessionKey = sessionKey
		if err := rows.Scan(&e.ID, &e.Topic, &keywords, &e.Summary, &keyPoints, &participants,
			&e.TimestampStart, &e.TimestampEnd, &e.SourceMessageCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, core.Wrap(core.KindAPIError, err, "scan topic summary")
		}
		json.Unmarshal([]byte(keywords), &e.Keywords)
		json.Unmarshal([]byte(keyPoints), &e.KeyPoints)
		json.Unmarshal([]byte(participants), &e.Participants)
		out = append(out, e)
	}
	return out, nil
}

// ListSessions returns the distinct session keys with at least one topic
// row, used by the periodic dream sweep to find sessions worth merging.
func (s *TopicStore) ListSessions(ctx context.Context) ([]models.SessionKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_key FROM topic_summaries`)
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "list topic sessions")
	}
	defer rows.Close()

	var out []models.SessionKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, core.Wrap(core.KindAPIError, err, "scan topic session")
		}
		out = append(out, models.SessionKey(key))
	}
	return out, nil
}

// Delete removes a topic row by id, used by the Dream Agent.
func (s *TopicStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM topic_summaries WHERE id = ?`, id)
	if err != nil {
		return core.Wrap(core.KindAPIError, err, "delete topic summary")
	}
	return nil
}

type topicPartition struct {
	Topics []struct {
		Topic           string `json:"topic"`
		MessageIndices  []int  `json:"message_indices"`
	} `json:"topics"`
}

type topicDetail struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Keywords  []string `json:"keywords"`
}

// Summarizer is the Topic Summarizer (spec §4.7): tracks
// processed_message_count per session, and once new messages accumulate
// past batchSize, partitions the next batch into at most maxTopics
// candidate topics and asks an LLM to describe each.
type Summarizer struct {
	complete  providers.Completer
	store     *TopicStore
	model     string
	batchSize int
	maxTopics int

	mu        sync.Mutex
	processed map[models.SessionKey]int
}

// NewSummarizer builds a Summarizer.
func NewSummarizer(complete providers.Completer, store *TopicStore, model string, batchSize, maxTopics int) *Summarizer {
	if batchSize <= 0 {
		batchSize = 30
	}
	if maxTopics <= 0 {
		maxTopics = 3
	}
	return &Summarizer{
		complete:  complete,
		store:     store,
		model:     model,
		batchSize: batchSize,
		maxTopics: maxTopics,
		processed: make(map[models.SessionKey]int),
	}
}

// ProcessIfReady checks whether sessionKey has accumulated at least
// batchSize unprocessed messages in history and, if so, summarizes the
// next batch. Returns the topics upserted, or nil if not enough new
// messages have arrived yet.
func (s *Summarizer) ProcessIfReady(ctx context.Context, sessionKey models.SessionKey, history []models.ChatMessage) ([]TopicSummaryEntry, error) {
	s.mu.Lock()
	already := s.processed[sessionKey]
	s.mu.Unlock()

	if len(history)-already < s.batchSize {
		return nil, nil
	}
	batch := history[already : already+s.batchSize]

	partition, err := s.partition(ctx, batch)
	if err != nil {
		return nil, err
	}

	topics := partition.Topics
	if len(topics) > s.maxTopics {
		topics = topics[:s.maxTopics]
	}
	var upserted []TopicSummaryEntry
	for _, t := range topics {
		if t.Topic == "" || len(t.MessageIndices) == 0 {
			continue
		}
		var snippetLines []string
		var participants []string
		seenParticipant := map[string]bool{}
		var start, end int64
		for _, idx := range t.MessageIndices {
			if idx < 0 || idx >= len(batch) {
				continue
			}
			m := batch[idx]
			snippetLines = append(snippetLines, fmt.Sprintf("%s: %s", m.Role, m.Text()))
			if m.AuthorUserID != "" && !seenParticipant[m.AuthorUserID] {
				seenParticipant[m.AuthorUserID] = true
				participants = append(participants, m.AuthorUserID)
			}
			if start == 0 || m.Timestamp < start {
				start = m.Timestamp
			}
			if m.Timestamp > end {
				end = m.Timestamp
			}
		}
		detail, err := s.describe(ctx, t.Topic, strings.Join(snippetLines, "\n"))
		if err != nil {
			continue
		}
		entry := TopicSummaryEntry{
			SessionKey:         sessionKey,
			Topic:              t.Topic,
			Keywords:           detail.Keywords,
			Summary:            detail.Summary,
			KeyPoints:          detail.KeyPoints,
			Participants:       participants,
			TimestampStart:     start,
			TimestampEnd:       end,
			SourceMessageCount: len(t.MessageIndices),
		}
		if err := s.store.Upsert(ctx, entry); err != nil {
			continue
		}
		upserted = append(upserted, entry)
	}

	s.mu.Lock()
	s.processed[sessionKey] = already + len(batch)
	s.mu.Unlock()

	return upserted, nil
}

func (s *Summarizer) partition(ctx context.Context, batch []models.ChatMessage) (*topicPartition, error) {
	var sb strings.Builder
	for i, m := range batch {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i, m.Role, m.Text())
	}
	prompt := fmt.Sprintf(
		"Partition the following dialogue into at most %d topics. Respond with a single JSON object: "+
			`{"topics":[{"topic":"<short name>","message_indices":[...]}]}.`+"\n\n%s",
		s.maxTopics, sb.String())

	result, err := s.complete(ctx, providers.CompletionRequest{
		Model: s.model,
		Messages: []models.ChatMessage{
			models.NewTextMessage(models.RoleSystem, "You partition dialogue into topics and respond with strict JSON only."),
			models.NewTextMessage(models.RoleUser, prompt),
		},
	})
	if err != nil {
		return nil, err
	}
	var p topicPartition
	if err := json.Unmarshal([]byte(extractJSON(result.Message.Text())), &p); err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "parse topic partition")
	}
	return &p, nil
}

func (s *Summarizer) describe(ctx context.Context, topic, snippet string) (*topicDetail, error) {
	prompt := fmt.Sprintf(
		`Summarize the topic %q from this dialogue snippet. Respond with a single JSON object: `+
			`{"summary":"...","key_points":["..."],"keywords":["..."]}.`+"\n\n%s", topic, snippet)

	result, err := s.complete(ctx, providers.CompletionRequest{
		Model: s.model,
		Messages: []models.ChatMessage{
			models.NewTextMessage(models.RoleSystem, "You summarize dialogue topics and respond with strict JSON only."),
			models.NewTextMessage(models.RoleUser, prompt),
		},
	})
	if err != nil {
		return nil, err
	}
	var d topicDetail
	if err := json.Unmarshal([]byte(extractJSON(result.Message.Text())), &d); err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "parse topic detail")
	}
	return &d, nil
}
