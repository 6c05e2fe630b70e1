package memory

import (
	"context"
	"strings"

	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

const extractorSystemPrompt = `You extract durable facts from a short dialogue snippet.
Output strict "user_id: fact" lines only, one fact per line.
If there is nothing worth remembering, output exactly NONE.
Never include commentary, headers, or anything besides fact lines or NONE.`

// Extractor is the Memory Extractor (spec §4.7): prompts an LLM with a
// strict facts-only instruction, parses up to maxFacts lines, embeds each,
// and persists it to the vector store with source="extract".
type Extractor struct {
	complete providers.Completer
	embed    Embedder
	store    VectorStore
	model    string
	maxFacts int
}

// NewExtractor builds an Extractor.
func NewExtractor(complete providers.Completer, embed Embedder, store VectorStore, model string, maxFacts int) *Extractor {
	if maxFacts <= 0 {
		maxFacts = 5
	}
	return &Extractor{complete: complete, embed: embed, store: store, model: model, maxFacts: maxFacts}
}

// Extract runs one extraction pass over dialogue (a short rendered snippet
// of recent turns) for sessionKey, persisting any facts found. Returns the
// facts actually stored.
func (e *Extractor) Extract(ctx context.Context, sessionKey models.SessionKey, dialogue string) ([]string, error) {
	req := providers.CompletionRequest{
		Model: e.model,
		Messages: []models.ChatMessage{
			models.NewTextMessage(models.RoleSystem, extractorSystemPrompt),
			models.NewTextMessage(models.RoleUser, dialogue),
		},
		Temperature: 0,
	}
	result, err := e.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	facts := parseFactLines(result.Message.Text(), e.maxFacts)
	stored := make([]string, 0, len(facts))
	for _, f := range facts {
		vec, err := e.embed.Embed(ctx, f.text)
		if err != nil {
			continue
		}
		if err := e.store.Upsert(ctx, sessionKey, f.userID, f.text, vec, "extract"); err != nil {
			continue
		}
		stored = append(stored, f.text)
	}
	return stored, nil
}

type parsedFact struct {
	userID string
	text   string
}

// parseFactLines parses "user_id: fact" lines, stopping at maxFacts and
// treating a bare "NONE" response (case-insensitive) as zero facts.
func parseFactLines(raw string, maxFacts int) []parsedFact {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "NONE") {
		return nil
	}
	var facts []parsedFact
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "NONE") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		userID := strings.TrimSpace(line[:idx])
		fact := strings.TrimSpace(line[idx+1:])
		if userID == "" || fact == "" {
			continue
		}
		facts = append(facts, parsedFact{userID: userID, text: fact})
		if len(facts) >= maxFacts {
			break
		}
	}
	return facts
}
