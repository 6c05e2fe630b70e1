package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// PreSearchResult is the outcome of the pre-search classifier (spec §3,
// §4.1 step 3).
type PreSearchResult struct {
	SearchResult          string
	NormalizedQuery       string
	PresearchHit          bool
	AllowToolRefine       bool
	ResultCount           int
	RefineRoundsUsed      int
	BlockedDuplicateTotal int
	Decision              string
}

// SearchExecutor performs the actual external search once the classifier
// has decided a query warrants one — typically bound to the registered
// web_search tool via internal/toolcore. Returning an error is treated the
// same as finding nothing.
type SearchExecutor func(ctx context.Context, sessionKey models.SessionKey, groupID, query string) (string, error)

const classifierSystemPrompt = `Decide whether the user's message needs a live web search to answer well.
Respond with a single JSON object: {"needs_search": true|false, "query": "<normalized search query>"}.
Say needs_search=false for anything answerable from general knowledge or conversation alone.`

// Classifier implements the pre-search keyword-filter-then-LLM-classify
// step (spec §4.1 step 3), with a small in-memory cache keyed by the
// normalized query so a repeated question doesn't re-run the classifier
// or the search itself.
//
// Grounded on haasonsaas-nexus/internal/agent/loop.go's pre-tool-call
// intent classification gate, narrowed to the keyword-then-LLM two-stage
// decision this spec names explicitly.
type Classifier struct {
	complete providers.Completer
	model    string
	keywords []string
	search   SearchExecutor

	mu        sync.Mutex
	cache     map[string]PreSearchResult
	cacheSize int
}

// NewClassifier builds a Classifier. complete may be nil to disable the
// LLM-classify stage (keyword filter only). search may be nil, in which
// case a keyword/LLM hit is recorded but no search text is produced.
func NewClassifier(complete providers.Completer, model string, keywords []string, search SearchExecutor) *Classifier {
	return &Classifier{
		complete:  complete,
		model:     model,
		keywords:  keywords,
		search:    search,
		cache:     make(map[string]PreSearchResult),
		cacheSize: 256,
	}
}

// Classify runs the pre-search decision for question, scoped to
// sessionKey/groupID for the search call.
func (c *Classifier) Classify(ctx context.Context, question string, sessionKey models.SessionKey, groupID string) PreSearchResult {
	normalized := normalizeQuery(question)
	if normalized == "" {
		return PreSearchResult{Decision: "empty_query"}
	}

	c.mu.Lock()
	if cached, ok := c.cache[normalized]; ok {
		c.mu.Unlock()
		cached.BlockedDuplicateTotal++
		return cached
	}
	c.mu.Unlock()

	result := PreSearchResult{NormalizedQuery: normalized}

	if c.keywordHit(normalized) {
		result.PresearchHit = true
		result.Decision = "keyword"
	} else if c.complete != nil {
		hit, decided := c.classifyLLM(ctx, question)
		if decided {
			result.PresearchHit = hit
			result.Decision = "llm"
		} else {
			result.Decision = "llm_fallback_no_signal"
		}
	} else {
		result.Decision = "no_signal"
	}

	if result.PresearchHit && c.search != nil {
		text, err := c.search(ctx, sessionKey, groupID, normalized)
		if err == nil && text != "" {
			result.SearchResult = text
			result.ResultCount = 1
			result.AllowToolRefine = true
		}
	}

	c.store(normalized, result)
	return result
}

func (c *Classifier) keywordHit(normalized string) bool {
	for _, kw := range c.keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(normalized, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (c *Classifier) classifyLLM(ctx context.Context, question string) (hit bool, decided bool) {
	result, err := c.complete(ctx, providers.CompletionRequest{
		Model: c.model,
		Messages: []models.ChatMessage{
			models.NewTextMessage(models.RoleSystem, classifierSystemPrompt),
			models.NewTextMessage(models.RoleUser, question),
		},
		Temperature: 0,
	})
	if err != nil {
		return false, false
	}
	raw := strings.TrimSpace(result.Message.Text())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var decision struct {
		NeedsSearch bool `json:"needs_search"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &decision); err != nil {
		return false, false
	}
	return decision.NeedsSearch, true
}

func (c *Classifier) store(key string, result PreSearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) >= c.cacheSize {
		for k := range c.cache {
			delete(c.cache, k)
			break
		}
	}
	c.cache[key] = result
}

func normalizeQuery(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
