// Package retrieval implements the Retrieval Agent (spec §4.6): a ReAct
// loop over a closed set of read-only actions — it never executes
// arbitrary tools the way the Tool Loop (internal/toolcore) does.
//
// Grounded on haasonsaas-nexus/internal/agent/loop.go's phase-sequenced
// AgenticLoop.Run for the round-iterate-until-done shape, narrowed from an
// open tool registry to five fixed actions, and on internal/memory's
// embed-then-cosine-search VectorStore for query_memory/query_knowledge.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/memory"
	"github.com/lopution/mika-chat-core/internal/profile"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// Embedder embeds a query string for vector search actions.
type Embedder = memory.Embedder

// Agent runs the ReAct retrieval loop.
type Agent struct {
	complete  providers.Completer
	embed     Embedder
	topics    *memory.TopicStore
	profiles  *profile.Store
	longTerm  memory.VectorStore
	knowledge memory.VectorStore
	model     string
}

// New builds a retrieval Agent. knowledge may be nil if no knowledge base
// is configured — query_knowledge then reports an empty result rather
// than erroring.
func New(complete providers.Completer, embed Embedder, topics *memory.TopicStore, profiles *profile.Store, longTerm, knowledge memory.VectorStore, model string) *Agent {
	return &Agent{complete: complete, embed: embed, topics: topics, profiles: profiles, longTerm: longTerm, knowledge: knowledge, model: model}
}

type decision struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args"`
	Reason string          `json:"reason"`
}

type observation struct {
	Action      string
	Observation string
}

// Settings bounds one retrieval run (spec §4.6's max_iterations/timeout).
type Settings struct {
	MaxIterations int
	Timeout       time.Duration
}

// Run executes the ReAct loop for question, scoped to sessionKey/userID/
// groupID. When the model chooses found_answer it returns that answer and
// true; otherwise it returns the composed final context (the last 3
// observations joined) and false.
func (a *Agent) Run(ctx context.Context, question string, sessionKey models.SessionKey, userID, groupID string, settings Settings) (answer string, found bool, err error) {
	maxIter := settings.MaxIterations
	if maxIter <= 0 {
		maxIter = 5
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	deadline := time.Now().Add(timeout)

	var observations []observation

	for i := 1; i <= maxIter; i++ {
		if time.Now().After(deadline) {
			break
		}

		d, err := a.decide(ctx, question, sessionKey, userID, groupID, observations)
		if err != nil {
			return "", false, err
		}

		if d.Action == "found_answer" {
			var args struct {
				Answer string `json:"answer"`
			}
			json.Unmarshal(d.Args, &args)
			return args.Answer, true, nil
		}

		obs := a.execute(ctx, d, sessionKey, userID, groupID)
		observations = append(observations, observation{Action: d.Action, Observation: obs})
	}

	return composeContext(observations), false, nil
}

const retrievalSystemPrompt = `You are a retrieval planner. Given a question and prior observations, choose
exactly one next action and respond with a single JSON object:
{"action":"<name>","args":{...},"reason":"<short reason>"}.
Available actions: query_chat_history(top_k), query_user_profile(user_id?),
query_memory(query, top_k), query_knowledge(query, top_k, corpus_id), found_answer(answer).
Use found_answer as soon as you have enough information.`

func (a *Agent) decide(ctx context.Context, question string, sessionKey models.SessionKey, userID, groupID string, observations []observation) (*decision, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "question: %s\nsession_key: %s\nuser_id: %s\ngroup_id: %s\n", question, sessionKey, userID, groupID)
	if len(observations) > 0 {
		sb.WriteString("observations so far:\n")
		for _, o := range observations {
			fmt.Fprintf(&sb, "- %s: %s\n", o.Action, o.Observation)
		}
	}

	result, err := a.complete(ctx, providers.CompletionRequest{
		Model: a.model,
		Messages: []models.ChatMessage{
			models.NewTextMessage(models.RoleSystem, retrievalSystemPrompt),
			models.NewTextMessage(models.RoleUser, sb.String()),
		},
	})
	if err != nil {
		return nil, err
	}

	var d decision
	raw := strings.TrimSpace(result.Message.Text())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &d); err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "parse retrieval decision")
	}
	return &d, nil
}

func (a *Agent) execute(ctx context.Context, d *decision, sessionKey models.SessionKey, userID, groupID string) string {
	switch d.Action {
	case "query_chat_history":
		var args struct {
			TopK int `json:"top_k"`
		}
		json.Unmarshal(d.Args, &args)
		return a.queryChatHistory(ctx, sessionKey, args.TopK)

	case "query_user_profile":
		var args struct {
			UserID string `json:"user_id"`
		}
		json.Unmarshal(d.Args, &args)
		target := args.UserID
		if target == "" {
			target = userID
		}
		return a.queryUserProfile(ctx, target)

	case "query_memory":
		var args struct {
			Query string `json:"query"`
			TopK  int    `json:"top_k"`
		}
		json.Unmarshal(d.Args, &args)
		return a.querySimilar(ctx, a.longTerm, sessionKey, args.Query, args.TopK)

	case "query_knowledge":
		var args struct {
			Query    string `json:"query"`
			TopK     int    `json:"top_k"`
			CorpusID string `json:"corpus_id"`
		}
		json.Unmarshal(d.Args, &args)
		if a.knowledge == nil {
			return "no knowledge base configured"
		}
		return a.querySimilar(ctx, a.knowledge, sessionKey, args.Query, args.TopK)

	default:
		return fmt.Sprintf("unsupported: %s", d.Action)
	}
}

func (a *Agent) queryChatHistory(ctx context.Context, sessionKey models.SessionKey, topK int) string {
	entries, err := a.topics.ListBySession(ctx, sessionKey)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if topK <= 0 || topK > len(entries) {
		topK = len(entries)
	}
	if topK == 0 {
		return "no topic summaries found"
	}
	var sb strings.Builder
	for _, e := range entries[:topK] {
		fmt.Fprintf(&sb, "[%s] %s\n", e.Topic, e.Summary)
	}
	return sb.String()
}

func (a *Agent) queryUserProfile(ctx context.Context, userID string) string {
	summary, ok, err := a.profiles.GetSummary(ctx, userID)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if !ok {
		return "no profile on record"
	}
	return summary
}

func (a *Agent) querySimilar(ctx context.Context, store memory.VectorStore, sessionKey models.SessionKey, query string, topK int) string {
	if store == nil || query == "" {
		return "no results"
	}
	vec, err := a.embed.Embed(ctx, query)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	hits, err := store.Search(ctx, sessionKey, vec, topK)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if len(hits) == 0 {
		return "no results"
	}
	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "(%.2f) %s\n", h.Score, h.Text)
	}
	return sb.String()
}

// composeContext joins the last 3 observations, per spec §4.6.
func composeContext(observations []observation) string {
	if len(observations) == 0 {
		return ""
	}
	start := 0
	if len(observations) > 3 {
		start = len(observations) - 3
	}
	var parts []string
	for _, o := range observations[start:] {
		parts = append(parts, fmt.Sprintf("[%s] %s", o.Action, o.Observation))
	}
	return strings.Join(parts, "\n")
}
