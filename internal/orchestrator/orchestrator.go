// Package orchestrator implements the Chat Orchestrator (spec §4.1, C10):
// the top-level request→plan→retrieval→LLM→tool-loop→response pipeline,
// including the context-degradation retry state machine and the
// background-task fan-out at the end of a turn.
//
// Grounded on haasonsaas-nexus/internal/gateway/processing.go's
// startProcessing/handleMessage (the per-event pipeline shape: resource
// limits, hook emission, persistence, background spawn) and
// internal/agent/loop.go's AgenticLoop for the plan→call→tool-loop→reply
// sequencing, adapted from a streaming single-provider design to this
// spec's non-streaming three-provider Transport and explicit degradation
// levels.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/lopution/mika-chat-core/internal/config"
	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/contextstore"
	"github.com/lopution/mika-chat-core/internal/memory"
	"github.com/lopution/mika-chat-core/internal/observability"
	"github.com/lopution/mika-chat-core/internal/planner"
	"github.com/lopution/mika-chat-core/internal/profile"
	"github.com/lopution/mika-chat-core/internal/proactive"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/internal/retrieval"
	"github.com/lopution/mika-chat-core/internal/sanitize"
	"github.com/lopution/mika-chat-core/internal/tasks"
	"github.com/lopution/mika-chat-core/internal/toolcore"
	"github.com/lopution/mika-chat-core/internal/trace"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// Request is the Chat Orchestrator's entrypoint contract (spec §4.1).
type Request struct {
	Message              string
	UserID               string
	GroupID              string
	AuthorDisplayName    string
	ImageURLs            []string
	EnableTools          bool
	RetryCount           int
	MessageID            string
	SystemInjection      string
	ContextLevel         int
	HistoryOverride      []models.ChatMessage
	SearchResultOverride *PreSearchResult
}

func (r Request) sessionKey() models.SessionKey {
	if r.GroupID != "" {
		return models.GroupSessionKey(r.GroupID)
	}
	return models.PrivateSessionKey(r.UserID)
}

// Deps bundles every component the orchestrator wires together. All
// fields are required except where noted.
type Deps struct {
	Config   *config.Config
	Metrics  *observability.Metrics
	Hooks    *trace.Registry
	Trace    *trace.Store
	Guard    *sanitize.Guard
	Templates core.Templates

	Complete     providers.Completer // bound to the configured chat model
	FastComplete providers.Completer // bound to a cheaper/faster model for planning/classification
	Capabilities func(model string) providers.Capabilities

	ContextStore   *contextstore.Store
	ContextManager *contextstore.Manager
	Profiles       *profile.Store

	Embedder   memory.Embedder
	LongTerm   memory.VectorStore // long-term-memory facts; nil disables LTM injection
	Knowledge  memory.VectorStore // knowledge base; nil disables knowledge injection
	Topics     *memory.TopicStore
	Extractor  *memory.Extractor
	Summarizer *memory.Summarizer
	Dream      *memory.DreamAgent

	Retrieval *retrieval.Agent
	Planner   *planner.Planner
	Proactive *proactive.Gate

	ToolRegistry *toolcore.Registry
	ToolLoop     *toolcore.Loop

	Captioner CaptionProvider // nil disables the media-caption fallback

	Supervisor *tasks.Supervisor

	PreSearch *Classifier // nil disables the pre-search step

	Model     string
	FastModel string
}

// Orchestrator runs the chat() pipeline described in spec §4.1.
type Orchestrator struct {
	deps Deps
	tmpl *template.Template

	extractMu   sync.Mutex
	lastExtract map[models.SessionKey]time.Time
}

// New builds an Orchestrator from deps, parsing the configured system
// prompt template once up front so a malformed template fails fast at
// construction rather than on the first request.
func New(deps Deps) (*Orchestrator, error) {
	tmpl, err := template.New("system_prompt").Parse(deps.Config.Identity.SystemPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt template: %w", err)
	}
	return &Orchestrator{deps: deps, tmpl: tmpl, lastExtract: make(map[models.SessionKey]time.Time)}, nil
}

// Chat runs the full pipeline for req and returns the text the caller
// should send back to the user. It never returns a raw error: on any
// unrecoverable failure it resolves the error to a user-facing string via
// the configured templates (spec §4.1 step "error handling").
func (o *Orchestrator) Chat(ctx context.Context, req Request) string {
	ctx, span := observability.StartSpan(ctx, "orchestrator.chat")
	defer span.End()

	requestID := uuid.NewString()
	sessionKey := req.sessionKey()
	platform := "private"
	if sessionKey.IsGroup() {
		platform = "group"
	}
	o.deps.Metrics.RequestsTotal.WithLabelValues(platform).Inc()

	level := req.ContextLevel
	maxLevel := o.deps.Config.LLM.EmptyReplyMaxDegradeLevel
	if !o.deps.Config.LLM.EmptyReplyContextDegrade {
		maxLevel = level
	}

	var lastErr error
	for {
		reply, err := o.attempt(ctx, requestID, sessionKey, req, level)
		if err == nil {
			return reply
		}
		lastErr = err

		if core.KindOf(err) == core.KindEmptyReply && level < maxLevel {
			o.deps.Metrics.DegradeLevelTotal.WithLabelValues(fmt.Sprintf("%d", level+1)).Inc()
			level++
			delay := time.Duration(o.deps.Config.LLM.EmptyReplyRetryDelaySeconds * float64(time.Second))
			select {
			case <-ctx.Done():
				return o.renderError(ctx.Err())
			case <-time.After(delay):
			}
			continue
		}
		break
	}

	observability.FromContext(ctx).Warn("chat pipeline failed", "request_id", requestID, "error", lastErr)
	return o.renderError(lastErr)
}

func (o *Orchestrator) renderError(err error) string {
	ce, _ := core.As(err)
	key := ""
	if ce != nil {
		key = ce.Kind.UserMessageKey()
	}
	if key == "" {
		key = "unknown"
	}
	return o.deps.Templates.Render(key, o.deps.Config.Identity.BotName)
}

// attempt runs pipeline steps 2-13 once, at the given context-degradation
// level. It returns a *core.CoreError on any failure so Chat can decide
// whether to retry or degrade further.
func (o *Orchestrator) attempt(ctx context.Context, requestID string, sessionKey models.SessionKey, req Request, level int) (string, error) {
	vars := o.buildPromptVars(ctx, req, sessionKey)
	if req.SystemInjection != "" {
		vars.SystemInjection = appendInjection(vars.SystemInjection, req.SystemInjection)
	}

	var searchResult *PreSearchResult
	if req.SearchResultOverride != nil {
		searchResult = req.SearchResultOverride
	} else if o.deps.PreSearch != nil {
		r := o.deps.PreSearch.Classify(ctx, req.Message, sessionKey, req.GroupID)
		searchResult = &r
	}

	plan := o.decidePlan(ctx, req, vars)
	if o.deps.Trace != nil {
		_ = o.deps.Trace.SetPlan(ctx, requestID, string(sessionKey), req.UserID, req.GroupID, time.Now().Unix(), plan)
	}

	if plan.UseMemoryRetrieval && o.deps.Retrieval != nil {
		settings := retrieval.Settings{
			MaxIterations: o.deps.Config.Memory.RetrievalMaxIterations,
			Timeout:       o.deps.Config.Memory.RetrievalTimeout,
		}
		if answer, found, err := o.deps.Retrieval.Run(ctx, req.Message, sessionKey, req.UserID, req.GroupID, settings); err == nil && found {
			vars.SystemInjection = appendInjection(vars.SystemInjection, answer)
		}
	} else {
		if plan.UseLTMMemory {
			vars.SystemInjection = appendInjection(vars.SystemInjection, o.injectVectorStore(ctx, o.deps.LongTerm, sessionKey, req.Message, "[Long-Term Memory]"))
		}
		if plan.UseKnowledgeInject {
			vars.SystemInjection = appendInjection(vars.SystemInjection, o.injectVectorStore(ctx, o.deps.Knowledge, sessionKey, req.Message, "[Knowledge Base]"))
		}
	}

	mediaPolicy := MediaPolicy{
		NeedMedia:           plan.NeedMedia,
		MediaCaptionEnabled: o.deps.Config.Context.MediaCaptionEnabled,
	}
	if o.deps.Capabilities != nil {
		mediaPolicy.SupportsImages = o.deps.Capabilities(o.deps.Model).SupportsImages
	}

	messages, err := o.buildMessages(ctx, req, sessionKey, vars, level, searchResult, mediaPolicy)
	if err != nil {
		return "", core.Wrap(core.KindUnknown, err, "build messages")
	}
	if o.deps.Guard != nil {
		last := &messages[len(messages)-1]
		last.SetText(o.deps.Guard.Apply(ctx, last.Text()))
	}

	completionReq := providers.CompletionRequest{
		Model:       o.deps.Model,
		Messages:    messages,
		Temperature: o.deps.Config.LLM.Temperature,
		MaxTokens:   o.deps.Config.LLM.MaxTokens,
	}

	start := time.Now()
	o.emitBeforeLLM(ctx, requestID, sessionKey)

	var result *providers.CompletionResult
	var newMessages []models.ChatMessage
	if plan.ToolEnabled && req.EnableTools && o.deps.ToolLoop != nil {
		loopResult, err := o.deps.ToolLoop.Run(ctx, sessionKey, req.GroupID, completionReq, toolcore.LoopConfig{
			MaxRounds:             o.deps.Config.Tools.MaxRounds,
			ForceFinalOnMaxRounds: o.deps.Config.Tools.ForceFinalOnMaxRounds,
			ReactReflection:       o.deps.Config.Tools.ReactReflection,
			Allowlist:             o.deps.Config.Tools.Allowlist,
		})
		o.emitAfterLLM(ctx, requestID, sessionKey, start, err)
		if err != nil {
			return "", asErr(err)
		}
		result = loopResult.Final
		newMessages = loopResult.Appended
	} else {
		result, err = o.deps.Complete(ctx, completionReq)
		o.emitAfterLLM(ctx, requestID, sessionKey, start, err)
		if err != nil {
			return "", asErr(err)
		}
	}

	reply := sanitize.Reply(result.Message.Text())
	if o.isEmptySentinel(reply) {
		return "", core.New(core.KindEmptyReply, "empty or sentinel reply")
	}

	o.persistTurn(ctx, sessionKey, req, reply, newMessages, mediaPolicy)
	o.spawnBackgroundTasks(ctx, sessionKey, req, reply)

	return reply, nil
}

func (o *Orchestrator) decidePlan(ctx context.Context, req Request, vars promptVars) planner.Plan {
	pReq := planner.Request{
		HasImages:        len(req.ImageURLs) > 0,
		SystemInjection:  vars.SystemInjection,
		ToolsEnabled:     req.EnableTools,
		MemoryRetrieval:  o.deps.Config.Memory.MemoryRetrievalEnabled,
		LongTermMemory:   o.deps.Config.Memory.MemoryEnabled,
		KnowledgeInject:  o.deps.Config.Memory.KnowledgeAutoInject,
		DefaultNeedMedia: o.deps.Config.Planner.DefaultNeedMedia,
	}
	useLLM := o.deps.Config.Planner.Enabled && o.deps.Config.Planner.Mode == "llm"
	if o.deps.Planner == nil {
		return planner.Heuristic(pReq)
	}
	return o.deps.Planner.Decide(ctx, pReq, useLLM, o.deps.Config.PlanGate)
}

func (o *Orchestrator) emitBeforeLLM(ctx context.Context, requestID string, sessionKey models.SessionKey) {
	if o.deps.Hooks == nil {
		return
	}
	o.deps.Hooks.EmitBeforeLLM(ctx, trace.LLMCallInfo{RequestID: requestID, SessionKey: string(sessionKey), Model: o.deps.Model})
}

func (o *Orchestrator) emitAfterLLM(ctx context.Context, requestID string, sessionKey models.SessionKey, start time.Time, err error) {
	duration := time.Since(start)
	o.deps.Metrics.LLMLatencySeconds.WithLabelValues(o.deps.Config.LLM.Provider, o.deps.Model).Observe(duration.Seconds())
	if o.deps.Hooks == nil {
		return
	}
	o.deps.Hooks.EmitAfterLLM(ctx, trace.LLMCallInfo{RequestID: requestID, SessionKey: string(sessionKey), Model: o.deps.Model, Duration: duration, Err: err})
}

func (o *Orchestrator) isEmptySentinel(reply string) bool {
	if reply == "" {
		o.deps.Metrics.APIEmptyReplyTotal.WithLabelValues("empty", o.deps.Config.LLM.Provider).Inc()
		return true
	}
	lower := strings.ToLower(reply)
	for _, sentinel := range o.deps.Config.LLM.EmptyReplySentinels {
		if sentinel != "" && strings.Contains(lower, strings.ToLower(sentinel)) {
			o.deps.Metrics.APIEmptyReplyTotal.WithLabelValues("sentinel", o.deps.Config.LLM.Provider).Inc()
			return true
		}
	}
	return false
}

func (o *Orchestrator) persistTurn(ctx context.Context, sessionKey models.SessionKey, req Request, reply string, toolMessages []models.ChatMessage, policy MediaPolicy) {
	if o.deps.ContextStore == nil {
		return
	}
	userMsg, err := o.buildUserTurn(ctx, req, policy)
	if err != nil {
		return
	}
	assistantText := reply
	if sessionKey.IsGroup() {
		assistantText = fmt.Sprintf("[%s]: %s", o.deps.Config.Identity.BotName, reply)
	}
	newMessages := append([]models.ChatMessage{userMsg}, toolMessages...)
	newMessages = append(newMessages, models.NewTextMessage(models.RoleAssistant, assistantText))

	snapshot, err := o.deps.ContextStore.Snapshot(ctx, sessionKey)
	if err != nil {
		observability.FromContext(ctx).Warn("context snapshot read failed", "session_key", string(sessionKey), "error", err)
		return
	}
	combined := append(append([]models.ChatMessage{}, snapshot...), newMessages...)
	if err := o.deps.ContextStore.SaveSnapshotAndArchive(ctx, sessionKey, combined, newMessages); err != nil {
		observability.FromContext(ctx).Warn("context persistence failed", "session_key", string(sessionKey), "error", err)
	}
}

func asErr(err error) error {
	if ce, ok := core.As(err); ok {
		return ce
	}
	return core.Wrap(core.KindUnknown, err, "")
}
