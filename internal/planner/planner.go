// Package planner implements the Request Planner (spec §4.8): decides, once
// per inbound message, whether and how the orchestrator should engage the
// Tool Loop, long-term memory, knowledge auto-injection, and media handling
// before the main completion call is issued.
//
// Grounded on haasonsaas-nexus/internal/agent/loop.go's up-front mode
// decision (the AgenticLoop picks a reply strategy before its first model
// call) and generalized into a standalone, independently gateable plan.
package planner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// Gate reports whether feature is permitted by static config, matching
// config.Config.PlanGate's signature without importing internal/config
// (avoiding an import cycle with orchestrator wiring).
type Gate func(feature string) bool

// Request is the subset of an inbound turn the planner needs to decide a
// plan. SystemInjection is the composed system-prompt addendum built
// earlier in the pipeline (spec §4.1), inspected here only to detect
// already-injected media captions.
type Request struct {
	HasImages        bool
	SystemInjection  string
	ToolsEnabled     bool
	MemoryRetrieval  bool
	LongTermMemory   bool
	KnowledgeInject  bool
	DefaultNeedMedia string
}

// Plan is the RequestPlan spec §4.8 names, consumed by the orchestrator to
// decide reply mode, media handling, and which memory subsystems to engage.
type Plan struct {
	ShouldReply         bool    `json:"should_reply"`
	ToolEnabled         bool    `json:"tool_enabled"`
	ReplyMode           string  `json:"reply_mode"` // "tool_loop" | "direct"
	NeedMedia           string  `json:"need_media"` // "images" | "caption" | "none"
	UseMemoryRetrieval  bool    `json:"use_memory_retrieval"`
	UseLTMMemory        bool    `json:"use_ltm_memory"`
	UseKnowledgeInject  bool    `json:"use_knowledge_auto_inject"`
	Confidence          float64 `json:"confidence"`
	PlannerMode         string  `json:"planner_mode"` // "heuristic" | "llm"
}

const mediaCaptionMarker = "[Context Media Captions"

// Heuristic computes the deterministic plan spec §4.8 describes. It never
// fails and never consults an LLM.
func Heuristic(req Request) Plan {
	replyMode := "direct"
	if req.ToolsEnabled {
		replyMode = "tool_loop"
	}

	needMedia := req.DefaultNeedMedia
	if needMedia == "" {
		needMedia = "none"
	}
	if req.HasImages {
		needMedia = "images"
	} else if strings.Contains(req.SystemInjection, mediaCaptionMarker) {
		needMedia = "caption"
	}

	useMemoryRetrieval := req.MemoryRetrieval
	useLTM := req.LongTermMemory && !useMemoryRetrieval
	useKnowledge := req.KnowledgeInject && !useMemoryRetrieval

	return Plan{
		ShouldReply:        true,
		ToolEnabled:        req.ToolsEnabled,
		ReplyMode:          replyMode,
		NeedMedia:          needMedia,
		UseMemoryRetrieval: useMemoryRetrieval,
		UseLTMMemory:       useLTM,
		UseKnowledgeInject: useKnowledge,
		Confidence:         0.9,
		PlannerMode:        "heuristic",
	}
}

// Planner optionally upgrades the heuristic plan with a short fast-model
// JSON call, always falling back to Heuristic on timeout or parse failure,
// and always re-gating the result through the gate so a misbehaving LLM call
// can never enable a statically disabled feature.
type Planner struct {
	complete providers.Completer
	model    string
	timeout  time.Duration
}

// New builds a Planner. If complete is nil, Decide always returns the
// heuristic plan.
func New(complete providers.Completer, model string, timeout time.Duration) *Planner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Planner{complete: complete, model: model, timeout: timeout}
}

const plannerSystemPrompt = `You are a request planner. Given the request summary, respond with a
single JSON object matching: {"should_reply":bool,"tool_enabled":bool,
"reply_mode":"tool_loop"|"direct","need_media":"images"|"caption"|"none",
"use_memory_retrieval":bool,"use_ltm_memory":bool,
"use_knowledge_auto_inject":bool,"confidence":number}. Output only the JSON
object.`

// Decide returns the LLM-refined plan when useLLM is true and a completer
// is configured, otherwise the heuristic plan. gate is applied to the
// result either way so the planner can never enable a config-disabled
// feature (spec §3).
func (p *Planner) Decide(ctx context.Context, req Request, useLLM bool, gate Gate) Plan {
	heuristic := Heuristic(req)
	if !useLLM || p.complete == nil {
		return applyGate(heuristic, gate)
	}

	plan, err := p.decideLLM(ctx, req)
	if err != nil {
		return applyGate(heuristic, gate)
	}
	plan.PlannerMode = "llm"
	return applyGate(plan, gate)
}

func (p *Planner) decideLLM(ctx context.Context, req Request) (Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	summary := requestSummary(req)
	result, err := p.complete(ctx, providers.CompletionRequest{
		Model: p.model,
		Messages: []models.ChatMessage{
			models.NewTextMessage(models.RoleSystem, plannerSystemPrompt),
			models.NewTextMessage(models.RoleUser, summary),
		},
	})
	if err != nil {
		return Plan{}, err
	}

	raw := strings.TrimSpace(result.Message.Text())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var plan Plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &plan); err != nil {
		return Plan{}, core.Wrap(core.KindAPIError, err, "parse planner decision")
	}
	return plan, nil
}

func requestSummary(req Request) string {
	var sb strings.Builder
	sb.WriteString("has_images: ")
	sb.WriteString(boolStr(req.HasImages))
	sb.WriteString("\ntools_enabled: ")
	sb.WriteString(boolStr(req.ToolsEnabled))
	sb.WriteString("\nmemory_retrieval_configured: ")
	sb.WriteString(boolStr(req.MemoryRetrieval))
	sb.WriteString("\nlong_term_memory_configured: ")
	sb.WriteString(boolStr(req.LongTermMemory))
	sb.WriteString("\nknowledge_inject_configured: ")
	sb.WriteString(boolStr(req.KnowledgeInject))
	if strings.Contains(req.SystemInjection, mediaCaptionMarker) {
		sb.WriteString("\nmedia_captions_already_injected: true")
	}
	return sb.String()
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// applyGate re-derives every config-gateable field from gate, ignoring
// whatever the LLM said for flags that are statically disabled.
func applyGate(plan Plan, gate Gate) Plan {
	if gate == nil {
		return plan
	}
	if !gate("memory_retrieval") {
		plan.UseMemoryRetrieval = false
	}
	if !gate("ltm_memory") {
		plan.UseLTMMemory = false
	}
	if !gate("knowledge_auto_inject") {
		plan.UseKnowledgeInject = false
	}
	if plan.UseMemoryRetrieval {
		plan.UseLTMMemory = false
		plan.UseKnowledgeInject = false
	}
	return plan
}
