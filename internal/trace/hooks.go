// Package trace implements Agent Hooks and the Trace Store (spec §4.10):
// a synchronous observer interface the orchestrator fires at fixed points
// in the pipeline, plus a SQLite-backed append-only event log per request.
//
// Grounded on haasonsaas-nexus/internal/agent/plugin.go's Plugin/
// PluginRegistry (OnEvent fan-out with panic recovery), narrowed from one
// generic event method to the four named callbacks spec §4.10 lists.
package trace

import (
	"context"
	"time"

	"github.com/lopution/mika-chat-core/internal/observability"
)

// LLMCallInfo is the payload passed to OnBeforeLLM/OnAfterLLM.
type LLMCallInfo struct {
	RequestID      string
	SessionKey     string
	Model          string
	PromptTokens   int
	CompletionTokens int
	CacheHit       bool
	Duration       time.Duration
	Err            error
}

// ToolCallInfo is the payload passed to OnToolStart/OnToolEnd.
type ToolCallInfo struct {
	RequestID string
	ToolName  string
	CallID    string
	Duration  time.Duration
	CacheHit  bool
	Err       error
}

// Hooks is the four-callback interface spec §4.10 names. Implementations
// must not block meaningfully and must not panic; Registry.Emit* recovers
// panics regardless.
type Hooks interface {
	OnBeforeLLM(ctx context.Context, info LLMCallInfo)
	OnAfterLLM(ctx context.Context, info LLMCallInfo)
	OnToolStart(ctx context.Context, info ToolCallInfo)
	OnToolEnd(ctx context.Context, info ToolCallInfo)
}

// Registry fans a single set of pipeline events out to every registered
// Hooks implementation, in registration order, recovering (and logging)
// any panic so a misbehaving hook never interrupts the request it observes.
type Registry struct {
	hooks []Hooks
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Use registers h. Hooks are called in registration order.
func (r *Registry) Use(h Hooks) {
	if h == nil {
		return
	}
	r.hooks = append(r.hooks, h)
}

func (r *Registry) emit(ctx context.Context, name string, call func(Hooks)) {
	for _, h := range r.hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					observability.FromContext(ctx).Error("trace hook panicked", "hook", name, "recover", rec)
				}
			}()
			call(h)
		}()
	}
}

func (r *Registry) EmitBeforeLLM(ctx context.Context, info LLMCallInfo) {
	r.emit(ctx, "on_before_llm", func(h Hooks) { h.OnBeforeLLM(ctx, info) })
}

func (r *Registry) EmitAfterLLM(ctx context.Context, info LLMCallInfo) {
	r.emit(ctx, "on_after_llm", func(h Hooks) { h.OnAfterLLM(ctx, info) })
}

func (r *Registry) EmitToolStart(ctx context.Context, info ToolCallInfo) {
	r.emit(ctx, "on_tool_start", func(h Hooks) { h.OnToolStart(ctx, info) })
}

func (r *Registry) EmitToolEnd(ctx context.Context, info ToolCallInfo) {
	r.emit(ctx, "on_tool_end", func(h Hooks) { h.OnToolEnd(ctx, info) })
}
