package trace

import (
	"context"
	"testing"
)

type recordingHooks struct {
	events []string
}

func (r *recordingHooks) OnBeforeLLM(ctx context.Context, info LLMCallInfo) { r.events = append(r.events, "before_llm") }
func (r *recordingHooks) OnAfterLLM(ctx context.Context, info LLMCallInfo)  { r.events = append(r.events, "after_llm") }
func (r *recordingHooks) OnToolStart(ctx context.Context, info ToolCallInfo) { r.events = append(r.events, "tool_start") }
func (r *recordingHooks) OnToolEnd(ctx context.Context, info ToolCallInfo)   { r.events = append(r.events, "tool_end") }

type panicHooks struct{}

func (panicHooks) OnBeforeLLM(ctx context.Context, info LLMCallInfo) { panic("boom") }
func (panicHooks) OnAfterLLM(ctx context.Context, info LLMCallInfo)  { panic("boom") }
func (panicHooks) OnToolStart(ctx context.Context, info ToolCallInfo) { panic("boom") }
func (panicHooks) OnToolEnd(ctx context.Context, info ToolCallInfo)   { panic("boom") }

func TestRegistryEmitsToAllHooksInOrder(t *testing.T) {
	r := NewRegistry()
	rec := &recordingHooks{}
	r.Use(rec)

	r.EmitBeforeLLM(context.Background(), LLMCallInfo{RequestID: "r1"})
	r.EmitAfterLLM(context.Background(), LLMCallInfo{RequestID: "r1"})
	r.EmitToolStart(context.Background(), ToolCallInfo{RequestID: "r1"})
	r.EmitToolEnd(context.Background(), ToolCallInfo{RequestID: "r1"})

	want := []string{"before_llm", "after_llm", "tool_start", "tool_end"}
	if len(rec.events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), rec.events)
	}
	for i, w := range want {
		if rec.events[i] != w {
			t.Errorf("event %d: expected %q, got %q", i, w, rec.events[i])
		}
	}
}

func TestRegistryRecoversPanicAndContinuesDispatch(t *testing.T) {
	r := NewRegistry()
	r.Use(panicHooks{})
	rec := &recordingHooks{}
	r.Use(rec)

	r.EmitBeforeLLM(context.Background(), LLMCallInfo{RequestID: "r1"})

	if len(rec.events) != 1 {
		t.Fatalf("expected panicking hook not to block the next hook, got %v", rec.events)
	}
}

func TestRegistryUseIgnoresNil(t *testing.T) {
	r := NewRegistry()
	r.Use(nil)
	r.EmitBeforeLLM(context.Background(), LLMCallInfo{})
}
