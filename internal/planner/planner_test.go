package planner

import (
	"context"
	"testing"
	"time"

	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

func TestHeuristicDirectReplyModeWhenToolsDisabled(t *testing.T) {
	plan := Heuristic(Request{ToolsEnabled: false})
	if plan.ReplyMode != "direct" {
		t.Errorf("expected direct reply_mode, got %q", plan.ReplyMode)
	}
	if plan.PlannerMode != "heuristic" || plan.Confidence != 0.9 {
		t.Errorf("unexpected planner_mode/confidence: %+v", plan)
	}
}

func TestHeuristicToolLoopReplyModeWhenToolsEnabled(t *testing.T) {
	plan := Heuristic(Request{ToolsEnabled: true})
	if plan.ReplyMode != "tool_loop" || !plan.ToolEnabled {
		t.Errorf("expected tool_loop reply_mode, got %+v", plan)
	}
}

func TestHeuristicNeedMediaPrefersImagesOverCaptionMarker(t *testing.T) {
	plan := Heuristic(Request{HasImages: true, SystemInjection: "[Context Media Captions]\nfoo"})
	if plan.NeedMedia != "images" {
		t.Errorf("expected need_media=images, got %q", plan.NeedMedia)
	}
}

func TestHeuristicNeedMediaCaptionWhenMarkerPresentWithoutImages(t *testing.T) {
	plan := Heuristic(Request{SystemInjection: "[Context Media Captions] already here"})
	if plan.NeedMedia != "caption" {
		t.Errorf("expected need_media=caption, got %q", plan.NeedMedia)
	}
}

func TestHeuristicNeedMediaFallsBackToDefaultPolicy(t *testing.T) {
	plan := Heuristic(Request{DefaultNeedMedia: "none"})
	if plan.NeedMedia != "none" {
		t.Errorf("expected need_media=none, got %q", plan.NeedMedia)
	}
}

func TestHeuristicMemoryRetrievalSuppressesLTMAndKnowledge(t *testing.T) {
	plan := Heuristic(Request{MemoryRetrieval: true, LongTermMemory: true, KnowledgeInject: true})
	if !plan.UseMemoryRetrieval {
		t.Error("expected use_memory_retrieval=true")
	}
	if plan.UseLTMMemory || plan.UseKnowledgeInject {
		t.Errorf("expected LTM/knowledge suppressed when memory retrieval is on, got %+v", plan)
	}
}

func TestHeuristicEnablesLTMAndKnowledgeWithoutMemoryRetrieval(t *testing.T) {
	plan := Heuristic(Request{LongTermMemory: true, KnowledgeInject: true})
	if !plan.UseLTMMemory || !plan.UseKnowledgeInject {
		t.Errorf("expected LTM and knowledge both enabled, got %+v", plan)
	}
}

func allowAll(string) bool { return true }
func denyAll(string) bool  { return false }

func TestPlannerDecideFallsBackToHeuristicWithoutLLM(t *testing.T) {
	p := New(nil, "fast-model", 0)
	plan := p.Decide(context.Background(), Request{ToolsEnabled: true}, true, allowAll)
	if plan.PlannerMode != "heuristic" {
		t.Errorf("expected fallback to heuristic, got %q", plan.PlannerMode)
	}
}

func TestPlannerDecideFallsBackOnParseFailure(t *testing.T) {
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		msg := models.ChatMessage{Role: models.RoleAssistant}
		msg.SetText("not json")
		return &providers.CompletionResult{Message: msg}, nil
	}
	p := New(complete, "fast-model", time.Second)
	plan := p.Decide(context.Background(), Request{}, true, allowAll)
	if plan.PlannerMode != "heuristic" {
		t.Errorf("expected fallback to heuristic on parse failure, got %q", plan.PlannerMode)
	}
}

func TestPlannerDecideUsesLLMPlanWhenValid(t *testing.T) {
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		msg := models.ChatMessage{Role: models.RoleAssistant}
		msg.SetText(`{"should_reply":true,"tool_enabled":true,"reply_mode":"tool_loop","need_media":"none","use_memory_retrieval":true,"use_ltm_memory":false,"use_knowledge_auto_inject":false,"confidence":0.8}`)
		return &providers.CompletionResult{Message: msg}, nil
	}
	p := New(complete, "fast-model", time.Second)
	plan := p.Decide(context.Background(), Request{}, true, allowAll)
	if plan.PlannerMode != "llm" || !plan.UseMemoryRetrieval || plan.Confidence != 0.8 {
		t.Errorf("expected llm plan to carry through, got %+v", plan)
	}
}

func TestPlannerDecideGateOverridesDisabledFeatures(t *testing.T) {
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		msg := models.ChatMessage{Role: models.RoleAssistant}
		msg.SetText(`{"use_memory_retrieval":true,"use_ltm_memory":true,"use_knowledge_auto_inject":true}`)
		return &providers.CompletionResult{Message: msg}, nil
	}
	p := New(complete, "fast-model", time.Second)
	plan := p.Decide(context.Background(), Request{}, true, denyAll)
	if plan.UseMemoryRetrieval || plan.UseLTMMemory || plan.UseKnowledgeInject {
		t.Errorf("expected gate to force all memory flags off, got %+v", plan)
	}
}
