package toolcore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lopution/mika-chat-core/internal/observability"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

func TestLoopTerminatesWhenNoToolCalls(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, testToolsConfig(), observability.Noop())

	calls := 0
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		calls++
		msg := models.ChatMessage{Role: models.RoleAssistant}
		msg.SetText("final answer")
		return &providers.CompletionResult{Message: msg, FinishReason: "stop"}, nil
	}

	loop := NewLoop(r, e, complete)
	result, err := loop.Run(context.Background(), models.PrivateSessionKey("u1"), "", providers.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{models.NewTextMessage(models.RoleUser, "hi")},
	}, LoopConfig{MaxRounds: 6})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 completion call, got %d", calls)
	}
	if result.Final.Message.Text() != "final answer" {
		t.Errorf("unexpected final text: %q", result.Final.Message.Text())
	}
}

func TestLoopExecutesToolThenFinishes(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "get_weather", Handler: func(ctx context.Context, args json.RawMessage, groupID string) (string, error) {
		return "sunny", nil
	}})
	e := NewExecutor(r, testToolsConfig(), observability.Noop())

	round := 0
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		round++
		if round == 1 {
			msg := models.ChatMessage{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "call_1", Function: models.ToolCallFunction{Name: "get_weather", Arguments: "{}"}},
				},
			}
			return &providers.CompletionResult{Message: msg, FinishReason: "tool_calls"}, nil
		}
		msg := models.ChatMessage{Role: models.RoleAssistant}
		msg.SetText("it's sunny")
		return &providers.CompletionResult{Message: msg, FinishReason: "stop"}, nil
	}

	loop := NewLoop(r, e, complete)
	result, err := loop.Run(context.Background(), models.PrivateSessionKey("u1"), "", providers.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{models.NewTextMessage(models.RoleUser, "weather?")},
	}, LoopConfig{MaxRounds: 6})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if round != 2 {
		t.Errorf("expected 2 rounds, got %d", round)
	}
	if result.Final.Message.Text() != "it's sunny" {
		t.Errorf("unexpected final text: %q", result.Final.Message.Text())
	}
	foundToolMsg := false
	for _, m := range result.Appended {
		if m.Role == models.RoleTool && m.Text() == "sunny" {
			foundToolMsg = true
		}
	}
	if !foundToolMsg {
		t.Error("expected a tool result message to be appended")
	}
}

func TestLoopForcesFinalOnMaxRounds(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "get_weather", Handler: func(ctx context.Context, args json.RawMessage, groupID string) (string, error) {
		return "sunny", nil
	}})
	e := NewExecutor(r, testToolsConfig(), observability.Noop())

	toolCapableCalls := 0
	var finalReqMessages []models.ChatMessage
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		if len(req.Tools) == 0 {
			finalReqMessages = req.Messages
			msg := models.ChatMessage{Role: models.RoleAssistant}
			msg.SetText("best guess: sunny")
			return &providers.CompletionResult{Message: msg, FinishReason: "stop"}, nil
		}
		toolCapableCalls++
		msg := models.ChatMessage{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_x", Function: models.ToolCallFunction{Name: "get_weather", Arguments: "{}"}},
			},
		}
		return &providers.CompletionResult{Message: msg, FinishReason: "tool_calls"}, nil
	}

	loop := NewLoop(r, e, complete)
	result, err := loop.Run(context.Background(), models.PrivateSessionKey("u1"), "", providers.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{models.NewTextMessage(models.RoleUser, "weather?")},
	}, LoopConfig{MaxRounds: 2, ForceFinalOnMaxRounds: true})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolCapableCalls != 2 {
		t.Errorf("expected 2 full tool-capable rounds before forcing final, got %d", toolCapableCalls)
	}
	if result.Rounds != 3 {
		t.Errorf("expected the forced-final round to be round 3 (maxRounds+1), got %d", result.Rounds)
	}
	if !result.ForcedFinal {
		t.Error("expected ForcedFinal to be true")
	}
	if result.Final.Message.Text() != "best guess: sunny" {
		t.Errorf("unexpected final text: %q", result.Final.Message.Text())
	}
	foundSummarizeInstruction := false
	for _, m := range finalReqMessages {
		if strings.Contains(m.Text(), "Stop using tools") {
			foundSummarizeInstruction = true
		}
	}
	if !foundSummarizeInstruction {
		t.Error("expected a summarize instruction to be appended before the forced-final round")
	}
}

func TestLoopDoesNotForceFinalWhenDisabled(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "get_weather", Handler: func(ctx context.Context, args json.RawMessage, groupID string) (string, error) {
		return "sunny", nil
	}})
	e := NewExecutor(r, testToolsConfig(), observability.Noop())

	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		msg := models.ChatMessage{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_x", Function: models.ToolCallFunction{Name: "get_weather", Arguments: "{}"}},
			},
		}
		return &providers.CompletionResult{Message: msg, FinishReason: "tool_calls"}, nil
	}

	loop := NewLoop(r, e, complete)
	result, err := loop.Run(context.Background(), models.PrivateSessionKey("u1"), "", providers.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{models.NewTextMessage(models.RoleUser, "weather?")},
	}, LoopConfig{MaxRounds: 2, ForceFinalOnMaxRounds: false})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rounds != 2 {
		t.Errorf("expected loop to stop at maxRounds without forcing, got %d", result.Rounds)
	}
	if result.ForcedFinal {
		t.Error("expected ForcedFinal to stay false when disabled")
	}
	if len(result.Final.Message.ToolCalls) == 0 {
		t.Error("expected the last completion to still carry unresolved tool calls")
	}
}
