package toolcore

import (
	"context"

	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// LoopConfig bounds one Tool Loop run. Its fields mirror the loop settings
// of config.ToolsConfig.
type LoopConfig struct {
	MaxRounds             int
	ForceFinalOnMaxRounds bool
	ReactReflection       bool
	Allowlist             []string
}

// LoopResult is what the orchestrator gets back from Run: the final
// assistant message plus the full transcript of messages appended along
// the way (assistant tool-call messages and their tool results), so the
// caller can persist them to the context store.
type LoopResult struct {
	Final        *providers.CompletionResult
	Appended     []models.ChatMessage
	Rounds       int
	ForcedFinal  bool
}

// Loop drives the bounded multi-round tool-calling conversation described
// in spec §4.3: call the model, execute any requested tools, feed results
// back, repeat until the model stops requesting tools or MaxRounds is hit.
// Grounded on haasonsaas-nexus/internal/agent/loop.go's AgenticLoop.Run
// iteration loop (streamPhase -> executeToolsPhase -> continuePhase),
// adapted to a non-streaming single Completer call per round.
type Loop struct {
	registry *Registry
	executor *Executor
	complete providers.Completer
}

// NewLoop builds a Loop over registry/executor, calling complete once per
// round.
func NewLoop(registry *Registry, executor *Executor, complete providers.Completer) *Loop {
	return &Loop{registry: registry, executor: executor, complete: complete}
}

// Run executes the loop starting from baseReq.Messages, scoped to
// sessionKey/groupID for caching and dedup.
func (l *Loop) Run(ctx context.Context, sessionKey models.SessionKey, groupID string, baseReq providers.CompletionRequest, cfg LoopConfig) (*LoopResult, error) {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 6
	}

	req := baseReq
	req.Tools = l.registry.toCompletionTools(cfg.Allowlist)

	result := &LoopResult{}

	for round := 1; round <= maxRounds; round++ {
		result.Rounds = round

		completion, err := l.complete(ctx, req)
		if err != nil {
			return result, err
		}
		result.Final = completion

		if len(completion.Message.ToolCalls) == 0 {
			return result, nil
		}

		assistantMsg := completion.Message
		req.Messages = append(req.Messages, assistantMsg)
		result.Appended = append(result.Appended, assistantMsg)

		if cfg.ReactReflection {
			req.Messages = append(req.Messages, models.NewTextMessage(models.RoleSystem,
				"Reflect: do you have enough information to answer, or do you need another tool call?"))
		}

		for _, call := range completion.Message.ToolCalls {
			toolResult := l.executor.Execute(ctx, sessionKey, groupID, call)
			toolMsg := models.ChatMessage{Role: models.RoleTool, ToolCallID: call.ID}
			toolMsg.SetText(toolResult.Content)
			req.Messages = append(req.Messages, toolMsg)
			result.Appended = append(result.Appended, toolMsg)
		}
	}

	if result.Final == nil {
		return result, core.New(core.KindUnknown, "tool loop exited without a completion")
	}

	// The model still wanted tools after maxRounds full tool-capable rounds.
	// Per spec §4.3, run exactly one additional round with tools withdrawn
	// and an explicit instruction to stop calling tools and answer instead.
	if !cfg.ForceFinalOnMaxRounds || len(result.Final.Message.ToolCalls) == 0 {
		return result, nil
	}

	req.Messages = append(req.Messages, models.NewTextMessage(models.RoleUser,
		"Stop using tools now and summarize your answer using only the information already gathered."))
	req.Tools = nil

	completion, err := l.complete(ctx, req)
	if err != nil {
		return result, err
	}
	result.Final = completion
	result.Rounds = maxRounds + 1
	result.ForcedFinal = true
	return result, nil
}

func (r *Registry) toCompletionTools(allowlist []string) []providers.ToolSpec {
	specs := r.Specs(allowlist)
	out := make([]providers.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, providers.ToolSpec{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}
