package toolcore

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lopution/mika-chat-core/internal/config"
	"github.com/lopution/mika-chat-core/internal/observability"
	"github.com/lopution/mika-chat-core/pkg/models"
)

func testToolsConfig() config.ToolsConfig {
	cfg := config.Default().Tools
	cfg.TimeoutSeconds = 2
	return cfg
}

func TestExecutorRunsRegisteredTool(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "echo", Handler: func(ctx context.Context, args json.RawMessage, groupID string) (string, error) {
		return string(args), nil
	}})
	e := NewExecutor(r, testToolsConfig(), observability.Noop())

	result := e.Execute(context.Background(), models.PrivateSessionKey("u1"), "", models.ToolCall{
		ID:       "call_1",
		Function: models.ToolCallFunction{Name: "echo", Arguments: `{"x":1}`},
	})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != `{"x":1}` {
		t.Errorf("unexpected content: %q", result.Content)
	}
}

func TestExecutorUnregisteredTool(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, testToolsConfig(), observability.Noop())
	result := e.Execute(context.Background(), models.PrivateSessionKey("u1"), "", models.ToolCall{
		ID:       "call_1",
		Function: models.ToolCallFunction{Name: "nonexistent", Arguments: "{}"},
	})
	if !result.IsError {
		t.Error("expected error for unregistered tool")
	}
}

func TestExecutorAllowlistBlocks(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "dangerous", Handler: echoHandler})
	cfg := testToolsConfig()
	cfg.Allowlist = []string{"safe"}
	e := NewExecutor(r, cfg, observability.Noop())

	result := e.Execute(context.Background(), models.PrivateSessionKey("u1"), "", models.ToolCall{
		ID:       "call_1",
		Function: models.ToolCallFunction{Name: "dangerous", Arguments: "{}"},
	})
	if !result.IsError {
		t.Error("expected allowlist to block the call")
	}
}

func TestExecutorAllowsDynamicRegisteredMCPToolNotInAllowlist(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "live_lookup", Source: models.ToolSourceMCP, ServerID: "server-a", Handler: echoHandler})
	cfg := testToolsConfig()
	cfg.Allowlist = []string{"safe"}
	cfg.AllowDynamicRegistered = true
	e := NewExecutor(r, cfg, observability.Noop())

	result := e.Execute(context.Background(), models.PrivateSessionKey("u1"), "", models.ToolCall{
		ID:       "call_1",
		Function: models.ToolCallFunction{Name: "live_lookup", Arguments: "{}"},
	})
	if result.IsError {
		t.Errorf("expected dynamically registered MCP tool to be allowed, got error: %s", result.Content)
	}
}

func TestExecutorBlocksDynamicRegisteredWhenDisabled(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "live_lookup", Source: models.ToolSourceMCP, ServerID: "server-a", Handler: echoHandler})
	cfg := testToolsConfig()
	cfg.Allowlist = []string{"safe"}
	cfg.AllowDynamicRegistered = false
	e := NewExecutor(r, cfg, observability.Noop())

	result := e.Execute(context.Background(), models.PrivateSessionKey("u1"), "", models.ToolCall{
		ID:       "call_1",
		Function: models.ToolCallFunction{Name: "live_lookup", Arguments: "{}"},
	})
	if !result.IsError {
		t.Error("expected the allowlist to still block an unlisted MCP tool when AllowDynamicRegistered is false")
	}
}

func TestExecutorAllowlistStillBlocksUnlistedBuiltin(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "dangerous", Source: models.ToolSourceBuiltin, Handler: echoHandler})
	cfg := testToolsConfig()
	cfg.Allowlist = []string{"safe"}
	cfg.AllowDynamicRegistered = true
	e := NewExecutor(r, cfg, observability.Noop())

	result := e.Execute(context.Background(), models.PrivateSessionKey("u1"), "", models.ToolCall{
		ID:       "call_1",
		Function: models.ToolCallFunction{Name: "dangerous", Arguments: "{}"},
	})
	if !result.IsError {
		t.Error("expected AllowDynamicRegistered to only widen the allowlist for non-builtin sources")
	}
}

func TestExecutorCachesResult(t *testing.T) {
	r := NewRegistry()
	var calls int32
	r.Register(ToolDef{Name: "search_knowledge", Handler: func(ctx context.Context, args json.RawMessage, groupID string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "result", nil
	}})
	cfg := testToolsConfig()
	cfg.CacheEnabled = true
	cfg.CacheableTools = []string{"search_knowledge"}
	cfg.CacheTTL = time.Minute
	e := NewExecutor(r, cfg, observability.Noop())

	call := models.ToolCall{ID: "call_1", Function: models.ToolCallFunction{Name: "search_knowledge", Arguments: `{"q":"go"}`}}
	session := models.PrivateSessionKey("u1")

	first := e.Execute(context.Background(), session, "", call)
	second := e.Execute(context.Background(), session, "", call)

	if first.CacheHit {
		t.Error("expected first call to miss cache")
	}
	if !second.CacheHit {
		t.Error("expected second identical call to hit cache")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected handler invoked once, got %d", calls)
	}
}

func TestExecutorBlocksDuplicateWebSearchRefine(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "web_search", Handler: echoHandler})
	cfg := testToolsConfig()
	cfg.CacheEnabled = false
	e := NewExecutor(r, cfg, observability.Noop())

	session := models.PrivateSessionKey("u1")
	call := models.ToolCall{ID: "call_1", Function: models.ToolCallFunction{Name: "web_search", Arguments: `{"q":"go generics"}`}}

	first := e.Execute(context.Background(), session, "", call)
	if first.IsError {
		t.Fatalf("expected first search to succeed, got %s", first.Content)
	}
	second := e.Execute(context.Background(), session, "", models.ToolCall{ID: "call_2", Function: call.Function})
	if !second.IsError {
		t.Error("expected immediate duplicate web_search to be blocked")
	}
}

func TestExecutorSchemaMismatch(t *testing.T) {
	r := NewRegistry()
	schema := json.RawMessage(`{"type":"object","required":["city"]}`)
	r.Register(ToolDef{Name: "get_weather", Schema: schema, Handler: echoHandler})
	e := NewExecutor(r, testToolsConfig(), observability.Noop())

	result := e.Execute(context.Background(), models.PrivateSessionKey("u1"), "", models.ToolCall{
		ID:       "call_1",
		Function: models.ToolCallFunction{Name: "get_weather", Arguments: `{}`},
	})
	if !result.IsError {
		t.Error("expected schema mismatch to produce an error result")
	}
}

func TestExecutorTimesOutSlowHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "slow", Handler: func(ctx context.Context, args json.RawMessage, groupID string) (string, error) {
		select {
		case <-time.After(time.Second):
			return "too slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}})
	cfg := testToolsConfig()
	cfg.TimeoutSeconds = 0.05
	e := NewExecutor(r, cfg, observability.Noop())

	result := e.Execute(context.Background(), models.PrivateSessionKey("u1"), "", models.ToolCall{
		ID:       "call_1",
		Function: models.ToolCallFunction{Name: "slow", Arguments: "{}"},
	})
	if !result.IsError {
		t.Error("expected timeout to produce an error result")
	}
}
