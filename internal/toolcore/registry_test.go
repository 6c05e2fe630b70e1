package toolcore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lopution/mika-chat-core/pkg/models"
)

func echoHandler(ctx context.Context, args json.RawMessage, groupID string) (string, error) {
	return string(args), nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	name, err := r.Register(ToolDef{Name: "web_search", Handler: echoHandler})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "web_search" {
		t.Errorf("expected name unchanged, got %q", name)
	}
	def, ok := r.Get("web_search")
	if !ok || def.Name != "web_search" {
		t.Fatalf("expected to find web_search, got %+v ok=%v", def, ok)
	}
}

func TestRegistryMCPCollisionRenames(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceBuiltin, Handler: echoHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceMCP, Handler: echoHandler})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "mcp:search" {
		t.Errorf("expected MCP collision to rename to mcp:search, got %q", name)
	}
	if _, ok := r.Get("search"); !ok {
		t.Error("expected original builtin 'search' to still be registered")
	}
	if _, ok := r.Get("mcp:search"); !ok {
		t.Error("expected renamed 'mcp:search' to be registered")
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(ToolDef{Name: "", Handler: echoHandler}); err == nil {
		t.Error("expected error for empty tool name")
	}
}

func TestRegistryMCPCollisionUsesServerIdentifier(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceBuiltin, Handler: echoHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceMCP, ServerID: "weather-server", Handler: echoHandler})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "weather-server:search" {
		t.Errorf("expected MCP collision to rename to weather-server:search, got %q", name)
	}
	if _, ok := r.Get("weather-server:search"); !ok {
		t.Error("expected renamed 'weather-server:search' to be registered")
	}
}

func TestRegistryMCPCollisionFromTwoServersDoesNotOverwrite(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceBuiltin, Handler: echoHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nameA, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceMCP, ServerID: "server-a", Handler: echoHandler})
	if err != nil {
		t.Fatalf("unexpected error registering server-a: %v", err)
	}
	nameB, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceMCP, ServerID: "server-b", Handler: echoHandler})
	if err != nil {
		t.Fatalf("unexpected error registering server-b: %v", err)
	}
	if nameA == nameB {
		t.Fatalf("expected distinct names for distinct servers, got %q and %q", nameA, nameB)
	}
	if _, ok := r.Get(nameA); !ok {
		t.Errorf("expected %q to still be registered after server-b registers", nameA)
	}
	if _, ok := r.Get(nameB); !ok {
		t.Errorf("expected %q to be registered", nameB)
	}
}

func TestRegistryRejectsDuplicateMCPRegistrationUnderSameKey(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceBuiltin, Handler: echoHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceMCP, ServerID: "server-a", Handler: echoHandler}); err != nil {
		t.Fatalf("unexpected error on first server-a registration: %v", err)
	}
	if _, err := r.Register(ToolDef{Name: "search", Source: models.ToolSourceMCP, ServerID: "server-a", Handler: echoHandler}); err == nil {
		t.Error("expected an error registering the same server/tool pair twice, not a silent overwrite")
	}
}

func TestRegistrySpecsHonorsAllowlist(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "a", Handler: echoHandler})
	r.Register(ToolDef{Name: "b", Handler: echoHandler})

	all := r.Specs(nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 specs with no allowlist, got %d", len(all))
	}
	allowed := r.Specs([]string{"a"})
	if len(allowed) != 1 || allowed[0].Name != "a" {
		t.Errorf("expected allowlist to restrict to [a], got %+v", allowed)
	}
}

func TestToolDefValidateArgs(t *testing.T) {
	r := NewRegistry()
	schema := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)
	r.Register(ToolDef{Name: "get_weather", Schema: schema, Handler: echoHandler})
	def, _ := r.Get("get_weather")

	if err := def.ValidateArgs(json.RawMessage(`{"city":"NYC"}`)); err != nil {
		t.Errorf("expected valid args to pass, got %v", err)
	}
	if err := def.ValidateArgs(json.RawMessage(`{}`)); err == nil {
		t.Error("expected missing required field to fail validation")
	}
	if err := def.ValidateArgs(json.RawMessage(`not json`)); err == nil {
		t.Error("expected invalid JSON to fail validation")
	}
}
