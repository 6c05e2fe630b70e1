// Package toolcore implements the Tool Registry, Executor, and bounded
// multi-round Tool Loop described in spec §4.3: name-keyed registration
// with MCP collision renaming, TTL+LRU result caching with in-flight
// deduplication, allowlist enforcement, JSON-Schema argument validation,
// and a ReAct-style reflection loop terminated by a forced-final round.
//
// Grounded on haasonsaas-nexus/internal/agent/tool_registry.go (name-keyed
// map, thread-safe Register/Get/Execute) and tool_exec.go (concurrent
// execution with per-call timeout).
package toolcore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// ToolDef is a registered tool: its schema, handler, and source.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     models.ToolHandler
	Source      models.ToolSource
	ServerID    string // MCP server identifier; only meaningful when Source == ToolSourceMCP

	compiled *jsonschema.Schema
}

// Registry holds tools keyed by name. MCP-sourced tools that collide with
// an existing name are renamed "<server>:<tool>" rather than silently
// dropped or overwriting a builtin, since spec §4.3 requires builtins to
// win and spec §3 requires the rename to be deterministic per server.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDef
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDef)}
}

// mcpQualifiedName builds the "<server>:<tool>" collision-rename key. Falls
// back to the bare "mcp:" prefix for an MCP tool with no server identifier,
// so unqualified callers (tests, a single-server setup) keep working.
func mcpQualifiedName(def ToolDef) string {
	if def.ServerID == "" {
		return "mcp:" + def.Name
	}
	return def.ServerID + ":" + def.Name
}

// Register adds a tool, renaming an MCP tool whose name is already held by a
// non-MCP tool or by another server's MCP tool. A second
// MCP registration that resolves to an already-occupied name (same server
// registering the same tool twice, or two servers sharing both a name and
// an empty ServerID) is rejected rather than silently overwriting the
// first registration.
func (r *Registry) Register(def ToolDef) (string, error) {
	if strings.TrimSpace(def.Name) == "" {
		return "", core.New(core.KindAPIError, "tool name must not be empty")
	}
	if len(def.Schema) > 0 {
		compiled, err := compileSchema(def.Name, def.Schema)
		if err != nil {
			return "", core.Wrap(core.KindAPIError, err, "compile schema for "+def.Name)
		}
		def.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := def.Name
	if existing, ok := r.tools[name]; ok && def.Source == models.ToolSourceMCP &&
		(existing.Source != models.ToolSourceMCP || existing.ServerID != def.ServerID) {
		name = mcpQualifiedName(def)
	}
	if existing, ok := r.tools[name]; ok && (def.Source == models.ToolSourceMCP || existing.Source == models.ToolSourceMCP) {
		return "", core.New(core.KindAPIError, fmt.Sprintf("tool %q is already registered (source %s)", name, existing.Source))
	}
	d := def
	d.Name = name
	r.tools[name] = &d
	return name, nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names returns every registered tool name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Specs returns every tool as a provider-agnostic spec suitable for
// CompletionRequest.Tools, honoring an allowlist when non-empty.
func (r *Registry) Specs(allowlist []string) []toolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	allowed := toSet(allowlist)
	specs := make([]toolSpec, 0, len(r.tools))
	for name, def := range r.tools {
		if len(allowed) > 0 && !allowed[name] {
			continue
		}
		specs = append(specs, toolSpec{Name: name, Description: def.Description, Parameters: def.Schema})
	}
	return specs
}

type toolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ValidateArgs checks args against the tool's compiled JSON Schema, if any.
// Returns a schema_mismatch CoreError on failure.
func (d *ToolDef) ValidateArgs(args json.RawMessage) error {
	if d.compiled == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return core.Wrap(core.KindSchemaMismatch, err, "arguments are not valid JSON")
	}
	if err := d.compiled.Validate(v); err != nil {
		return core.Wrap(core.KindSchemaMismatch, err, "schema_mismatch_suspected")
	}
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(schema))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// invokeHandler runs def's handler, converting a panic or nil handler into
// a tool_exception CoreError rather than propagating to the caller.
func invokeHandler(ctx context.Context, def *ToolDef, args json.RawMessage, groupID string) (result string, err error) {
	if def.Handler == nil {
		return "", core.New(core.KindToolException, fmt.Sprintf("tool %q has no handler", def.Name))
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = core.New(core.KindToolException, fmt.Sprintf("tool %q panicked: %v", def.Name, rec))
		}
	}()
	return def.Handler(ctx, args, groupID)
}
