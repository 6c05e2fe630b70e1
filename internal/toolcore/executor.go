package toolcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lopution/mika-chat-core/internal/config"
	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/observability"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// Executor runs registered tool calls with TTL+LRU caching, in-flight
// deduplication, allowlist enforcement, and per-call timeout. Grounded on
// haasonsaas-nexus/internal/agent/tool_exec.go's ToolExecutor (per-call
// context.WithTimeout, result-channel pattern to avoid a leaked goroutine
// outliving a canceled caller).
type Executor struct {
	registry *Registry
	cfg      config.ToolsConfig
	metrics  *observability.Metrics
	cache    *resultCache

	inflightMu sync.Mutex
	inflight   map[string]*future

	refineMu sync.Mutex
	lastRefineArgs map[string]string // session_key -> last web_search args, for duplicate/refine blocking
}

type future struct {
	done    chan struct{}
	result  string
	isError bool
}

// NewExecutor builds an Executor over registry using cfg's cache/timeout/
// allowlist settings.
func NewExecutor(registry *Registry, cfg config.ToolsConfig, metrics *observability.Metrics) *Executor {
	if metrics == nil {
		metrics = observability.Noop()
	}
	return &Executor{
		registry:       registry,
		cfg:            cfg,
		metrics:        metrics,
		cache:          newResultCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		inflight:       make(map[string]*future),
		lastRefineArgs: make(map[string]string),
	}
}

// Execute runs one tool call scoped to sessionKey/groupID, applying the
// allowlist, schema validation, cache, and in-flight dedup rules of spec
// §4.3. It never returns a Go error for a tool-level failure — failures
// are represented as models.ToolResult.IsError so the tool loop can feed
// them back to the model as a `tool` message.
func (e *Executor) Execute(ctx context.Context, sessionKey models.SessionKey, groupID string, call models.ToolCall) models.ToolResult {
	def, ok := e.registry.Get(call.Function.Name)
	if !ok {
		e.metrics.ToolBlockedTotal.WithLabelValues(call.Function.Name, "not_registered").Inc()
		return errResult(call.ID, fmt.Sprintf("tool not found: %s", call.Function.Name))
	}

	if !e.allowed(call.Function.Name) {
		e.metrics.ToolBlockedTotal.WithLabelValues(call.Function.Name, "allowlist").Inc()
		return errResult(call.ID, fmt.Sprintf("tool %q is not in the allowlist", call.Function.Name))
	}

	args := call.Function.Arguments
	if len(args) == 0 {
		args = "{}"
	}

	if call.Function.Name == "web_search" && e.isDuplicateRefine(sessionKey, args) {
		e.metrics.ToolBlockedTotal.WithLabelValues(call.Function.Name, "duplicate_refine").Inc()
		return errResult(call.ID, "web_search was just called with the same query; refine before searching again")
	}

	if err := def.ValidateArgs(json.RawMessage(args)); err != nil {
		if core.KindOf(err) == core.KindSchemaMismatch && e.cfg.SchemaFallbackTTL > 0 {
			// Drop any cached result for these exact arguments. This is a
			// one-time removal: SchemaFallbackTTL only switches it on, its
			// length is not used, and later calls are cached as usual.
			key := e.cacheKey(sessionKey, call.Function.Name, args)
			e.cache.Invalidate(key)
		}
		e.metrics.ToolBlockedTotal.WithLabelValues(call.Function.Name, "schema_mismatch").Inc()
		return errResult(call.ID, err.Error())
	}

	cacheKey := e.cacheKey(sessionKey, call.Function.Name, args)
	if e.cacheable(call.Function.Name) {
		if result, isError, hit := e.cache.Get(cacheKey); hit {
			e.metrics.ToolCacheHitTotal.WithLabelValues(call.Function.Name, "hit").Inc()
			return models.ToolResult{ToolCallID: call.ID, Content: result, IsError: isError, CacheHit: true}
		}
		e.metrics.ToolCacheHitTotal.WithLabelValues(call.Function.Name, "miss").Inc()
	}

	result, isError := e.runDeduped(ctx, def, cacheKey, args, groupID, call)

	if e.cacheable(call.Function.Name) {
		e.cache.Set(cacheKey, result, isError)
	}

	if len(result) > e.cfg.ResultMaxChars && e.cfg.ResultMaxChars > 0 {
		result = result[:e.cfg.ResultMaxChars] + "...(truncated)"
	}

	return models.ToolResult{ToolCallID: call.ID, Content: result, IsError: isError}
}

// runDeduped executes the handler once per in-flight cacheKey, fanning the
// result out to every concurrent caller for the same key — this is what
// collapses a burst of identical tool calls (e.g. two ReAct branches both
// asking the same question) into a single upstream call.
func (e *Executor) runDeduped(ctx context.Context, def *ToolDef, key, args, groupID string, call models.ToolCall) (string, bool) {
	e.inflightMu.Lock()
	if f, ok := e.inflight[key]; ok {
		e.inflightMu.Unlock()
		<-f.done
		return f.result, f.isError
	}
	f := &future{done: make(chan struct{})}
	e.inflight[key] = f
	e.inflightMu.Unlock()

	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, key)
		e.inflightMu.Unlock()
		close(f.done)
	}()

	timeout := time.Duration(e.cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	content, err := invokeHandler(toolCtx, def, json.RawMessage(args), groupID)
	e.metrics.ToolLatencySeconds.WithLabelValues(def.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		if toolCtx.Err() != nil {
			f.result, f.isError = "tool execution timed out", true
			return f.result, f.isError
		}
		f.result, f.isError = err.Error(), true
		return f.result, f.isError
	}
	f.result, f.isError = content, false
	return f.result, f.isError
}

// allowed reports whether name may be called, per the effective allowlist:
// the union of the statically configured allowlist and, when
// AllowDynamicRegistered is set, any tool registered from a non-builtin
// source (MCP or plugin) that wasn't known at config-write time.
func (e *Executor) allowed(name string) bool {
	if len(e.cfg.Allowlist) == 0 {
		return true
	}
	for _, a := range e.cfg.Allowlist {
		if a == name {
			return true
		}
	}
	if e.cfg.AllowDynamicRegistered && e.registry != nil {
		if def, ok := e.registry.Get(name); ok && def.Source != models.ToolSourceBuiltin {
			return true
		}
	}
	return false
}

func (e *Executor) cacheable(name string) bool {
	if !e.cfg.CacheEnabled {
		return false
	}
	for _, c := range e.cfg.CacheableTools {
		if c == name {
			return true
		}
	}
	return false
}

func (e *Executor) cacheKey(sessionKey models.SessionKey, tool, args string) string {
	canonical := canonicalizeArgs(args)
	sum := sha256.Sum256([]byte(canonical))
	return string(sessionKey) + "|" + tool + "|" + hex.EncodeToString(sum[:16])
}

// canonicalizeArgs reorders object keys so semantically-identical arguments
// (possibly serialized in a different key order by the model) collapse to
// the same cache key.
func canonicalizeArgs(args string) string {
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return args
	}
	return string(canon)
}

// isDuplicateRefine blocks an immediately-repeated web_search call with the
// same arguments for a session, steering the model toward refining its
// query instead of retrying identically (spec §4.3).
func (e *Executor) isDuplicateRefine(sessionKey models.SessionKey, args string) bool {
	e.refineMu.Lock()
	defer e.refineMu.Unlock()
	key := string(sessionKey)
	canon := canonicalizeArgs(args)
	if e.lastRefineArgs[key] == canon {
		return true
	}
	e.lastRefineArgs[key] = canon
	return false
}

func errResult(callID, message string) models.ToolResult {
	return models.ToolResult{ToolCallID: callID, Content: message, IsError: true}
}
