package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters/histograms named throughout spec §4 and §8.
// A single instance is constructed at process startup and threaded through
// the orchestrator, tool executor, and transport. ProactiveTriggerTotal is
// registered but not incremented by any component in this module.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	ToolBlockedTotal      *prometheus.CounterVec
	ToolCacheHitTotal     *prometheus.CounterVec
	APIEmptyReplyTotal    *prometheus.CounterVec
	ProactiveTriggerTotal *prometheus.CounterVec
	LLMLatencySeconds     *prometheus.HistogramVec
	ToolLatencySeconds    *prometheus.HistogramVec
	DegradeLevelTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns a new Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid clobbering the default
// registry across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_requests_total",
			Help: "Total chat orchestrator requests, by platform.",
		}, []string{"platform"}),
		ToolBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_tool_blocked_total",
			Help: "Tool calls blocked by allowlist or refine policy, by tool and reason.",
		}, []string{"tool", "reason"}),
		ToolCacheHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_tool_cache_hit_total",
			Help: "Tool cache hits vs misses, by tool.",
		}, []string{"tool", "outcome"}),
		APIEmptyReplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_api_empty_reply_total",
			Help: "Empty replies from providers, by kind.",
		}, []string{"kind", "provider"}),
		ProactiveTriggerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_proactive_trigger_total",
			Help: "Proactive gate triggers, by path (keyword/semantic).",
		}, []string{"path"}),
		LLMLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatcore_llm_latency_seconds",
			Help:    "LLM completion request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		ToolLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatcore_tool_latency_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		DegradeLevelTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_context_degrade_total",
			Help: "Context-degradation retries, by resulting level.",
		}, []string{"level"}),
	}
	for _, c := range []prometheus.Collector{
		m.RequestsTotal, m.ToolBlockedTotal, m.ToolCacheHitTotal,
		m.APIEmptyReplyTotal, m.ProactiveTriggerTotal, m.LLMLatencySeconds,
		m.ToolLatencySeconds, m.DegradeLevelTotal,
	} {
		if reg != nil {
			_ = reg.Register(c) // already-registered collectors are idempotent no-ops for our callers
		}
	}
	return m
}

// Noop returns a Metrics bundle registered against a fresh private
// registry, for callers (mainly tests) that don't want metrics exported.
func Noop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
