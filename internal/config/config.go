// Package config defines the chat core's configuration surface (spec §6)
// and loads it from YAML with environment-variable overrides for secrets.
//
// Grounded on haasonsaas-nexus/internal/config/config.go (nested-struct
// Config with one file per concern) and loader.go (YAML decode + env
// override pattern).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object. Every option named in spec §6
// has a field below (possibly nested); the `mika_` prefix used by the
// original flattened environment-variable surface is preserved only on the
// YAML/env keys, not on Go identifiers.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	LLM      LLMConfig      `yaml:"llm"`
	Context  ContextConfig  `yaml:"context"`
	Tools    ToolsConfig    `yaml:"tools"`
	Memory   MemoryConfig   `yaml:"memory"`
	Planner  PlannerConfig  `yaml:"planner"`
	Proactive ProactiveConfig `yaml:"proactive"`
	Trace    TraceConfig    `yaml:"trace"`
	Injection InjectionGuardConfig `yaml:"prompt_injection_guard"`
	Identity IdentityConfig `yaml:"identity"`
	Database DatabaseConfig `yaml:"database"`
}

// LoggingConfig controls the ambient logging stack.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// IdentityConfig names the bot for templates, transcripts, and error text.
// SystemPromptTemplate is a text/template body rendered with the
// orchestrator's prompt-variable context (spec §4.1 step 2); authoring its
// actual content is the explicit Non-goal "prompt templates ... static
// configuration" — this field is just where that static text lives.
type IdentityConfig struct {
	BotName              string `yaml:"bot_name"`
	MasterName           string `yaml:"master_name"`
	SystemPromptTemplate string `yaml:"system_prompt_template"`
}

// DatabaseConfig configures the SQLite-backed stores (§5, §6).
type DatabaseConfig struct {
	Path string `yaml:"path"` // sqlite file path, or ":memory:"
}

// LLMConfig selects the provider and credentials.
type LLMConfig struct {
	Provider    string   `yaml:"provider"` // "openai_compat" | "anthropic" | "google_genai"
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	APIKeyList  []string `yaml:"api_key_list"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`

	RequestTimeout       time.Duration `yaml:"request_timeout"`
	TimeoutRetryAttempts int           `yaml:"timeout_retry_attempts"`
	TimeoutRetryBackoff  time.Duration `yaml:"timeout_retry_backoff"`

	EmptyReplyLocalRetries      int           `yaml:"empty_reply_local_retries"`
	EmptyReplyDelayBaseSeconds  float64       `yaml:"empty_reply_delay_base_seconds"`
	EmptyReplySentinels         []string      `yaml:"empty_reply_sentinels"`
	EmptyReplyContextDegrade    bool          `yaml:"empty_reply_context_degrade_enabled"`
	EmptyReplyMaxDegradeLevel   int           `yaml:"empty_reply_max_degrade_level"`
	EmptyReplyRetryDelaySeconds float64       `yaml:"empty_reply_retry_delay_seconds"`
	DefaultKeyCooldown          time.Duration `yaml:"default_key_cooldown"`
}

// RequestBodyMaxBytes and ContextConfig control the Context & Working-Set
// Builder (§4.4).
type ContextConfig struct {
	Mode              string `yaml:"mode"` // "legacy" | "structured"
	MaxTurns          int    `yaml:"max_turns"`
	MaxTokensSoft     int    `yaml:"max_tokens_soft"`
	HardMaxMessages   int    `yaml:"hard_max_messages"`
	RequestBodyMaxBytes int  `yaml:"request_body_max_bytes"`
	SnapshotCacheSize int    `yaml:"snapshot_cache_size"`

	TranscriptLineMaxChars int `yaml:"transcript_line_max_chars"`
	TranscriptMaxParticipants int `yaml:"transcript_max_participants"`

	MediaCaptionEnabled       bool `yaml:"media_caption_enabled"`
	HistoryImageTwoStageMax   int  `yaml:"history_image_two_stage_max"`
}

// ToolsConfig controls the Tool Registry & Executor (§4.3).
type ToolsConfig struct {
	MaxRounds             int           `yaml:"max_rounds"`
	TimeoutSeconds        float64       `yaml:"timeout_seconds"`
	ForceFinalOnMaxRounds bool          `yaml:"force_final_on_max_rounds"`
	ReactReflection       bool          `yaml:"react_reflection"`

	CacheEnabled   bool          `yaml:"cache_enabled"`
	CacheTTL       time.Duration `yaml:"cache_ttl_seconds"`
	CacheMaxEntries int          `yaml:"cache_max_entries"`

	Allowlist            []string `yaml:"allowlist"`
	AllowDynamicRegistered bool   `yaml:"allow_dynamic_registered"`

	SchemaMode      string  `yaml:"schema_mode"` // "full" | "light" | "auto"
	SchemaAutoThreshold int `yaml:"schema_auto_threshold"`
	SchemaFallbackTTL   time.Duration `yaml:"schema_fallback_ttl_seconds"`

	ResultMaxChars int `yaml:"result_max_chars"`

	CacheableTools []string `yaml:"cacheable_tools"`
}

// MemoryConfig controls retrieval/knowledge/memory toggles (§4.6, §4.7).
type MemoryConfig struct {
	MemoryRetrievalEnabled bool `yaml:"memory_retrieval_enabled"`
	MemoryEnabled          bool `yaml:"memory_enabled"`
	KnowledgeEnabled       bool `yaml:"knowledge_enabled"`
	KnowledgeAutoInject    bool `yaml:"knowledge_auto_inject"`

	ExtractMaxFacts int `yaml:"extract_max_facts"`
	ExtractRateLimitInterval time.Duration `yaml:"extract_rate_limit_interval"`

	TopicSummaryBatchSize int `yaml:"topic_summary_batch_size"`
	TopicSummaryMaxTopics int `yaml:"topic_summary_max_topics"`

	DreamIdleMinutes          time.Duration `yaml:"dream_idle_minutes"`
	DreamMaxIterations        int           `yaml:"dream_max_iterations"`
	DreamMinSummaryChars      int           `yaml:"dream_min_summary_chars"`
	DreamMaxMergedSummaryChars int          `yaml:"dream_max_merged_summary_chars"`
	DreamSweepCron             string       `yaml:"dream_sweep_cron"`

	RetrievalMaxIterations int           `yaml:"retrieval_max_iterations"`
	RetrievalTimeout       time.Duration `yaml:"retrieval_timeout"`
}

// PlannerConfig controls the Request Planner (§4.8).
type PlannerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // "heuristic" | "llm"
	DefaultNeedMedia string `yaml:"default_need_media"`
}

// ProactiveConfig controls the Proactive Gate (§4.9).
type ProactiveConfig struct {
	Enabled bool `yaml:"enabled"`

	Keywords             []string      `yaml:"keywords"`
	KeywordCooldownMessages int        `yaml:"keyword_cooldown_messages"`

	IgnoreLen            int           `yaml:"ignore_len"`
	HeatThreshold        float64       `yaml:"heat_threshold"`
	HeatDecayPerSecond   float64       `yaml:"heat_decay_per_second"`
	Cooldown             time.Duration `yaml:"cooldown"`
	CooldownMessages     int           `yaml:"cooldown_messages"`
	Rate                 float64       `yaml:"rate"`
	TopicSet             []string      `yaml:"topic_set"`
	GroupWhitelist       []string      `yaml:"group_whitelist"`
}

// TraceConfig controls the Trace Store (§4.10).
type TraceConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
	MaxRows       int  `yaml:"max_rows"`
}

// InjectionGuardConfig controls the prompt-injection guard (§4.11).
type InjectionGuardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Action  string `yaml:"action"` // "annotate" | "strip"
}

// Default returns a fully-populated Config with the defaults named
// throughout spec §4 and §6.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Format: "json", Level: "info"},
		Identity: IdentityConfig{
			BotName:    "Mika",
			MasterName: "Master",
			SystemPromptTemplate: "You are {{.BotName}}, a chat companion. The current time is {{.Now}}. " +
				"Your master is {{.MasterName}}. You are replying in session {{.SessionID}}.\n" +
				"{{if .ProfileSummary}}What you remember about this user: {{.ProfileSummary}}\n{{end}}" +
				"{{if .SystemInjection}}{{.SystemInjection}}\n{{end}}" +
				"Reply naturally and in character.",
		},
		Database: DatabaseConfig{Path: "chatcore.db"},
		LLM: LLMConfig{
			Provider:                    "openai_compat",
			EmbeddingModel:              "text-embedding-3-small",
			Temperature:                 0.8,
			MaxTokens:                   2048,
			RequestTimeout:              30 * time.Second,
			TimeoutRetryAttempts:        2,
			TimeoutRetryBackoff:         time.Second,
			EmptyReplyLocalRetries:      2,
			EmptyReplyDelayBaseSeconds:  1.0,
			EmptyReplySentinels:         []string{"i cannot assist with that request."},
			EmptyReplyContextDegrade:    true,
			EmptyReplyMaxDegradeLevel:   2,
			EmptyReplyRetryDelaySeconds: 1.5,
			DefaultKeyCooldown:          60 * time.Second,
		},
		Context: ContextConfig{
			Mode:                      "structured",
			MaxTurns:                  20,
			MaxTokensSoft:             12000,
			HardMaxMessages:           200,
			RequestBodyMaxBytes:       900_000,
			SnapshotCacheSize:         512,
			TranscriptLineMaxChars:    200,
			TranscriptMaxParticipants: 8,
			HistoryImageTwoStageMax:   4,
		},
		Tools: ToolsConfig{
			MaxRounds:              6,
			TimeoutSeconds:         20,
			ForceFinalOnMaxRounds:  true,
			ReactReflection:        false,
			CacheEnabled:           true,
			CacheTTL:               5 * time.Minute,
			CacheMaxEntries:        256,
			AllowDynamicRegistered: true,
			SchemaMode:             "auto",
			SchemaAutoThreshold:    8,
			SchemaFallbackTTL:      10 * time.Minute,
			ResultMaxChars:         4000,
			CacheableTools:         []string{"web_search", "search_group_history", "search_knowledge", "fetch_history_images"},
		},
		Memory: MemoryConfig{
			ExtractMaxFacts:            5,
			ExtractRateLimitInterval:   10 * time.Minute,
			TopicSummaryBatchSize:      30,
			TopicSummaryMaxTopics:      3,
			DreamIdleMinutes:           30 * time.Minute,
			DreamMaxIterations:         20,
			DreamMinSummaryChars:       40,
			DreamMaxMergedSummaryChars: 2000,
			DreamSweepCron:             "*/10 * * * *",
			RetrievalMaxIterations:     5,
			RetrievalTimeout:           20 * time.Second,
		},
		Planner: PlannerConfig{Enabled: true, Mode: "heuristic", DefaultNeedMedia: "none"},
		Proactive: ProactiveConfig{
			KeywordCooldownMessages: 3,
			IgnoreLen:               4,
			HeatThreshold:           5,
			HeatDecayPerSecond:      0.01,
			Cooldown:                10 * time.Minute,
			CooldownMessages:        20,
			Rate:                    0.1,
		},
		Trace: TraceConfig{Enabled: true, RetentionDays: 14, MaxRows: 10000},
		Injection: InjectionGuardConfig{Enabled: true, Action: "annotate"},
	}
}

// Load reads YAML from path, applies it on top of Default(), then applies
// environment overrides for secrets (the LLM API key list), the pattern
// used throughout the teacher's config loader for credential material that
// should never live in a checked-in YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if keys := os.Getenv("MIKA_LLM_API_KEYS"); keys != "" {
		c.LLM.APIKeyList = strings.Split(keys, ",")
	}
	if base := os.Getenv("MIKA_LLM_BASE_URL"); base != "" {
		c.LLM.BaseURL = base
	}
}

// normalize fills in zero-value fields that must never be zero at runtime,
// mirroring the teacher's sanitizeLoopConfig pattern.
func (c *Config) normalize() {
	defaults := Default()
	if c.Tools.MaxRounds <= 0 {
		c.Tools.MaxRounds = defaults.Tools.MaxRounds
	}
	if c.Context.MaxTurns <= 0 {
		c.Context.MaxTurns = defaults.Context.MaxTurns
	}
	if c.Context.HardMaxMessages <= 0 {
		c.Context.HardMaxMessages = defaults.Context.HardMaxMessages
	}
	if c.Identity.BotName == "" {
		c.Identity.BotName = defaults.Identity.BotName
	}
	if len(c.LLM.EmptyReplySentinels) == 0 {
		c.LLM.EmptyReplySentinels = defaults.LLM.EmptyReplySentinels
	}
	if c.Identity.SystemPromptTemplate == "" {
		c.Identity.SystemPromptTemplate = defaults.Identity.SystemPromptTemplate
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = defaults.LLM.EmbeddingModel
	}
	if c.Memory.DreamSweepCron == "" {
		c.Memory.DreamSweepCron = defaults.Memory.DreamSweepCron
	}
}

// PlanGate reports whether feature is permitted by static config,
// implementing the post-hoc gating rule in spec §3 ("planner may not enable
// features that are config-disabled").
func (c *Config) PlanGate(feature string) bool {
	switch feature {
	case "memory_retrieval":
		return c.Memory.MemoryRetrievalEnabled
	case "ltm_memory":
		return c.Memory.MemoryEnabled
	case "knowledge_auto_inject":
		return c.Memory.KnowledgeEnabled && c.Memory.KnowledgeAutoInject
	default:
		return true
	}
}
