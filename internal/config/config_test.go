package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mika.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingPathFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Identity.BotName != want.Identity.BotName {
		t.Errorf("BotName = %q, want %q", cfg.Identity.BotName, want.Identity.BotName)
	}
	if cfg.Memory.DreamSweepCron != want.Memory.DreamSweepCron {
		t.Errorf("DreamSweepCron = %q, want %q", cfg.Memory.DreamSweepCron, want.Memory.DreamSweepCron)
	}
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	path := writeConfig(t, `
identity:
  bot_name: TestBot
llm:
  model: gpt-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.BotName != "TestBot" {
		t.Errorf("BotName = %q, want TestBot", cfg.Identity.BotName)
	}
	if cfg.LLM.Model != "gpt-test" {
		t.Errorf("Model = %q, want gpt-test", cfg.LLM.Model)
	}
	// fields left unset in the file keep their defaults
	if cfg.LLM.EmbeddingModel != Default().LLM.EmbeddingModel {
		t.Errorf("EmbeddingModel = %q, want default %q", cfg.LLM.EmbeddingModel, Default().LLM.EmbeddingModel)
	}
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MIKA_LLM_API_KEYS", "key-a,key-b")
	t.Setenv("MIKA_LLM_BASE_URL", "https://example.test/v1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.LLM.APIKeyList) != 2 || cfg.LLM.APIKeyList[0] != "key-a" {
		t.Errorf("APIKeyList = %v, want [key-a key-b]", cfg.LLM.APIKeyList)
	}
	if cfg.LLM.BaseURL != "https://example.test/v1" {
		t.Errorf("BaseURL = %q", cfg.LLM.BaseURL)
	}
}

func TestNormalizeFillsZeroValueFieldsFromDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()

	want := Default()
	if cfg.Tools.MaxRounds != want.Tools.MaxRounds {
		t.Errorf("MaxRounds = %d, want %d", cfg.Tools.MaxRounds, want.Tools.MaxRounds)
	}
	if cfg.Identity.BotName != want.Identity.BotName {
		t.Errorf("BotName = %q, want %q", cfg.Identity.BotName, want.Identity.BotName)
	}
	if cfg.Memory.DreamSweepCron != want.Memory.DreamSweepCron {
		t.Errorf("DreamSweepCron = %q, want %q", cfg.Memory.DreamSweepCron, want.Memory.DreamSweepCron)
	}
}

func TestPlanGateRespectsStaticConfig(t *testing.T) {
	cfg := Default()
	cfg.Memory.MemoryRetrievalEnabled = false
	cfg.Memory.MemoryEnabled = true
	cfg.Memory.KnowledgeEnabled = true
	cfg.Memory.KnowledgeAutoInject = false

	if cfg.PlanGate("memory_retrieval") {
		t.Error("memory_retrieval should be gated off")
	}
	if !cfg.PlanGate("ltm_memory") {
		t.Error("ltm_memory should be gated on")
	}
	if cfg.PlanGate("knowledge_auto_inject") {
		t.Error("knowledge_auto_inject requires both knowledge_enabled and auto_inject")
	}
	if !cfg.PlanGate("unrecognized_feature") {
		t.Error("unrecognized features should default to permitted")
	}
}
