package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/lopution/mika-chat-core/internal/config"
	"github.com/lopution/mika-chat-core/internal/memory"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/internal/tasks"
	"github.com/lopution/mika-chat-core/pkg/models"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestOrchestrator(t *testing.T, deps Deps) *Orchestrator {
	t.Helper()
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	o, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestSpawnBackgroundTasksNoopWithoutSupervisor(t *testing.T) {
	o := newTestOrchestrator(t, Deps{})
	// Must not panic even with every optional dependency nil.
	o.spawnBackgroundTasks(context.Background(), models.PrivateSessionKey("u1"), Request{Message: "hi"}, "hello")
}

func TestSpawnBackgroundTasksExtractsFacts(t *testing.T) {
	store, err := memory.OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		return &providers.CompletionResult{
			Message: models.NewTextMessage(models.RoleAssistant, "u1: likes tea"),
		}, nil
	}
	extractor := memory.NewExtractor(complete, stubEmbedder{}, store, "test-model", 5)

	cfg := config.Default()
	cfg.Memory.MemoryEnabled = true
	cfg.Memory.ExtractRateLimitInterval = 0

	supervisor := tasks.NewSupervisor(2)
	o := newTestOrchestrator(t, Deps{
		Config:     cfg,
		Supervisor: supervisor,
		Extractor:  extractor,
	})

	sessionKey := models.PrivateSessionKey("u1")
	o.spawnBackgroundTasks(context.Background(), sessionKey, Request{Message: "I love tea", UserID: "u1"}, "noted!")
	supervisor.Wait()

	hits, err := store.Search(context.Background(), sessionKey, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one stored fact, got %d: %+v", len(hits), hits)
	}
}

func TestShouldExtractRateLimits(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.ExtractRateLimitInterval = time.Hour
	o := newTestOrchestrator(t, Deps{Config: cfg})

	key := models.PrivateSessionKey("u1")
	if !o.shouldExtract(key) {
		t.Fatalf("first call should be allowed")
	}
	if o.shouldExtract(key) {
		t.Fatalf("second call within the interval should be rate-limited")
	}
}

func TestShouldExtractAllowsDifferentSessions(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.ExtractRateLimitInterval = time.Hour
	o := newTestOrchestrator(t, Deps{Config: cfg})

	if !o.shouldExtract(models.PrivateSessionKey("a")) {
		t.Fatalf("session a should be allowed")
	}
	if !o.shouldExtract(models.PrivateSessionKey("b")) {
		t.Fatalf("session b should be independently allowed")
	}
}
