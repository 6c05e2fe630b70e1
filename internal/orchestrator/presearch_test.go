package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

func TestClassifyKeywordHit(t *testing.T) {
	c := NewClassifier(nil, "", []string{"weather", "news"}, nil)
	got := c.Classify(context.Background(), "what's the Weather like today", models.PrivateSessionKey("u1"), "")
	if !got.PresearchHit {
		t.Fatalf("expected keyword hit, got %+v", got)
	}
	if got.Decision != "keyword" {
		t.Fatalf("decision = %q, want keyword", got.Decision)
	}
}

func TestClassifyEmptyQuery(t *testing.T) {
	c := NewClassifier(nil, "", nil, nil)
	got := c.Classify(context.Background(), "   ", models.PrivateSessionKey("u1"), "")
	if got.Decision != "empty_query" {
		t.Fatalf("decision = %q, want empty_query", got.Decision)
	}
}

func TestClassifyNoSignalWithoutCompleter(t *testing.T) {
	c := NewClassifier(nil, "", nil, nil)
	got := c.Classify(context.Background(), "tell me a joke", models.PrivateSessionKey("u1"), "")
	if got.PresearchHit {
		t.Fatalf("expected no hit without keywords or completer")
	}
	if got.Decision != "no_signal" {
		t.Fatalf("decision = %q, want no_signal", got.Decision)
	}
}

func TestClassifyLLMDecision(t *testing.T) {
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		return &providers.CompletionResult{
			Message: models.NewTextMessage(models.RoleAssistant, `{"needs_search": true, "query": "latest news"}`),
		}, nil
	}
	c := NewClassifier(complete, "test-model", nil, nil)
	got := c.Classify(context.Background(), "what happened today", models.PrivateSessionKey("u1"), "")
	if !got.PresearchHit {
		t.Fatalf("expected LLM hit, got %+v", got)
	}
	if got.Decision != "llm" {
		t.Fatalf("decision = %q, want llm", got.Decision)
	}
}

func TestClassifyLLMFailureFallsBackToNoSignal(t *testing.T) {
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		return nil, errors.New("boom")
	}
	c := NewClassifier(complete, "test-model", nil, nil)
	got := c.Classify(context.Background(), "what happened today", models.PrivateSessionKey("u1"), "")
	if got.PresearchHit {
		t.Fatalf("expected no hit on classify error")
	}
	if got.Decision != "llm_fallback_no_signal" {
		t.Fatalf("decision = %q, want llm_fallback_no_signal", got.Decision)
	}
}

func TestClassifyCachesByNormalizedQuery(t *testing.T) {
	calls := 0
	c := NewClassifier(nil, "", []string{"weather"}, nil)
	for i := 0; i < 3; i++ {
		got := c.Classify(context.Background(), "  Weather  ", models.PrivateSessionKey("u1"), "")
		if got.PresearchHit {
			calls++
		}
	}
	if calls != 3 {
		t.Fatalf("expected all 3 calls to report the cached hit, got %d", calls)
	}
	got := c.Classify(context.Background(), "weather", models.PrivateSessionKey("u1"), "")
	if got.BlockedDuplicateTotal == 0 {
		t.Fatalf("expected cached result to record a blocked duplicate")
	}
}

func TestClassifySearchExecutorPopulatesResult(t *testing.T) {
	searchCalled := false
	search := func(ctx context.Context, sessionKey models.SessionKey, groupID, query string) (string, error) {
		searchCalled = true
		return "search findings", nil
	}
	c := NewClassifier(nil, "", []string{"news"}, search)
	got := c.Classify(context.Background(), "news today", models.GroupSessionKey("g1"), "g1")
	if !searchCalled {
		t.Fatalf("expected search executor to run on a keyword hit")
	}
	if got.SearchResult != "search findings" || !got.AllowToolRefine {
		t.Fatalf("unexpected result: %+v", got)
	}
}
