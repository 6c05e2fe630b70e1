package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lopution/mika-chat-core/internal/config"
	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/observability"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func TestChatReturnsReplyOnSuccess(t *testing.T) {
	cfg := config.Default()
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		return &providers.CompletionResult{Message: models.NewTextMessage(models.RoleAssistant, "hello there")}, nil
	}
	o := newTestOrchestrator(t, Deps{
		Config:    cfg,
		Metrics:   testMetrics(),
		Templates: core.DefaultTemplates(),
		Complete:  complete,
		Model:     cfg.LLM.Model,
	})

	got := o.Chat(context.Background(), Request{Message: "hi", UserID: "u1"})
	if got != "hello there" {
		t.Fatalf("Chat() = %q, want %q", got, "hello there")
	}
}

func TestChatRendersErrorTemplateOnProviderFailure(t *testing.T) {
	cfg := config.Default()
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		return nil, core.New(core.KindAPIError, "provider exploded")
	}
	o := newTestOrchestrator(t, Deps{
		Config:    cfg,
		Metrics:   testMetrics(),
		Templates: core.DefaultTemplates(),
		Complete:  complete,
		Model:     cfg.LLM.Model,
	})

	got := o.Chat(context.Background(), Request{Message: "hi", UserID: "u1"})
	want := core.DefaultTemplates().Render(core.KindAPIError.UserMessageKey(), cfg.Identity.BotName)
	if got != want {
		t.Fatalf("Chat() = %q, want rendered api_error template %q", got, want)
	}
}

func TestChatDegradesContextOnEmptyReplyThenFails(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.EmptyReplyContextDegrade = true
	cfg.LLM.EmptyReplyMaxDegradeLevel = 1
	cfg.LLM.EmptyReplyRetryDelaySeconds = 0

	attempts := 0
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		attempts++
		return &providers.CompletionResult{Message: models.NewTextMessage(models.RoleAssistant, "")}, nil
	}
	o := newTestOrchestrator(t, Deps{
		Config:    cfg,
		Metrics:   testMetrics(),
		Templates: core.DefaultTemplates(),
		Complete:  complete,
		Model:     cfg.LLM.Model,
	})

	got := o.Chat(context.Background(), Request{Message: "hi", UserID: "u1"})
	if attempts != 2 {
		t.Fatalf("expected one retry at the degraded level (2 attempts total), got %d", attempts)
	}
	want := core.DefaultTemplates().Render(core.KindEmptyReply.UserMessageKey(), cfg.Identity.BotName)
	if got != want {
		t.Fatalf("Chat() = %q, want rendered empty_reply template %q", got, want)
	}
}

func TestChatDoesNotDegradeWhenDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.EmptyReplyContextDegrade = false

	attempts := 0
	complete := func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
		attempts++
		return &providers.CompletionResult{Message: models.NewTextMessage(models.RoleAssistant, "")}, nil
	}
	o := newTestOrchestrator(t, Deps{
		Config:    cfg,
		Metrics:   testMetrics(),
		Templates: core.DefaultTemplates(),
		Complete:  complete,
		Model:     cfg.LLM.Model,
	})

	o.Chat(context.Background(), Request{Message: "hi", UserID: "u1"})
	if attempts != 1 {
		t.Fatalf("expected a single attempt with degrade disabled, got %d", attempts)
	}
}

func TestRenderErrorFallsBackToUnknownKind(t *testing.T) {
	cfg := config.Default()
	o := newTestOrchestrator(t, Deps{
		Config:    cfg,
		Metrics:   testMetrics(),
		Templates: core.DefaultTemplates(),
	})

	got := o.renderError(errors.New("not a CoreError"))
	want := core.DefaultTemplates().Render("unknown", cfg.Identity.BotName)
	if got != want {
		t.Fatalf("renderError() = %q, want %q", got, want)
	}
}
