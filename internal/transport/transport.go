// Package transport executes provider completion requests over HTTP,
// implementing the status-code error taxonomy, timeout/retry policy, and
// empty-reply local-retry loop described in spec §4.2.
//
// The retry loop is grounded on haasonsaas-nexus/internal/agent/providers
// BaseProvider.Retry's linear-backoff pattern, generalized from a single
// isRetryable predicate to the CoreError taxonomy in internal/errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lopution/mika-chat-core/internal/config"
	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/observability"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// Transport executes CompletionRequests against a configured provider
// endpoint, handling retries, status-code classification, and the
// empty-reply fallback flow.
type Transport struct {
	adapter providers.Adapter
	client  *http.Client
	cfg     config.LLMConfig
	metrics *observability.Metrics
	apiKeys *keyRotation
}

// New builds a Transport for the configured provider.
func New(cfg config.LLMConfig, metrics *observability.Metrics) (*Transport, error) {
	adapter, ok := providers.ForName(cfg.Provider)
	if !ok {
		return nil, core.New(core.KindUnknown, fmt.Sprintf("unknown provider %q", cfg.Provider))
	}
	if metrics == nil {
		metrics = observability.Noop()
	}
	return &Transport{
		adapter: adapter,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		cfg:     cfg,
		metrics: metrics,
		apiKeys: newKeyRotation(cfg.APIKeyList, cfg.DefaultKeyCooldown),
	}, nil
}

// Capabilities reports what the configured provider/model supports, so
// callers building a request (e.g. deciding whether to attach image
// content) don't need their own reference to the provider adapter.
func (t *Transport) Capabilities(model string) providers.Capabilities {
	return t.adapter.Capabilities(t.cfg.BaseURL, model)
}

// Complete executes req, applying the timeout-retry policy and the
// empty-reply local-retry loop. Context degradation after an empty reply is
// left to the caller (orchestrator).
func (t *Transport) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
	attempts := t.cfg.TimeoutRetryAttempts + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := t.completeOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !core.Retryable(err) || attempt >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.cfg.TimeoutRetryBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

// completeOnce issues req and, if the reply comes back empty, runs the
// empty-reply fallback flow documented at the top of this file before
// surfacing KindEmptyReply: first a single reasoning-only-completion
// follow-up (spec §4.2 step 6, only attempted when the provider returned
// reasoning_content with no visible text), then up to
// LLM.EmptyReplyLocalRetries bare retries of the original request (step 7),
// each re-checked against the same reasoning fallback.
func (t *Transport) completeOnce(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
	result, err := t.doRequest(ctx, req)
	if err == nil || core.KindOf(err) != core.KindEmptyReply {
		return result, err
	}

	if finalized, ok := t.tryFinalizeFromReasoning(ctx, req, result); ok {
		return finalized, nil
	}

	for attempt := 1; attempt <= t.cfg.EmptyReplyLocalRetries; attempt++ {
		delay := time.Duration(t.cfg.EmptyReplyDelayBaseSeconds * float64(attempt) * float64(time.Second))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		result, err = t.doRequest(ctx, req)
		if err == nil {
			return result, nil
		}
		if core.KindOf(err) != core.KindEmptyReply {
			return result, err
		}
		if finalized, ok := t.tryFinalizeFromReasoning(ctx, req, result); ok {
			return finalized, nil
		}
	}

	return result, err
}

// tryFinalizeFromReasoning asks the model to turn reasoning-only output
// (text empty, reasoning_content non-empty) into a visible final answer
// with one extra completion request. Returns ok=false if prior carried no
// reasoning, or the follow-up request itself came back empty/failed.
func (t *Transport) tryFinalizeFromReasoning(ctx context.Context, req providers.CompletionRequest, prior *providers.CompletionResult) (*providers.CompletionResult, bool) {
	if prior == nil || strings.TrimSpace(prior.ReasoningContent) == "" {
		return nil, false
	}

	followUp := req
	followUp.Messages = append(append([]models.ChatMessage{}, req.Messages...),
		models.NewTextMessage(models.RoleAssistant, prior.ReasoningContent),
		models.NewTextMessage(models.RoleUser, "Finalize your answer now in plain text based on the reasoning above. Do not call any tools."))

	finalized, err := t.doRequest(ctx, followUp)
	if err != nil || finalized == nil {
		return nil, false
	}
	return finalized, true
}

// doRequest issues req exactly once: build, send, classify status, parse,
// and empty-reply detection. completeOnce wraps this with the fallback flow
// above; callers that need a single bare attempt (the finalize follow-up)
// call it directly.
func (t *Transport) doRequest(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
	key, release := t.apiKeys.acquire()
	defer release()

	start := time.Now()
	wire, err := t.adapter.BuildRequest(req, t.cfg.BaseURL, key)
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "build request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, wire.Method, wire.URL, bytes.NewReader(wire.Body))
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "construct http request")
	}
	for k, v := range wire.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.Wrap(core.KindTimeout, err, "request canceled")
		}
		return nil, core.Wrap(core.KindTimeout, err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Wrap(core.KindNetwork, err, "read response body")
	}

	t.metrics.LLMLatencySeconds.WithLabelValues(t.adapter.Name(), req.Model).Observe(time.Since(start).Seconds())

	if coreErr := classifyStatus(resp, body, t.apiKeys, key); coreErr != nil {
		return nil, coreErr
	}

	result, err := t.adapter.ParseResponse(body)
	if err != nil {
		return nil, core.Wrap(core.KindAPIError, err, "parse response")
	}

	if t.isEmptyReply(result) {
		t.metrics.APIEmptyReplyTotal.WithLabelValues("empty", t.adapter.Name()).Inc()
		return result, core.New(core.KindEmptyReply, "provider returned an empty or sentinel-matched reply")
	}

	return result, nil
}

// isEmptyReply reports whether result's text is blank or matches a
// configured sentinel (case-insensitively), per spec §9's resolved locale
// question: the sentinel set is always config-driven, never hardcoded.
func (t *Transport) isEmptyReply(result *providers.CompletionResult) bool {
	text := strings.TrimSpace(result.Message.Text())
	if text == "" && len(result.Message.ToolCalls) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, sentinel := range t.cfg.EmptyReplySentinels {
		if lower == strings.ToLower(strings.TrimSpace(sentinel)) {
			return true
		}
	}
	return false
}

// classifyStatus maps an HTTP response to the CoreError taxonomy in spec
// §7, or returns nil for 2xx.
func classifyStatus(resp *http.Response, body []byte, keys *keyRotation, key string) *core.CoreError {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if reason, ok := contentFilterReason(body); ok {
			return core.New(core.KindContentFilter, reason)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		keys.cooldown(key, time.Duration(retryAfter*float64(time.Second)))
		return &core.CoreError{Kind: core.KindRateLimit, Message: "rate limited", RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		keys.disable(key)
		return core.New(core.KindAuth, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	case resp.StatusCode >= 500:
		return core.New(core.KindServerError, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	case resp.StatusCode >= 400:
		if reason, ok := contentFilterReason(body); ok {
			return core.New(core.KindContentFilter, reason)
		}
		return core.New(core.KindAPIError, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	default:
		return nil
	}
}

// contentFilterReason detects a provider safety refusal embedded in a
// response body rather than surfaced as a distinct status code (spec §7).
// Used for both 2xx bodies (finish_reason/finishReason on an otherwise
// successful completion) and 4xx error bodies (an error.code/type naming
// the refusal instead).
func contentFilterReason(body []byte) (string, bool) {
	var probe struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Candidates []struct {
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		Error struct {
			Code    string `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}
	for _, c := range probe.Choices {
		if c.FinishReason == "content_filter" {
			return "content_filter", true
		}
	}
	for _, c := range probe.Candidates {
		if c.FinishReason == "SAFETY" {
			return "SAFETY", true
		}
	}
	for _, marker := range []string{probe.Error.Code, probe.Error.Type} {
		lower := strings.ToLower(marker)
		if strings.Contains(lower, "content_filter") || strings.Contains(lower, "safety") || strings.Contains(lower, "blocked") {
			return marker, true
		}
	}
	return "", false
}

func parseRetryAfter(header string) float64 {
	if header == "" {
		return 1.0
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		return secs
	}
	return 1.0
}

func truncate(body []byte, n int) string {
	s := string(body)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
