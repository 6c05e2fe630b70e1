// Package providers implements the bidirectional mapping between the
// internal OpenAI-style message/tool schema and three provider wire
// formats: openai_compat, anthropic, and google_genai (spec §4.5).
//
// Grounded on haasonsaas-nexus/internal/agent/providers — base.go's
// BaseProvider retry helper, and the per-provider conversion logic in
// openai.go/anthropic.go/google.go, adapted from a streaming-SDK design to
// the spec's raw-HTTP, non-streaming request/response translation.
package providers

import (
	"context"
	"encoding/json"

	"github.com/lopution/mika-chat-core/pkg/models"
)

// ToolSpec is the provider-agnostic tool definition passed to BuildRequest.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// CompletionRequest is the internal, provider-agnostic request shape.
type CompletionRequest struct {
	Model       string
	Messages    []models.ChatMessage
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting from a completion response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResult is the internal, provider-agnostic parsed response.
type CompletionResult struct {
	Message          models.ChatMessage // role=assistant, Content + ToolCalls populated
	FinishReason     string
	ReasoningContent string
	Usage            Usage
	ResponseID       string
}

// Capabilities describes what a (provider, model) pair supports, used to
// gate feature exposure in message-building (spec §4.5).
type Capabilities struct {
	SupportsImages              bool
	SupportsTools               bool
	SupportsJSONObjectResponse  bool
}

// WireRequest is a fully-built HTTP request in provider wire format, ready
// for Transport to execute.
type WireRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Adapter translates between the internal schema and one provider's wire
// format. Each of the three wire formats in spec §4.5 implements this.
type Adapter interface {
	// Name identifies the wire format: "openai_compat" | "anthropic" | "google_genai".
	Name() string

	// BuildRequest renders req into a wire-format HTTP request against
	// baseURL/model using apiKey for auth.
	BuildRequest(req CompletionRequest, baseURL, apiKey string) (*WireRequest, error)

	// ParseResponse parses a successful HTTP response body into the
	// internal completion result shape.
	ParseResponse(body []byte) (*CompletionResult, error)

	// Capabilities reports what the given model supports (spec §4.5
	// capability probe). The adapters in this package decide from the
	// model name alone and do not read baseURL; a Gemini model behind an
	// OpenAI-compat base URL is recognized by its model name.
	Capabilities(baseURL, model string) Capabilities
}

// Completer issues one non-streaming completion call against whatever
// provider/model the caller has bound. Shared across the tool loop,
// retrieval agent, planner, memory extractor, and proactive judge so each
// depends on one function shape instead of wiring its own transport
// client.
type Completer func(ctx context.Context, req CompletionRequest) (*CompletionResult, error)

// ForName returns the Adapter for a wire format name.
func ForName(name string) (Adapter, bool) {
	switch name {
	case "openai_compat":
		return OpenAICompatAdapter{}, true
	case "anthropic":
		return AnthropicAdapter{}, true
	case "google_genai":
		return GoogleGenAIAdapter{}, true
	default:
		return nil, false
	}
}
