package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lopution/mika-chat-core/pkg/models"
)

// OpenAICompatAdapter implements Adapter for OpenAI-compatible chat
// completion endpoints (OpenAI itself, and any gateway that mirrors its
// schema, e.g. a Gemini-via-OpenAI-compat proxy).
type OpenAICompatAdapter struct{}

func (OpenAICompatAdapter) Name() string { return "openai_compat" }

type oaiMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []oaiToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function oaiFunctionCall `json:"function"`
}

type oaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaiRequest struct {
	Model          string          `json:"model"`
	Messages       []oaiMessage    `json:"messages"`
	Tools          []oaiTool       `json:"tools,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	SafetySettings []safetySetting `json:"safetySettings,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

func (OpenAICompatAdapter) BuildRequest(req CompletionRequest, baseURL, apiKey string) (*WireRequest, error) {
	messages := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := oaiMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
		if len(m.Content) > 0 {
			om.Content = buildOAIContent(m)
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: oaiFunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		messages = append(messages, om)
	}

	body := oaiRequest{
		Model:    req.Model,
		Messages: messages,
	}
	temp := req.Temperature
	body.Temperature = &temp
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	// Gemini-via-OpenAI-compat endpoints need explicit safety overrides;
	// the model otherwise silently refuses ordinary conversational text.
	if strings.Contains(baseURL, "generativelanguage.googleapis.com") && strings.Contains(baseURL, "/openai") {
		body.SafetySettings = []safetySetting{
			{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai_compat request: %w", err)
	}

	return &WireRequest{
		Method: "POST",
		URL:    strings.TrimRight(baseURL, "/") + "/chat/completions",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + apiKey,
		},
		Body: payload,
	}, nil
}

// buildOAIContent renders a ChatMessage's content, converting image content
// parts into OpenAI's multi-content array form only when present.
func buildOAIContent(m models.ChatMessage) json.RawMessage {
	if !m.IsMultipart() {
		raw, _ := json.Marshal(m.Text())
		return raw
	}
	type part struct {
		Type     string          `json:"type"`
		Text     string          `json:"text,omitempty"`
		ImageURL *oaiImageURLRef `json:"image_url,omitempty"`
	}
	var parts []part
	for _, p := range m.Parts() {
		switch p.Type {
		case models.ContentPartText:
			parts = append(parts, part{Type: "text", Text: p.Text})
		case models.ContentPartImageURL:
			if p.ImageURL != nil {
				parts = append(parts, part{Type: "image_url", ImageURL: &oaiImageURLRef{URL: p.ImageURL.URL}})
			}
		}
	}
	raw, _ := json.Marshal(parts)
	return raw
}

type oaiImageURLRef struct {
	URL string `json:"url"`
}

type oaiChoice struct {
	Message struct {
		Content          string        `json:"content"`
		ReasoningContent string        `json:"reasoning_content"`
		ToolCalls        []oaiToolCall `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type oaiResponse struct {
	ID      string      `json:"id"`
	Choices []oaiChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (OpenAICompatAdapter) ParseResponse(body []byte) (*CompletionResult, error) {
	var resp oaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse openai_compat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &CompletionResult{ResponseID: resp.ID}, nil
	}
	choice := resp.Choices[0]
	msg := models.ChatMessage{Role: models.RoleAssistant}
	msg.SetText(choice.Message.Content)
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID: tc.ID,
			Function: models.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return &CompletionResult{
		Message:          msg,
		FinishReason:     choice.FinishReason,
		ReasoningContent: choice.Message.ReasoningContent,
		ResponseID:       resp.ID,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (OpenAICompatAdapter) Capabilities(baseURL, model string) Capabilities {
	lower := strings.ToLower(model)
	caps := Capabilities{SupportsTools: true, SupportsJSONObjectResponse: true}
	switch {
	case strings.Contains(lower, "gpt-4o"), strings.Contains(lower, "gpt-4-turbo"), strings.Contains(lower, "gemini"):
		caps.SupportsImages = true
	}
	return caps
}
