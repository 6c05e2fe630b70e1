package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lopution/mika-chat-core/pkg/models"
)

// AnthropicAdapter implements Adapter for the Anthropic Messages API
// (spec §4.5.2).
type AnthropicAdapter struct{}

func (AnthropicAdapter) Name() string { return "anthropic" }

type anthContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use (assistant -> provider)
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result (user -> provider)
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// image
	Source *anthImageSource `json:"source,omitempty"`
}

type anthImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type anthMessage struct {
	Role    string              `json:"role"`
	Content []anthContentBlock `json:"content"`
}

type anthTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	Tools       []anthTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
}

func (AnthropicAdapter) BuildRequest(req CompletionRequest, baseURL, apiKey string) (*WireRequest, error) {
	var systemParts []string
	var messages []anthMessage

	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			if text := m.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
		case models.RoleUser:
			messages = append(messages, anthMessage{Role: "user", Content: buildAnthUserContent(m)})
		case models.RoleAssistant:
			messages = append(messages, anthMessage{Role: "assistant", Content: buildAnthAssistantContent(m)})
		case models.RoleTool:
			messages = append(messages, anthMessage{
				Role: "user",
				Content: []anthContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Text(),
				}},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	body := anthRequest{
		Model:       req.Model,
		System:      strings.Join(systemParts, "\n\n"),
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	return &WireRequest{
		Method: "POST",
		URL:    strings.TrimRight(baseURL, "/") + "/messages",
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         apiKey,
			"anthropic-version": "2023-06-01",
		},
		Body: payload,
	}, nil
}

func buildAnthUserContent(m models.ChatMessage) []anthContentBlock {
	if !m.IsMultipart() {
		return []anthContentBlock{{Type: "text", Text: m.Text()}}
	}
	var blocks []anthContentBlock
	for _, p := range m.Parts() {
		switch p.Type {
		case models.ContentPartText:
			if p.Text != "" {
				blocks = append(blocks, anthContentBlock{Type: "text", Text: p.Text})
			}
		case models.ContentPartImageURL:
			if p.ImageURL == nil {
				continue
			}
			if mediaType, data, ok := parseDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, anthContentBlock{
					Type:   "image",
					Source: &anthImageSource{Type: "base64", MediaType: mediaType, Data: data},
				})
			} else {
				blocks = append(blocks, anthContentBlock{Type: "text", Text: "[image] " + p.ImageURL.URL})
			}
		}
	}
	return blocks
}

func buildAnthAssistantContent(m models.ChatMessage) []anthContentBlock {
	var blocks []anthContentBlock
	if text := m.Text(); text != "" {
		blocks = append(blocks, anthContentBlock{Type: "text", Text: text})
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			fallback, _ := json.Marshal(map[string]string{"input": tc.Function.Arguments})
			input = fallback
		}
		blocks = append(blocks, anthContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return blocks
}

// parseDataURL extracts the media type and base64 payload from a
// "data:<media-type>;base64,<data>" URL.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := url[len(prefix):]
	semi := strings.Index(rest, ";")
	comma := strings.Index(rest, ",")
	if semi < 0 || comma < 0 || comma < semi {
		return "", "", false
	}
	return rest[:semi], rest[comma+1:], true
}

type anthResponse struct {
	ID         string              `json:"id"`
	Content    []anthContentBlock `json:"content"`
	StopReason string              `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (AnthropicAdapter) ParseResponse(body []byte) (*CompletionResult, error) {
	var resp anthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}
	var text strings.Builder
	msg := models.ChatMessage{Role: models.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID: block.ID,
				Function: models.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}
	msg.SetText(text.String())
	return &CompletionResult{
		Message:      msg,
		FinishReason: resp.StopReason,
		ResponseID:   resp.ID,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (AnthropicAdapter) Capabilities(baseURL, model string) Capabilities {
	return Capabilities{SupportsImages: true, SupportsTools: true}
}
