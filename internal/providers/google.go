package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lopution/mika-chat-core/pkg/models"
)

// GoogleGenAIAdapter implements Adapter for the native Google GenAI
// generateContent API (spec §4.5.3).
type GoogleGenAIAdapter struct{}

func (GoogleGenAIAdapter) Name() string { return "google_genai" }

type genaiPart struct {
	Text             string                `json:"text,omitempty"`
	InlineData       *genaiInlineData      `json:"inlineData,omitempty"`
	FunctionCall     *genaiFunctionCall    `json:"functionCall,omitempty"`
	FunctionResponse *genaiFunctionResult  `json:"functionResponse,omitempty"`
}

type genaiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type genaiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type genaiFunctionResult struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type genaiContent struct {
	Role  string      `json:"role,omitempty"`
	Parts []genaiPart `json:"parts"`
}

type genaiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type genaiTool struct {
	FunctionDeclarations []genaiFunctionDeclaration `json:"functionDeclarations"`
}

type genaiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type genaiRequest struct {
	SystemInstruction *genaiContent         `json:"systemInstruction,omitempty"`
	Contents          []genaiContent        `json:"contents"`
	Tools             []genaiTool           `json:"tools,omitempty"`
	GenerationConfig  genaiGenerationConfig `json:"generationConfig,omitempty"`
}

// pendingToolNames tracks tool_call_id -> function name across a message
// list, since a `tool` role message only carries the call id and a
// functionResponse part needs the name back out.
func pendingToolNames(messages []models.ChatMessage) map[string]string {
	names := map[string]string{}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
		}
	}
	return names
}

func (GoogleGenAIAdapter) BuildRequest(req CompletionRequest, baseURL, apiKey string) (*WireRequest, error) {
	toolNames := pendingToolNames(req.Messages)

	var systemParts []string
	var contents []genaiContent

	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			if text := m.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
		case models.RoleTool:
			name := toolNames[m.ToolCallID]
			resp, _ := json.Marshal(map[string]string{"result": m.Text()})
			contents = append(contents, genaiContent{
				Role:  "user",
				Parts: []genaiPart{{FunctionResponse: &genaiFunctionResult{Name: name, Response: resp}}},
			})
		case models.RoleAssistant:
			contents = append(contents, genaiContent{Role: "model", Parts: buildGenaiAssistantParts(m)})
		default:
			contents = append(contents, genaiContent{Role: "user", Parts: buildGenaiUserParts(m)})
		}
	}

	body := genaiRequest{
		Contents: contents,
		GenerationConfig: genaiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if len(systemParts) > 0 {
		body.SystemInstruction = &genaiContent{Parts: []genaiPart{{Text: strings.Join(systemParts, "\n\n")}}}
	}
	if len(req.Tools) > 0 {
		var decls []genaiFunctionDeclaration
		for _, t := range req.Tools {
			decls = append(decls, genaiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		body.Tools = []genaiTool{{FunctionDeclarations: decls}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal google_genai request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", strings.TrimRight(baseURL, "/"), req.Model, apiKey)
	return &WireRequest{
		Method:  "POST",
		URL:     url,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    payload,
	}, nil
}

func buildGenaiUserParts(m models.ChatMessage) []genaiPart {
	if !m.IsMultipart() {
		return []genaiPart{{Text: m.Text()}}
	}
	var parts []genaiPart
	for _, p := range m.Parts() {
		switch p.Type {
		case models.ContentPartText:
			if p.Text != "" {
				parts = append(parts, genaiPart{Text: p.Text})
			}
		case models.ContentPartImageURL:
			if p.ImageURL == nil {
				continue
			}
			if mime, data, ok := parseDataURL(p.ImageURL.URL); ok {
				parts = append(parts, genaiPart{InlineData: &genaiInlineData{MimeType: mime, Data: data}})
			} else {
				parts = append(parts, genaiPart{Text: "[image] " + p.ImageURL.URL})
			}
		}
	}
	return parts
}

func buildGenaiAssistantParts(m models.ChatMessage) []genaiPart {
	var parts []genaiPart
	if text := m.Text(); text != "" {
		parts = append(parts, genaiPart{Text: text})
	}
	for _, tc := range m.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		parts = append(parts, genaiPart{FunctionCall: &genaiFunctionCall{Name: tc.Function.Name, Args: args}})
	}
	return parts
}

type genaiCandidate struct {
	Content      genaiContent `json:"content"`
	FinishReason string       `json:"finishReason"`
}

type genaiResponse struct {
	Candidates    []genaiCandidate `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (GoogleGenAIAdapter) ParseResponse(body []byte) (*CompletionResult, error) {
	var resp genaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse google_genai response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return &CompletionResult{}, nil
	}
	candidate := resp.Candidates[0]
	var text strings.Builder
	msg := models.ChatMessage{Role: models.RoleAssistant}
	callSeq := 0
	for _, p := range candidate.Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			callSeq++
			args := p.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID: fmt.Sprintf("call_%d", callSeq),
				Function: models.ToolCallFunction{
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		}
	}
	msg.SetText(text.String())
	return &CompletionResult{
		Message:      msg,
		FinishReason: candidate.FinishReason,
		Usage: Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func (GoogleGenAIAdapter) Capabilities(baseURL, model string) Capabilities {
	return Capabilities{SupportsImages: true, SupportsTools: true}
}
