package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	core "github.com/lopution/mika-chat-core/internal/errors"
)

// OpenAICompatEmbedder implements memory.Embedder over an OpenAI-compatible
// /embeddings endpoint. Embedding storage and indexing are an explicit
// Non-goal of the spec ("opaque stores") but something concrete has to turn
// text into the vectors those stores hold, so this is the minimal wire
// client for it.
//
// Grounded on haasonsaas-nexus/internal/tools/memorysearch/embeddings.go's
// remoteEmbedder (POST {baseURL}/embeddings, bearer auth, one input per
// call), narrowed to a single string-in/vector-out call since the packages
// that consume memory.Embedder (internal/memory, internal/retrieval) never
// batch.
type OpenAICompatEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAICompatEmbedder builds an embedder against baseURL using model.
// apiKey may be empty for providers that don't require one (e.g. a local
// Ollama-compatible endpoint already speaking the OpenAI embeddings shape).
func NewOpenAICompatEmbedder(baseURL, apiKey, model string) *OpenAICompatEmbedder {
	return &OpenAICompatEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed satisfies memory.Embedder.
func (e *OpenAICompatEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, core.Wrap(core.KindUnknown, err, "marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, core.Wrap(core.KindUnknown, err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, core.Wrap(core.KindTimeout, err, "embedding request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Wrap(core.KindNetwork, err, "read embedding response")
	}
	if resp.StatusCode >= 400 {
		return nil, core.New(core.KindAPIError, fmt.Sprintf("embedding request failed: status %d: %s", resp.StatusCode, string(raw)))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, core.Wrap(core.KindUnknown, err, "parse embedding response")
	}
	if len(parsed.Data) == 0 {
		return nil, core.New(core.KindAPIError, "embedding response had no data")
	}
	return parsed.Data[0].Embedding, nil
}
