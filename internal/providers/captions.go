package providers

import (
	"context"
	"strings"

	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// captionPrompt is the instruction sent alongside the image in the single
// captioning turn. Kept short: the result is injected verbatim into
// system_injection, not shown to the end user.
const captionPrompt = "Describe this image in one short, factual sentence for another model that cannot see it. No preamble."

// CompletionCaptionProvider implements orchestrator.CaptionProvider over an
// already-wired vision-capable Completer, reusing the same request/response
// plumbing the orchestrator uses for ordinary chat turns instead of a
// second, bespoke HTTP client.
//
// Grounded on this package's own Complete path (openai.go's BuildRequest /
// transport.go's wire round-trip already know how to carry an image_url
// content part); OpenAICompatEmbedder above is the nearest sibling for the
// "small provider-backed helper with its own package-level type" shape.
type CompletionCaptionProvider struct {
	Complete Completer
	Model    string
}

// NewCompletionCaptionProvider builds a CaptionProvider against an existing
// Completer (typically Transport.Complete bound to a vision-capable model).
func NewCompletionCaptionProvider(complete Completer, model string) *CompletionCaptionProvider {
	return &CompletionCaptionProvider{Complete: complete, Model: model}
}

// Caption asks the configured model to describe imageURL in one sentence.
func (c *CompletionCaptionProvider) Caption(ctx context.Context, imageURL string) (string, error) {
	msg := models.ChatMessage{Role: models.RoleUser}
	msg.SetParts([]models.ContentPart{
		{Type: models.ContentPartText, Text: captionPrompt},
		{Type: models.ContentPartImageURL, ImageURL: &models.ImageURLContent{URL: imageURL}},
	})

	result, err := c.Complete(ctx, CompletionRequest{
		Model:       c.Model,
		Messages:    []models.ChatMessage{msg},
		Temperature: 0.2,
		MaxTokens:   128,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(result.Message.Text())
	if text == "" {
		return "", core.New(core.KindEmptyReply, "caption request returned no text")
	}
	return text, nil
}
