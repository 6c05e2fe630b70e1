package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lopution/mika-chat-core/internal/memory"
	"github.com/lopution/mika-chat-core/internal/observability"
	"github.com/lopution/mika-chat-core/internal/transcript"
	"github.com/lopution/mika-chat-core/pkg/models"
)

// promptVars is the prompt-variable context built in pipeline step 2.
type promptVars struct {
	BotName         string
	MasterName      string
	Now             string
	SessionID       string
	ProfileSummary  string
	SystemInjection string
}

func (o *Orchestrator) buildPromptVars(ctx context.Context, req Request, sessionKey models.SessionKey) promptVars {
	vars := promptVars{
		BotName:    o.deps.Config.Identity.BotName,
		MasterName: o.deps.Config.Identity.MasterName,
		Now:        nowString(),
		SessionID:  string(sessionKey),
	}
	if o.deps.Profiles != nil && req.UserID != "" {
		if summary, ok, err := o.deps.Profiles.GetSummary(ctx, req.UserID); err == nil && ok {
			vars.ProfileSummary = summary
		}
	}
	return vars
}

func (o *Orchestrator) renderSystemPrompt(vars promptVars) (string, error) {
	var buf bytes.Buffer
	if err := o.tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// degradeTailLimits maps a context-degradation level to the message-count
// tail cap named in spec §4.1's state machine (L1 ~20, L2 ~5). L0 is
// unlimited.
var degradeTailLimits = map[int]int{1: 20, 2: 5}

func tailMessages(history []models.ChatMessage, limit int) []models.ChatMessage {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.\s]?\d{3,4}[-.\s]?\d{4}\b`)
)

// maskSensitiveTerms redacts emails and phone-number-shaped sequences,
// applied at degrade level ≥2 per spec §4.1. The spec names "sensitive-term
// masking" without enumerating the term list; this is a minimal concrete
// instance of that rule, not an exhaustive PII scrubber.
func maskSensitiveTerms(text string) string {
	text = emailPattern.ReplaceAllString(text, "[redacted-email]")
	text = phonePattern.ReplaceAllString(text, "[redacted-phone]")
	return text
}

// buildMessages assembles the full provider-bound message list per spec
// §4.1 step 6 / §4.4: system prompt, history (transcript for group,
// structured for private), the pre-search pseudo-message, and the current
// user turn with media handling, all under the configured body/token
// budget.
func (o *Orchestrator) buildMessages(ctx context.Context, req Request, sessionKey models.SessionKey, vars promptVars, level int, searchResult *PreSearchResult, plan MediaPolicy) ([]models.ChatMessage, error) {
	if len(req.ImageURLs) > 0 && !plan.SupportsImages && plan.MediaCaptionEnabled {
		vars.SystemInjection = appendInjection(vars.SystemInjection, o.captionImages(ctx, req.ImageURLs))
	}

	systemText, err := o.renderSystemPrompt(vars)
	if err != nil {
		return nil, err
	}
	out := []models.ChatMessage{models.NewTextMessage(models.RoleSystem, systemText)}

	history := req.HistoryOverride
	if history == nil && o.deps.ContextStore != nil {
		snapshot, err := o.deps.ContextStore.Snapshot(ctx, sessionKey)
		if err == nil {
			history = snapshot
		}
	}
	if tail, ok := degradeTailLimits[level]; ok {
		history = tailMessages(history, tail)
	}
	if level >= 2 {
		masked := make([]models.ChatMessage, len(history))
		for i, m := range history {
			masked[i] = m
			masked[i].SetText(maskSensitiveTerms(m.Text()))
		}
		history = masked
	}

	charWindow := o.deps.Config.Context.MaxTokensSoft * 4
	workingSet := history
	if o.deps.ContextManager != nil {
		workingSet = o.deps.ContextManager.BuildWorkingSet(history, charWindow)
	}

	if sessionKey.IsGroup() {
		authorNames := map[string]string{}
		if req.UserID != "" && req.AuthorDisplayName != "" {
			authorNames[req.UserID] = req.AuthorDisplayName
		}
		lines := transcript.FromMessages(workingSet, authorNames)
		settings := transcript.Settings{
			BotName:         vars.BotName,
			LineMaxChars:    o.deps.Config.Context.TranscriptLineMaxChars,
			MaxParticipants: o.deps.Config.Context.TranscriptMaxParticipants,
		}
		otherBytes := len(systemText)
		block, fits := transcript.FitBudget(lines, settings, otherBytes, o.deps.Config.Context.RequestBodyMaxBytes, o.deps.Config.Context.MaxTokensSoft, transcript.EstimateTokens)
		if !fits {
			observability.FromContext(ctx).Warn("transcript still over budget after shrinking", "session_key", string(sessionKey))
		}
		out = append(out, models.NewTextMessage(models.RoleSystem, block))
	} else {
		out = append(out, workingSet...)
	}

	if searchResult != nil && searchResult.PresearchHit {
		out = append(out, models.NewTextMessage(models.RoleUser,
			fmt.Sprintf("[External Search Results | Untrusted]\n%s", searchResult.SearchResult)))
	}

	userMsg, err := o.buildUserTurn(ctx, req, plan)
	if err != nil {
		return nil, err
	}
	out = append(out, userMsg)

	return out, nil
}

// MediaPolicy carries the capability/feature decisions needed to attach
// image content to the current turn (spec §4.4 media handling).
type MediaPolicy struct {
	SupportsImages     bool
	MediaCaptionEnabled bool
	NeedMedia          string // planner.Plan.NeedMedia: "none" | "caption" | "images"
}

// CaptionProvider describes the external "caption provider" spec §4.4's
// media-handling two-stage fallback calls when the active model can't
// accept images directly. Same shape as memory.Embedder: one opaque
// external call per item, no batching.
type CaptionProvider interface {
	Caption(ctx context.Context, imageURL string) (string, error)
}

// captionImages calls o.deps.Captioner on up to
// Config.Context.HistoryImageTwoStageMax of urls, returning a
// label-wrapped block of the successful captions for injection into
// system_injection, or "" if no captioner is configured or every call
// failed.
func (o *Orchestrator) captionImages(ctx context.Context, urls []string) string {
	if o.deps.Captioner == nil || len(urls) == 0 {
		return ""
	}
	max := o.deps.Config.Context.HistoryImageTwoStageMax
	if max <= 0 || max > len(urls) {
		max = len(urls)
	}

	var sb strings.Builder
	sb.WriteString("[Context Media Captions | Untrusted]\n")
	any := false
	for _, url := range urls[:max] {
		caption, err := o.deps.Captioner.Caption(ctx, url)
		if err != nil || caption == "" {
			continue
		}
		any = true
		fmt.Fprintf(&sb, "- %s\n", caption)
	}
	if !any {
		return ""
	}
	return sb.String()
}

func (o *Orchestrator) buildUserTurn(ctx context.Context, req Request, policy MediaPolicy) (models.ChatMessage, error) {
	msg := models.ChatMessage{Role: models.RoleUser, AuthorUserID: req.UserID, MessageID: req.MessageID}

	if len(req.ImageURLs) == 0 {
		msg.SetText(req.Message)
		return msg, nil
	}

	if policy.SupportsImages && policy.NeedMedia != "caption" {
		parts := []models.ContentPart{{Type: models.ContentPartText, Text: req.Message}}
		for _, url := range req.ImageURLs {
			parts = append(parts, models.ContentPart{
				Type:     models.ContentPartImageURL,
				ImageURL: &models.ImageURLContent{URL: url},
				MediaSemantic: &models.MediaSemantic{Kind: "image", ID: transcript.StableMediaID(url), Source: url},
			})
		}
		msg.SetParts(parts)
		return msg, nil
	}

	// No direct image support (or the planner asked for captions): the
	// message text always carries stable placeholders so the model can
	// still refer to "this image" by id; buildMessages separately injects
	// the caption descriptions (if any) into system_injection rather than
	// here, since captions describe content while placeholders anchor it.
	var sb strings.Builder
	sb.WriteString(req.Message)
	for _, url := range req.ImageURLs {
		fmt.Fprintf(&sb, " [图片][picid:%s]", transcript.StableMediaID(url))
	}
	msg.SetText(sb.String())
	return msg, nil
}

func nowString() string {
	return time.Now().Format("2006-01-02T15:04:05Z07:00")
}

// injectVectorStore embeds query and searches store for sessionKey,
// returning a label-wrapped snippet of the top hits, or "" if nothing was
// found or embedding/search failed.
func (o *Orchestrator) injectVectorStore(ctx context.Context, store memory.VectorStore, sessionKey models.SessionKey, query, label string) string {
	if store == nil || o.deps.Embedder == nil || query == "" {
		return ""
	}
	vec, err := o.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return ""
	}
	hits, err := store.Search(ctx, sessionKey, vec, 3)
	if err != nil || len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", label)
	for _, h := range hits {
		fmt.Fprintf(&sb, "- %s\n", h.Text)
	}
	return sb.String()
}

func appendInjection(existing, addition string) string {
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + "\n\n" + addition
}
