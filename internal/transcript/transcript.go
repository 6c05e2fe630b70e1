// Package transcript renders a group session's message history as a
// single compact text block — the "Chatroom Transcript" system message
// sent in place of structured per-turn history for group chats (spec
// §4.4, C5).
//
// Relative-time hints are grounded on haasonsaas-nexus/internal/datetime/
// format.go's FormatRelativeTime bucket thresholds (just-now / minutes /
// hours / days), translated to the spec's Chinese-language hint set
// rather than the teacher's English one. Display-name sanitization and
// disambiguation is new — the teacher's identity store carries a single
// DisplayName field with no collision handling, since its sessions are
// never multi-user group transcripts rendered into one text block.
package transcript

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lopution/mika-chat-core/pkg/models"
)

// Line is one speaker turn to render into the transcript block.
type Line struct {
	UserID      string
	DisplayName string
	IsBot       bool
	Timestamp   time.Time
	Text        string
	MsgID       string // optional anchor, e.g. for image/emoji placeholders
}

// Settings controls rendering limits (spec §4.4, §6 ContextConfig).
type Settings struct {
	BotName        string
	LineMaxChars   int
	MaxParticipants int
}

var sanitizePattern = regexp.MustCompile(`[^\p{Han}\p{Hiragana}\p{Katakana}a-zA-Z0-9_-]+`)

// sanitizeDisplayName keeps CJK/ASCII/digits/_- only, collapses runs of
// stripped characters to nothing, and truncates to 24 chars. The result is
// stable for a given raw input (no randomness), so it is consistent across
// renders as long as the platform keeps sending the same raw name.
func sanitizeDisplayName(raw string) string {
	cleaned := sanitizePattern.ReplaceAllString(raw, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = "user"
	}
	runes := []rune(cleaned)
	if len(runes) > 24 {
		runes = runes[:24]
	}
	return string(runes)
}

// disambiguateNames returns a userID -> display label map, appending
// "(user_id)" to every name shared by more than one distinct user.
func disambiguateNames(lines []Line) map[string]string {
	sanitized := make(map[string]string, len(lines))
	countByName := make(map[string]map[string]bool)
	for _, l := range lines {
		if l.IsBot {
			continue
		}
		name := sanitizeDisplayName(l.DisplayName)
		sanitized[l.UserID] = name
		if countByName[name] == nil {
			countByName[name] = make(map[string]bool)
		}
		countByName[name][l.UserID] = true
	}
	labels := make(map[string]string, len(sanitized))
	for userID, name := range sanitized {
		if len(countByName[name]) > 1 {
			labels[userID] = fmt.Sprintf("%s(%s)", name, userID)
		} else {
			labels[userID] = name
		}
	}
	return labels
}

// relativeTimeHint buckets diff from baseline using the spec's Chinese
// hint set: 刚刚 | N分钟前 | N小时前 | N天前.
func relativeTimeHint(baseline, t time.Time) string {
	diff := baseline.Sub(t)
	if diff < 0 {
		diff = 0
	}
	seconds := int64(diff.Seconds())
	if seconds < 60 {
		return "刚刚"
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%d分钟前", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%d小时前", hours)
	}
	days := hours / 24
	return fmt.Sprintf("%d天前", days)
}

// clipLine space-normalizes and clips text to maxChars runes, preserving
// a trailing <msg_id:...> anchor if present so image/emoji placeholders
// stay addressable even after clipping.
func clipLine(text string, maxChars int, msgID string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	runes := []rune(normalized)
	if len(runes) > maxChars {
		runes = runes[:maxChars]
	}
	out := string(runes)
	if msgID != "" && !strings.Contains(out, "<msg_id:") {
		out = fmt.Sprintf("%s <msg_id:%s>", out, msgID)
	}
	return out
}

// StableMediaID derives a stable semantic id for an image/emoji placeholder
// from its URL or emoji id via a truncated SHA-1, per spec §4.4's
// `[picid:<stable-hash>]` / `[emoji:<id>]` placeholder scheme.
func StableMediaID(source string) string {
	sum := sha1.Sum([]byte(source))
	return hex.EncodeToString(sum[:])[:12]
}

// Build renders the full "[Chatroom Transcript] ... [End Transcript]"
// block for lines, which must be in chronological (oldest-first) order.
func Build(lines []Line, settings Settings) string {
	if len(lines) == 0 {
		return "[Chatroom Transcript]\n[Participants] active: (none)\n[End Transcript]"
	}
	if settings.LineMaxChars <= 0 {
		settings.LineMaxChars = 200
	}
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = 8
	}

	baseline := lines[len(lines)-1].Timestamp
	labels := disambiguateNames(lines)

	var sb strings.Builder
	sb.WriteString("[Chatroom Transcript]\n")
	sb.WriteString(participantsHeader(lines, labels, settings.MaxParticipants))
	sb.WriteString("\n")

	for _, l := range lines {
		hint := relativeTimeHint(baseline, l.Timestamp)
		speaker := settings.BotName
		if !l.IsBot {
			speaker = labels[l.UserID]
		}
		text := clipLine(l.Text, settings.LineMaxChars, l.MsgID)
		fmt.Fprintf(&sb, "[%s] %s: %s\n", hint, speaker, text)
	}

	sb.WriteString("[End Transcript]")
	return sb.String()
}

// participantsHeader lists the N most-recent distinct non-bot speakers
// (most-recent first) plus the very last speaker overall, per spec §4.4.
func participantsHeader(lines []Line, labels map[string]string, maxParticipants int) string {
	seen := make(map[string]bool)
	var active []string
	for i := len(lines) - 1; i >= 0 && len(active) < maxParticipants; i-- {
		l := lines[i]
		if l.IsBot || seen[l.UserID] {
			continue
		}
		seen[l.UserID] = true
		active = append(active, labels[l.UserID])
	}

	last := lines[len(lines)-1]
	lastLabel := "(bot)"
	if !last.IsBot {
		lastLabel = labels[last.UserID]
	}

	return fmt.Sprintf("[Participants] active: %s | last: %s", strings.Join(active, ", "), lastLabel)
}

// FromMessages converts a working-set slice of ChatMessages into Lines,
// using authorNames to resolve a user_id to its raw platform display name.
func FromMessages(msgs []models.ChatMessage, authorNames map[string]string) []Line {
	lines := make([]Line, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		text := m.Text()
		if text == "" {
			continue
		}
		isBot := m.Role == models.RoleAssistant
		name := authorNames[m.AuthorUserID]
		if name == "" {
			name = m.AuthorUserID
		}
		ts := time.Unix(m.Timestamp, 0)
		if m.Timestamp == 0 {
			ts = time.Now()
		}
		lines = append(lines, Line{
			UserID:      m.AuthorUserID,
			DisplayName: name,
			IsBot:       isBot,
			Timestamp:   ts,
			Text:        text,
			MsgID:       m.MessageID,
		})
	}
	return lines
}
