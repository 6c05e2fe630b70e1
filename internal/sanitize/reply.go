// Package sanitize implements the Message Sanitizer (spec §4.11): a
// post-LLM reply sanitizer that strips thinking markers and Markdown down
// to chat-friendly plain text, and a pre-LLM prompt-injection guard.
//
// Grounded on haasonsaas-nexus/internal/gateway/guards.go's compiled
// regex-pattern bank (SanitizeToolResult/DetectSecrets/RedactSecrets),
// narrowed from secret-leak patterns to thinking-marker/Markdown patterns
// here and to prompt-injection patterns in guard.go.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	thinkingMarkerPattern = regexp.MustCompile(`(?im)^\s*[*_]{1,2}(thinking|drafting|planning)[*_]{0,2}\s*:.*$`)
	searchPrefixPattern   = regexp.MustCompile(`(?i)^(based on (the )?search.*?,|i searched.*?[,.])\s*`)

	boldPattern       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	underscoreBold    = regexp.MustCompile(`__([^_]+)__`)
	italicStarPattern = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUnderscore  = regexp.MustCompile(`_([^_\n]+)_`)
	codeBlockPattern  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```")
	inlineCodePattern = regexp.MustCompile("`([^`]+)`")

	headingPattern    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	blockquotePattern = regexp.MustCompile(`(?m)^>\s?(.+)$`)
	orderedListPattern = regexp.MustCompile(`(?m)^(\s*)(\d+)\.\s+`)
	bulletListPattern  = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)

	blockMathPattern  = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	inlineMathPattern = regexp.MustCompile(`\$([^$\n]+)\$`)

	linkPattern = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)

	roleTagPattern      = regexp.MustCompile(`\[[^\[\]]{1,40}\(\d+\)\]\s*[:：]\s*`)
	decorativeTagPattern = regexp.MustCompile(`【[^【】]{0,40}】\s*[:：]?\s*$`)

	zeroWidthPattern = regexp.MustCompile(`[\x{200B}-\x{200F}\x{202A}-\x{202E}\x{FEFF}]`)

	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

// Reply sanitizes an LLM reply for direct display to chat users, applying
// every transformation spec §4.11.1 lists, in order.
func Reply(text string) string {
	text = thinkingMarkerPattern.ReplaceAllString(text, "")
	text = searchPrefixPattern.ReplaceAllString(text, "")

	text = codeBlockPattern.ReplaceAllString(text, "$1")
	text = inlineCodePattern.ReplaceAllString(text, "$1")
	text = boldPattern.ReplaceAllString(text, "$1")
	text = underscoreBold.ReplaceAllString(text, "$1")
	text = italicStarPattern.ReplaceAllString(text, "$1")
	text = italicUnderscore.ReplaceAllString(text, "$1")

	text = headingPattern.ReplaceAllString(text, "【$1】")
	text = blockquotePattern.ReplaceAllString(text, "「$1」")
	text = orderedListPattern.ReplaceAllString(text, "$1$2、")
	text = bulletListPattern.ReplaceAllString(text, "$1· ")

	text = blockMathPattern.ReplaceAllString(text, "$1")
	text = inlineMathPattern.ReplaceAllString(text, "$1")

	text = linkPattern.ReplaceAllString(text, "$1")

	text = zeroWidthPattern.ReplaceAllString(text, "")
	text = roleTagPattern.ReplaceAllString(text, "")
	text = decorativeTagPattern.ReplaceAllString(text, "")

	text = blankLinesPattern.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)
	return text
}
