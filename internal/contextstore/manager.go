package contextstore

import (
	"strconv"

	"github.com/lopution/mika-chat-core/pkg/models"
)

// TrimSettings mirrors spec §4.4's context-budget controls: a soft trim that
// keeps the head/tail of an oversized tool result, and a hard clear that
// blanks it entirely once the soft-trimmed context is still over budget.
//
// Grounded on haasonsaas-nexus/internal/agent/context/pruning.go's
// ContextPruningSettings, adapted from "per-ToolResult-inside-an-assistant-
// message" (the teacher's Message.ToolResults slice) to this model's
// "each tool result is its own RoleTool ChatMessage" shape — so the unit of
// pruning here is a whole message rather than one slot in a slice.
type TrimSettings struct {
	KeepLastAssistants int
	SoftTrimRatio      float64
	HardClearRatio     float64
	SoftTrimMaxChars   int
	SoftTrimHeadChars  int
	SoftTrimTailChars  int
	HardClearEnabled   bool
	HardClearText      string
	MinPrunableChars   int
	HardMaxMessages    int
}

// DefaultTrimSettings returns the spec's default context-budget controls.
func DefaultTrimSettings() TrimSettings {
	return TrimSettings{
		KeepLastAssistants: 3,
		SoftTrimRatio:      0.3,
		HardClearRatio:     0.5,
		SoftTrimMaxChars:   4000,
		SoftTrimHeadChars:  1500,
		SoftTrimTailChars:  1500,
		HardClearEnabled:   true,
		HardClearText:      "[tool result cleared to stay within context budget]",
		MinPrunableChars:   50000,
		HardMaxMessages:    200,
	}
}

// Manager applies context-budget trimming to a session's message history
// before it is sent to the model.
type Manager struct {
	settings TrimSettings
}

// NewManager builds a Manager with the given trim settings.
func NewManager(settings TrimSettings) *Manager {
	return &Manager{settings: settings}
}

// BuildWorkingSet normalizes dangling tool blocks (a tool message whose
// matching assistant tool_call was trimmed away upstream is dropped, since
// providers reject orphaned tool_result turns) and applies soft-trim/hard-
// clear pruning to keep the context under charWindow characters, then caps
// the result to HardMaxMessages.
func (m *Manager) BuildWorkingSet(history []models.ChatMessage, charWindow int) []models.ChatMessage {
	msgs := normalizeDanglingToolBlocks(history)
	if len(msgs) == 0 || charWindow <= 0 {
		return capMessages(msgs, m.settings.HardMaxMessages)
	}

	cutoff, ok := findAssistantCutoffIndex(msgs, m.settings.KeepLastAssistants)
	if !ok {
		return capMessages(msgs, m.settings.HardMaxMessages)
	}
	pruneStart := findFirstUserIndex(msgs)
	if pruneStart < 0 {
		pruneStart = len(msgs)
	}
	if pruneStart >= cutoff {
		return capMessages(msgs, m.settings.HardMaxMessages)
	}

	total := estimateChars(msgs)
	if float64(total)/float64(charWindow) < m.settings.SoftTrimRatio {
		return capMessages(msgs, m.settings.HardMaxMessages)
	}

	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)

	type prunableRef struct{ index int }
	var prunable []prunableRef

	for i := pruneStart; i < cutoff; i++ {
		if out[i].Role != models.RoleTool {
			continue
		}
		prunable = append(prunable, prunableRef{index: i})
		before := len(out[i].Text())
		trimmed, changed := softTrim(out[i].Text(), m.settings)
		if !changed {
			continue
		}
		out[i].SetText(trimmed)
		total += len(trimmed) - before
	}

	if float64(total)/float64(charWindow) < m.settings.HardClearRatio || !m.settings.HardClearEnabled {
		return capMessages(out, m.settings.HardMaxMessages)
	}

	prunableChars := 0
	for _, ref := range prunable {
		prunableChars += len(out[ref.index].Text())
	}
	if prunableChars < m.settings.MinPrunableChars {
		return capMessages(out, m.settings.HardMaxMessages)
	}

	ratio := float64(total) / float64(charWindow)
	for _, ref := range prunable {
		if ratio < m.settings.HardClearRatio {
			break
		}
		before := len(out[ref.index].Text())
		out[ref.index].SetText(m.settings.HardClearText)
		total += len(m.settings.HardClearText) - before
		ratio = float64(total) / float64(charWindow)
	}

	return capMessages(out, m.settings.HardMaxMessages)
}

// normalizeDanglingToolBlocks drops RoleTool messages whose ToolCallID has
// no matching ToolCall in a preceding assistant message — these occur when
// a prior trim pass (or an upstream history truncation) removed the
// assistant turn that requested the tool call.
func normalizeDanglingToolBlocks(history []models.ChatMessage) []models.ChatMessage {
	knownCalls := map[string]bool{}
	out := make([]models.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == models.RoleTool && m.ToolCallID != "" && !knownCalls[m.ToolCallID] {
			continue
		}
		for _, tc := range m.ToolCalls {
			knownCalls[tc.ID] = true
		}
		out = append(out, m)
	}
	return out
}

func capMessages(msgs []models.ChatMessage, hardMax int) []models.ChatMessage {
	if hardMax <= 0 || len(msgs) <= hardMax {
		return msgs
	}
	return msgs[len(msgs)-hardMax:]
}

func findAssistantCutoffIndex(msgs []models.ChatMessage, keepLastAssistants int) (int, bool) {
	if keepLastAssistants <= 0 {
		return len(msgs), true
	}
	remaining := keepLastAssistants
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			remaining--
			if remaining == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func findFirstUserIndex(msgs []models.ChatMessage) int {
	for i, m := range msgs {
		if m.Role == models.RoleUser {
			return i
		}
	}
	return -1
}

func estimateChars(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Text())
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
	}
	return total
}

func softTrim(content string, settings TrimSettings) (string, bool) {
	rawLen := len(content)
	if rawLen <= settings.SoftTrimMaxChars {
		return content, false
	}
	head, tail := settings.SoftTrimHeadChars, settings.SoftTrimTailChars
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head+tail >= rawLen {
		return content, false
	}
	headPart := content[:head]
	tailPart := content[rawLen-tail:]
	note := "\n\n[tool result trimmed: kept first " + strconv.Itoa(head) + " and last " + strconv.Itoa(tail) + " chars of " + strconv.Itoa(rawLen) + "]"
	return headPart + "\n...\n" + tailPart + note, true
}
