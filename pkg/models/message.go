package models

import "encoding/json"

// Role is the author type of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType identifies the shape of a multi-part message content entry.
type ContentPartType string

const (
	ContentPartText     ContentPartType = "text"
	ContentPartImageURL ContentPartType = "image_url"
)

// MediaSemantic anchors a stable semantic identity onto a content part that
// was replaced by a placeholder (image/emoji not sent to the provider).
type MediaSemantic struct {
	Kind   string `json:"kind"` // "image" | "emoji"
	ID     string `json:"id"`
	Ref    string `json:"ref,omitempty"`
	Source string `json:"source,omitempty"`
}

// ImageURLContent is the {url} payload of an image_url content part.
type ImageURLContent struct {
	URL string `json:"url"`
}

// ContentPart is one element of a ChatMessage's multi-part content.
type ContentPart struct {
	Type          ContentPartType  `json:"type"`
	Text          string           `json:"text,omitempty"`
	ImageURL      *ImageURLContent `json:"image_url,omitempty"`
	MediaSemantic *MediaSemantic   `json:"media_semantic,omitempty"`
}

// ToolCallFunction is the function payload of a ToolCall.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one tool invocation requested by an assistant message.
type ToolCall struct {
	ID       string           `json:"id"`
	Function ToolCallFunction `json:"function"`
}

// ChatMessage is the internal OpenAI-style message schema shared by the
// provider adapters, context store, and tool loop. See spec §3.
//
// Content is polymorphic: either a plain string or a []ContentPart. Use
// Text()/Parts() to read it uniformly and SetText()/SetParts() to write it.
type ChatMessage struct {
	Role        Role            `json:"role"`
	Content     json.RawMessage `json:"content"`
	MessageID   string          `json:"message_id,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	// AuthorUserID is not part of the wire schema but is carried alongside
	// archived messages to support transcript rendering and profile lookups.
	AuthorUserID string `json:"-"`
}

// SetText sets Content to a plain string.
func (m *ChatMessage) SetText(text string) {
	raw, _ := json.Marshal(text)
	m.Content = raw
}

// SetParts sets Content to a multi-part content array.
func (m *ChatMessage) SetParts(parts []ContentPart) {
	raw, _ := json.Marshal(parts)
	m.Content = raw
}

// Text returns the message's text content. For multi-part content it
// concatenates all text parts, space-separated.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	parts := m.Parts()
	out := ""
	for _, p := range parts {
		if p.Type != ContentPartText {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p.Text
	}
	return out
}

// Parts returns the message's content as a part slice. A plain string
// content is wrapped as a single text part.
func (m ChatMessage) Parts() []ContentPart {
	if len(m.Content) == 0 {
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		return parts
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil && s != "" {
		return []ContentPart{{Type: ContentPartText, Text: s}}
	}
	return nil
}

// IsMultipart reports whether Content is a content-part array rather than a
// plain string.
func (m ChatMessage) IsMultipart() bool {
	var parts []ContentPart
	return json.Unmarshal(m.Content, &parts) == nil && len(parts) > 0
}

// NewTextMessage builds a ChatMessage with plain string content.
func NewTextMessage(role Role, text string) ChatMessage {
	m := ChatMessage{Role: role}
	m.SetText(text)
	return m
}

// SessionKey identifies a conversation partition: "group:<id>" or
// "private:<user_id>".
type SessionKey string

// GroupSessionKey builds a group session key.
func GroupSessionKey(groupID string) SessionKey {
	return SessionKey("group:" + groupID)
}

// PrivateSessionKey builds a private session key.
func PrivateSessionKey(userID string) SessionKey {
	return SessionKey("private:" + userID)
}

// IsGroup reports whether the session key identifies a group conversation.
func (k SessionKey) IsGroup() bool {
	return len(k) > 6 && k[:6] == "group:"
}

// ID returns the group/user id portion of the session key.
func (k SessionKey) ID() string {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return string(k[i+1:])
		}
	}
	return string(k)
}
