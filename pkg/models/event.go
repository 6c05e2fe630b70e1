// Package models defines the data types shared across the chat core:
// inbound platform events, the internal chat-message schema, and the
// outbound actions emitted back to a platform adapter.
package models

import (
	"encoding/json"
	"fmt"
)

// ContentKind identifies the shape of one part of an inbound event's content.
type ContentKind string

const (
	ContentKindText    ContentKind = "text"
	ContentKindMention ContentKind = "mention"
	ContentKindReply   ContentKind = "reply"
	ContentKindImage   ContentKind = "image"
)

// ContentSegment is one part of an EventEnvelope's content.
type ContentSegment struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	// ID is the referenced message/user id for mention/reply kinds.
	ID string `json:"id,omitempty"`
	// URL is the image URL for image kinds.
	URL string `json:"url,omitempty"`
}

// Author identifies the sender of an inbound event.
type Author struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
	Role     string `json:"role,omitempty"`
}

// EventEnvelope is the immutable, platform-agnostic representation of an
// inbound chat event produced by a platform adapter. See spec §3.
type EventEnvelope struct {
	SchemaVersion int               `json:"schema_version"`
	SessionID     string            `json:"session_id"`
	Platform      string            `json:"platform"`
	Protocol      string            `json:"protocol"`
	MessageID     string            `json:"message_id"`
	Timestamp     int64             `json:"timestamp"`
	Author        Author            `json:"author"`
	ContentParts  []ContentSegment  `json:"content_parts"`
	Meta          map[string]string `json:"meta,omitempty"`
	Raw           json.RawMessage   `json:"raw,omitempty"`
}

// Text concatenates all text-kind content parts, space-separated.
func (e EventEnvelope) Text() string {
	out := ""
	for _, part := range e.ContentParts {
		if part.Kind != ContentKindText {
			continue
		}
		if out != "" {
			out += " "
		}
		out += part.Text
	}
	return out
}

// ImageURLs returns the URLs of all image-kind content parts, in order.
func (e EventEnvelope) ImageURLs() []string {
	var urls []string
	for _, part := range e.ContentParts {
		if part.Kind == ContentKindImage && part.URL != "" {
			urls = append(urls, part.URL)
		}
	}
	return urls
}

// ToJSON encodes the envelope to its stable JSON form.
func (e EventEnvelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventEnvelopeFromJSON decodes an envelope produced by ToJSON.
func EventEnvelopeFromJSON(data []byte) (EventEnvelope, error) {
	var e EventEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return EventEnvelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	return e, nil
}

// SendMessageAction is the reply action emitted back to the platform adapter.
type SendMessageAction struct {
	SessionID string   `json:"session_id"`
	Text      string    `json:"text"`
	ReplyToID string    `json:"reply_to_id,omitempty"`
	ImageURLs []string  `json:"image_urls,omitempty"`
}

// NoopAction signals the orchestrator deliberately produced no reply.
type NoopAction struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}
