package models

import (
	"context"
	"encoding/json"
)

// ToolSource identifies where a tool definition came from.
type ToolSource string

const (
	ToolSourceBuiltin ToolSource = "builtin"
	ToolSourceMCP     ToolSource = "mcp"
	ToolSourcePlugin  ToolSource = "plugin"
)

// ToolHandler executes a tool call given its parsed JSON arguments and the
// group id the call is scoped to (empty for private sessions).
type ToolHandler func(ctx context.Context, args json.RawMessage, groupID string) (string, error)

// ToolResult is the outcome of one tool invocation, ready to be wrapped into
// a `tool` ChatMessage.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
	CacheHit   bool
}
