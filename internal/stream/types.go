// Package stream turns a child CLI process's newline-delimited JSON output
// into typed events and a running token-usage accumulator.
package stream

import "encoding/json"

// RawEvent holds both the raw NDJSON text the parser assembled and the
// typed event decoded from it.
type RawEvent struct {
	Raw    []byte
	Parsed ClaudeEvent
	Err    error
}

// Event type tags recognized in the child's `type` field. Anything else
// decodes as EventRaw.
const (
	EventSystem      = "system"
	EventText        = "text"
	EventUsage       = "usage"
	EventToolUse     = "tool_use"
	EventToolResult  = "tool_result"
	EventAssistant   = "assistant"
	EventUser        = "user"
	EventThinking    = "thinking"
	EventMessageStop = "message_stop"
	EventResult      = "result"
	EventError       = "error"
	EventInterrupt   = "interrupt"
	EventRaw         = "raw"
)

// ClaudeEvent is the typed decoding of one line of a child's stream-json
// output. Exactly the fields relevant to Type are populated; the rest are
// zero. `assistant` and `user` are never decoded at all: they arrive as
// EventRaw with the whole document in Original — see the design note on
// the `raw` fall-through discipline.
type ClaudeEvent struct {
	// Type is always one of the Event* constants above. When the child
	// emitted a tag this parser does not recognize, Type is EventRaw and
	// RawType carries the original value.
	Type    string `json:"type"`
	RawType string `json:"-"`

	Subtype string `json:"subtype,omitempty"`

	// "system" (subtype "init")
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	CWD       string `json:"cwd,omitempty"`

	// "text"
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`

	// "tool_use"
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// "tool_result"
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolContent json.RawMessage `json:"content,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`

	// The "message" field of a recognized event, untouched. The parser
	// routes "assistant" / "user" to EventRaw, so it never fills this for
	// them.
	Message json.RawMessage `json:"message,omitempty"`

	// "thinking"
	IsThinking bool   `json:"is_thinking,omitempty"`
	Thought    string `json:"thought,omitempty"`

	// "result"
	Status string `json:"status,omitempty"`

	// "error" — note ErrorMessage, not Message, to avoid colliding with the
	// assistant/user nested-document field above.
	ErrorMessage string `json:"-"`
	Code         string `json:"code,omitempty"`

	Usage *Usage `json:"usage,omitempty"`

	// Original is populated only for EventRaw events: the untouched JSON
	// document as received.
	Original json.RawMessage `json:"-"`
}

// Usage holds token usage fields reported by a single "usage" event.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}
