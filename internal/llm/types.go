package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	Name       string     `json:"name,omitempty"`         // Tool name on tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID for tool result correlation
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name and decoded arguments of a tool call.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolChoice constrains whether the model may emit tool calls.
type ToolChoice int

const (
	// ToolChoiceAuto lets the model decide.
	ToolChoiceAuto ToolChoice = iota
	// ToolChoiceNone forbids tool calls. Providers that cannot express
	// this simply receive no tool definitions.
	ToolChoiceNone
	// ToolChoiceRequired forces at least one tool call.
	ToolChoiceRequired
)

// String returns the OpenAI wire name of the choice.
func (c ToolChoice) String() string {
	switch c {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	default:
		return "auto"
	}
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// StopReason is the provider's raw finish reason, when reported.
	StopReason string
}

// TotalTokens returns input plus output tokens.
func (r *ChatResponse) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// StreamEvent is one event of a streaming response. Consumers switch on
// Kind to see which fields are set.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallStart events.
	ToolCall *ToolCall

	// ToolName, ToolResult and ToolError are set for KindToolCallDone
	// events.
	ToolName   string
	ToolResult string
	ToolError  string

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when the model invokes a tool.
	KindToolCallStart

	// KindToolCallDone fires when a tool execution completes.
	KindToolCallDone

	// KindDone signals the stream is complete. Response carries the
	// final metadata.
	KindDone
)

// StreamCallback receives streaming events. It is called from one
// goroutine at a time.
type StreamCallback func(event StreamEvent)
