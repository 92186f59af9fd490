package agent

import (
	"github.com/google/uuid"

	"github.com/nugget/tracewise/internal/llm"
	"github.com/nugget/tracewise/internal/memory"
)

// toMessages maps transcript turns to provider-neutral messages.
func toMessages(turns []memory.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		m := llm.Message{
			Role:       string(t.Role),
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
			Name:       t.Name,
		}
		for _, tc := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{
				ID: tc.ID,
				Function: llm.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// toToolCalls converts a reply's tool calls, assigning ids where the
// provider left them empty or repeated one.
func toToolCalls(calls []llm.ToolCall) []memory.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(calls))
	out := make([]memory.ToolCall, 0, len(calls))
	for _, c := range calls {
		id := c.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		args := c.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, memory.ToolCall{ID: id, Name: c.Function.Name, Arguments: args})
	}
	return out
}
