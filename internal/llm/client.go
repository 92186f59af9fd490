// Package llm provides LLM client implementations.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// The tools slice uses the OpenAI function format; choice tells the
	// provider whether the model may, must, or must not call them.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, choice ToolChoice) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Streamer is implemented by clients that deliver text tokens while
// the model generates them. The returned response is the same one Chat
// would have produced.
type Streamer interface {
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, choice ToolChoice, callback StreamCallback) (*ChatResponse, error)
}

// ChatStream sends a request through c, streaming text tokens to
// callback. Clients that cannot stream answer through Chat and the
// whole reply is delivered as one token. A nil callback is a plain
// Chat. Only KindToken events are delivered.
func ChatStream(ctx context.Context, c Client, model string, messages []Message, tools []map[string]any, choice ToolChoice, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools, choice)
	}
	if s, ok := c.(Streamer); ok {
		return s.ChatStream(ctx, model, messages, tools, choice, callback)
	}
	resp, err := c.Chat(ctx, model, messages, tools, choice)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Message.Content != "" {
		callback(StreamEvent{Kind: KindToken, Token: resp.Message.Content})
	}
	return resp, nil
}
