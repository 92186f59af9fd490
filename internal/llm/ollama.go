package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/tracewise/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewModelClient(),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       time.Time     `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, choice ToolChoice) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, choice, nil)
}

// ChatStream sends a chat request, streaming tokens to callback when it
// is non-nil. Ollama has no tool_choice parameter, so ToolChoiceNone
// withholds the tool list.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, choice ToolChoice, callback StreamCallback) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Stream:   callback != nil,
	}
	if choice != ToolChoiceNone {
		req.Tools = tools
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var result *ChatResponse
	if callback != nil {
		result, err = c.handleStreaming(resp.Body, len(req.Tools) > 0, callback)
		if err != nil {
			return nil, err
		}
	} else {
		var or ollamaResponse
		if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		result = convertFromOllama(&or)
	}

	// Many local models emit tool calls as JSON text rather than using
	// the native field. Only honor that when tools were offered.
	if len(req.Tools) > 0 && len(result.Message.ToolCalls) == 0 && result.Message.Content != "" {
		if parsed := parseTextToolCalls(result.Message.Content); len(parsed) > 0 {
			result.Message.ToolCalls = parsed
			result.Message.Content = ""
		}
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"stream", req.Stream,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// handleStreaming reads Ollama's newline-delimited JSON chunks. When
// tools were offered, a reply that opens like a text-encoded tool call
// is held back until the stream ends and only delivered if it turns out
// to be prose.
func (c *OllamaClient) handleStreaming(body io.Reader, toolsOffered bool, callback StreamCallback) (*ChatResponse, error) {
	dec := json.NewDecoder(body)

	var (
		content   strings.Builder
		toolCalls []ollamaToolCall
		final     ollamaResponse
		emitted   int
		decided   = !toolsOffered
		held      bool
	)

	for {
		var chunk ollamaResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if !decided {
				if lead := strings.TrimSpace(content.String()); lead != "" {
					decided = true
					held = looksLikeTextToolCall(lead)
				}
			}
			if decided && !held && content.Len() > emitted {
				callback(StreamEvent{Kind: KindToken, Token: content.String()[emitted:]})
				emitted = content.Len()
			}
		}
		toolCalls = append(toolCalls, chunk.Message.ToolCalls...)

		if chunk.Done {
			final = chunk
			break
		}
	}

	final.Message.Content = content.String()
	final.Message.ToolCalls = toolCalls
	result := convertFromOllama(&final)

	if held && len(parseTextToolCalls(result.Message.Content)) == 0 && content.Len() > emitted {
		callback(StreamEvent{Kind: KindToken, Token: content.String()[emitted:]})
	}

	c.logger.Debug("stream complete",
		"model", result.Model,
		"content_len", len(result.Message.Content),
		"held", held,
	)
	return result, nil
}

func looksLikeTextToolCall(lead string) bool {
	return strings.HasPrefix(lead, "{") || strings.HasPrefix(lead, "[") || strings.HasPrefix(lead, "<")
}

func convertFromOllama(or *ollamaResponse) *ChatResponse {
	result := &ChatResponse{
		Model:        or.Model,
		CreatedAt:    or.CreatedAt,
		Message:      Message{Role: "assistant", Content: or.Message.Content},
		InputTokens:  or.PromptEvalCount,
		OutputTokens: or.EvalCount,
		StopReason:   or.DoneReason,
	}
	for _, tc := range or.Message.ToolCalls {
		result.Message.ToolCalls = append(result.Message.ToolCalls, ToolCall{
			Function: FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return result
}

func convertToOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.Name}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// parseTextToolCalls attempts to extract tool calls from content text.
// It handles common formats:
// - Raw JSON object: {"name": "...", "arguments": {...}}
// - JSON array: [{"name": "...", "arguments": {...}}]
// - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var calls []FunctionCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, 0, len(calls))
		for _, c := range calls {
			if c.Name == "" {
				return nil
			}
			result = append(result, ToolCall{Function: c})
		}
		return result
	}

	var single FunctionCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{Function: single}}
	}

	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
