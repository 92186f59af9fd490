// Package gemini adapts the Google Gemini API to llm.Client. It lives
// apart from llm so that only binaries that route to Gemini link genai.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/nugget/tracewise/internal/llm"
)

// Client is a client for the Google Gemini API.
type Client struct {
	models *genai.Models
	logger *slog.Logger
}

// New creates a Gemini client backed by the Gemini API
// (not Vertex AI).
func New(ctx context.Context, apiKey string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{
		models: client.Models,
		logger: logger.With("provider", "gemini"),
	}, nil
}

// Chat sends a GenerateContent request.
func (c *Client) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, choice llm.ToolChoice) (*llm.ChatResponse, error) {
	contents, system := toContents(messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if decls := toDeclarations(tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode(choice)},
		}
	}

	c.logger.Debug("preparing request",
		"model", model,
		"contents", len(contents),
		"tools", len(tools),
		"tool_choice", choice.String(),
	)

	resp, err := c.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	result := fromResponse(resp)
	if result.Model == "" {
		result.Model = model
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"stop_reason", result.StopReason,
	)
	c.logger.Log(ctx, llm.LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping fetches model metadata to verify the API key.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.models.Get(ctx, "gemini-2.0-flash", nil); err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}

func mode(choice llm.ToolChoice) genai.FunctionCallingConfigMode {
	switch choice {
	case llm.ToolChoiceNone:
		return genai.FunctionCallingConfigModeNone
	case llm.ToolChoiceRequired:
		return genai.FunctionCallingConfigModeAny
	default:
		return genai.FunctionCallingConfigModeAuto
	}
}

// toContents maps messages onto Gemini contents. System messages
// become the system instruction and consecutive tool results share one
// user content.
func toContents(messages []llm.Message) ([]*genai.Content, string) {
	var systemParts []string
	var out []*genai.Content

	for _, m := range messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, m.Content)

		case "user":
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))

		case "assistant":
			content := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Args: tc.Function.Arguments,
					},
				})
			}
			if len(content.Parts) == 0 {
				content.Parts = append(content.Parts, genai.NewPartFromText(""))
			}
			out = append(out, content)

		case "tool":
			part := &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.Name,
					Response: map[string]any{"output": m.Content},
				},
			}
			if n := len(out); n > 0 && out[n-1].Role == genai.RoleUser && isFunctionResponses(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		}
	}
	return out, strings.Join(systemParts, "\n\n")
}

func isFunctionResponses(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(c.Parts) > 0
}

func toDeclarations(tools []map[string]any) []*genai.FunctionDeclaration {
	var decls []*genai.FunctionDeclaration
	for _, tool := range tools {
		name, desc, params, ok := llm.SplitFunctionSpec(tool)
		if !ok {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 name,
			Description:          desc,
			ParametersJsonSchema: params,
		})
	}
	return decls
}

func fromResponse(resp *genai.GenerateContentResponse) *llm.ChatResponse {
	result := &llm.ChatResponse{
		Model:   resp.ModelVersion,
		Message: llm.Message{Role: "assistant"},
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return result
	}

	cand := resp.Candidates[0]
	result.StopReason = string(cand.FinishReason)

	var text strings.Builder
	for i, p := range cand.Content.Parts {
		if p == nil {
			continue
		}
		if p.FunctionCall != nil {
			id := p.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", p.FunctionCall.Name, i)
			}
			args := p.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			result.Message.ToolCalls = append(result.Message.ToolCalls, llm.ToolCall{
				ID:       id,
				Function: llm.FunctionCall{Name: p.FunctionCall.Name, Arguments: args},
			})
			continue
		}
		if !p.Thought {
			text.WriteString(p.Text)
		}
	}
	result.Message.Content = text.String()
	return result
}
