package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/tracewise/internal/prompts"
)

// LLMSummarizer uses an LLM to generate summaries.
type LLMSummarizer struct {
	llmFunc func(ctx context.Context, prompt string) (string, error)
}

// NewLLMSummarizer creates a summarizer that sends one prompt per
// summary through llmFunc.
func NewLLMSummarizer(llmFunc func(ctx context.Context, prompt string) (string, error)) *LLMSummarizer {
	return &LLMSummarizer{llmFunc: llmFunc}
}

// Summarize renders the turns as a transcript and asks the LLM to
// condense them.
func (s *LLMSummarizer) Summarize(ctx context.Context, turns []Turn) (string, error) {
	summary, err := s.llmFunc(ctx, prompts.SummaryPrompt(Transcript(turns)))
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}

// Transcript formats turns as "Role: content" paragraphs. Tool calls
// and results are rendered inline so a summary can mention them.
func Transcript(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		switch {
		case t.IsPriorSummary():
			sb.WriteString(strings.TrimSpace(strings.TrimPrefix(t.Content, PriorSummaryPrefix)))
			sb.WriteString("\n\n")
			continue
		case t.Role == RoleTool:
			fmt.Fprintf(&sb, "Tool %s result: %s\n\n", t.Name, t.Content)
			continue
		}
		role := string(t.Role)
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		if t.Content != "" {
			fmt.Fprintf(&sb, "%s: %s\n\n", role, t.Content)
		}
		for _, tc := range t.ToolCalls {
			fmt.Fprintf(&sb, "%s called %s(%v)\n\n", role, tc.Name, tc.Arguments)
		}
	}
	return sb.String()
}
