package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/tracewise/internal/tools"
)

// ToolHandler adapts a Fetcher to the tool handler signature.
func ToolHandler(f *Fetcher) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		raw, _ := args["url"].(string)
		if raw == "" {
			return "", fmt.Errorf("%w: url is required", tools.ErrInvalidArguments)
		}
		maxChars := 0
		if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
			maxChars = int(mc)
		}

		page, err := f.Fetch(ctx, raw, maxChars)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(page)
		if err != nil {
			return "", fmt.Errorf("marshal page: %w", err)
		}
		return string(out), nil
	}
}

// Register adds fetch_page to reg.
func Register(reg *tools.Registry, f *Fetcher) error {
	return reg.Register(&tools.Tool{
		Name:        "fetch_page",
		Description: "Fetch a web page (documentation, issue thread, changelog) and return its readable text as JSON.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "http or https URL",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Maximum characters of text to return (default 20000)",
				},
			},
			"required": []any{"url"},
		},
		Handler: ToolHandler(f),
	})
}
