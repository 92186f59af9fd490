package tools

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nugget/tracewise/internal/usage"
)

// UsageQuerier reads aggregated token usage. *usage.Store satisfies it.
type UsageQuerier interface {
	Summary(ctx context.Context, since, until time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, since, until time.Time) (map[string]*usage.Summary, error)
	SummaryByKind(ctx context.Context, since, until time.Time) (map[string]*usage.Summary, error)
}

// RegisterUsage adds usage_summary to reg. A nil now uses time.Now.
func RegisterUsage(reg *Registry, store UsageQuerier, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	return reg.Register(&Tool{
		Name:        "usage_summary",
		Description: "Report token usage and estimated cost of past analyses and chat replies. Optionally break the totals down by model or by kind (analysis or chat).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "kind"},
					"description": "Optional breakdown.",
				},
			},
			"required": []string{"period"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			period, _ := args["period"].(string)
			groupBy, _ := args["group_by"].(string)

			start, end := parsePeriod(period, now())
			summary, err := store.Summary(ctx, start, end)
			if err != nil {
				return "", fmt.Errorf("query usage summary: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Usage (%s):\n", period)
			fmt.Fprintf(&sb, "  Runs: %d (%d forced)\n", summary.Runs, summary.ForcedRuns)
			fmt.Fprintf(&sb, "  Input tokens: %s\n", formatTokenCount(summary.TotalInputTokens))
			fmt.Fprintf(&sb, "  Output tokens: %s\n", formatTokenCount(summary.TotalOutputTokens))
			fmt.Fprintf(&sb, "  Tool calls: %d\n", summary.TotalToolCalls)
			fmt.Fprintf(&sb, "  Estimated cost: $%.4f\n", summary.TotalCostUSD)

			var grouped map[string]*usage.Summary
			switch groupBy {
			case "model":
				grouped, err = store.SummaryByModel(ctx, start, end)
			case "kind":
				grouped, err = store.SummaryByKind(ctx, start, end)
			}
			if err != nil {
				return "", fmt.Errorf("query usage by %s: %w", groupBy, err)
			}
			if len(grouped) > 0 {
				fmt.Fprintf(&sb, "\nBy %s:\n", groupBy)
				for _, key := range slices.Sorted(maps.Keys(grouped)) {
					s := grouped[key]
					display := key
					if display == "" {
						display = "(none)"
					}
					fmt.Fprintf(&sb, "  %s: $%.4f (%d runs, %s in / %s out)\n",
						display, s.TotalCostUSD, s.Runs,
						formatTokenCount(s.TotalInputTokens),
						formatTokenCount(s.TotalOutputTokens))
				}
			}
			return sb.String(), nil
		},
	})
}

// parsePeriod converts a period name to a start/end time range.
func parsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(time.Minute)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch period {
	case "today":
		return midnight, end
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// formatTokenCount formats a token count as a compact string (e.g.,
// "1.23M", "456.0K", "789").
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
