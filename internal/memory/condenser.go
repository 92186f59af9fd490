package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"unicode/utf8"
)

// CondenseMode selects what happens to history outside the retention
// window once a transcript grows past the threshold.
type CondenseMode string

const (
	// ModeElide drops the oldest turns.
	ModeElide CondenseMode = "elide"
	// ModeSummarize replaces them with one prior-summary system turn.
	ModeSummarize CondenseMode = "summarize"
)

// CondenseConfig controls condensation.
type CondenseConfig struct {
	ToolResultCeiling  int // characters kept from a tool result
	KeepRecent         int // trailing turns never dropped
	SummarizeThreshold int // turn count that triggers elision or summary
	Mode               CondenseMode
}

// DefaultCondenseConfig returns the defaults used for error analysis.
func DefaultCondenseConfig() CondenseConfig {
	return CondenseConfig{
		ToolResultCeiling:  3000,
		KeepRecent:         6,
		SummarizeThreshold: 20,
		Mode:               ModeSummarize,
	}
}

// Summarizer condenses a run of turns into prose.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Condenser shrinks a transcript to fit a model's context. Apart from
// the injected Summarizer it is pure: the input slice is never
// modified and the same input yields the same output.
type Condenser struct {
	config     CondenseConfig
	summarizer Summarizer
	logger     *slog.Logger
}

// NewCondenser creates a condenser. A nil summarizer forces elide mode.
func NewCondenser(config CondenseConfig, summarizer Summarizer, logger *slog.Logger) *Condenser {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultCondenseConfig()
	if config.ToolResultCeiling <= 0 {
		config.ToolResultCeiling = def.ToolResultCeiling
	}
	if config.KeepRecent <= 0 {
		config.KeepRecent = def.KeepRecent
	}
	if config.SummarizeThreshold <= 0 {
		config.SummarizeThreshold = def.SummarizeThreshold
	}
	if config.Mode == "" || summarizer == nil {
		config.Mode = ModeElide
	}
	return &Condenser{
		config:     config,
		summarizer: summarizer,
		logger:     logger.With("component", "condenser"),
	}
}

// Config returns the effective configuration.
func (c *Condenser) Config() CondenseConfig {
	return c.config
}

var elisionMarker = regexp.MustCompile(`\n\n\[\.\.\. \d+ characters elided; call the tool again to read the remainder \.\.\.\]$`)

// Truncate cuts content to ceiling characters and appends the elision
// marker. Content already carrying the marker is returned unchanged.
func Truncate(content string, ceiling int) string {
	if ceiling <= 0 || elisionMarker.MatchString(content) {
		return content
	}
	total := utf8.RuneCountInString(content)
	if total <= ceiling {
		return content
	}
	cut := 0
	for i := range content {
		if cut == ceiling {
			return fmt.Sprintf("%s\n\n[... %d characters elided; call the tool again to read the remainder ...]",
				content[:i], total-ceiling)
		}
		cut++
	}
	return content
}

// Condense returns a transcript that respects the configured ceiling
// and threshold and, when budget is positive, the character budget.
//
// The leading system turn and the trailing KeepRecent turns are always
// kept, and an assistant turn is never separated from its tool results.
func (c *Condenser) Condense(ctx context.Context, turns []Turn, budget int) ([]Turn, error) {
	out := slices.Clone(turns)
	for i := range out {
		if out[i].Role == RoleTool {
			out[i].Content = Truncate(out[i].Content, c.config.ToolResultCeiling)
		}
	}

	head := headLen(out)
	start := c.windowStart(out, head)

	if len(out) > c.config.SummarizeThreshold {
		switch c.config.Mode {
		case ModeSummarize:
			summarized, err := c.summarize(ctx, out, head, start)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				c.logger.Warn("summary failed, eliding instead", "error", err)
				out = c.elideToThreshold(out, head, start)
			} else {
				out = summarized
			}
		default:
			out = c.elideToThreshold(out, head, start)
		}
		head = headLen(out)
		start = c.windowStart(out, head)
	}

	if budget > 0 {
		for totalSize(out) > budget && head < start {
			end := groupEnd(out, head)
			if end > start {
				break
			}
			out = slices.Delete(out, head, end)
			start -= end - head
		}
	}

	return out, nil
}

// headLen counts the protected leading turns: a system prompt and any
// prior summary that directly follows it.
func headLen(turns []Turn) int {
	n := 0
	if n < len(turns) && turns[n].Role == RoleSystem && !turns[n].IsPriorSummary() {
		n++
	}
	if n < len(turns) && turns[n].IsPriorSummary() {
		n++
	}
	return n
}

// windowStart returns the index where the retention window begins,
// widened backwards so it never opens on a tool result.
func (c *Condenser) windowStart(turns []Turn, head int) int {
	start := max(len(turns)-c.config.KeepRecent, head)
	for start > head && turns[start].Role == RoleTool {
		start--
	}
	return start
}

func (c *Condenser) elideToThreshold(turns []Turn, head, start int) []Turn {
	for len(turns) > c.config.SummarizeThreshold && head < start {
		end := groupEnd(turns, head)
		if end > start {
			break
		}
		turns = slices.Delete(turns, head, end)
		start -= end - head
	}
	return turns
}

// summarize replaces everything between the system prompt and the
// retention window, including an earlier summary, with one new
// summary turn. It is a no-op when only an earlier summary sits there.
func (c *Condenser) summarize(ctx context.Context, turns []Turn, head, start int) ([]Turn, error) {
	from := 0
	if len(turns) > 0 && turns[0].Role == RoleSystem && !turns[0].IsPriorSummary() {
		from = 1
	}
	elder := turns[from:start]
	fresh := 0
	for _, t := range elder {
		if !t.IsPriorSummary() {
			fresh++
		}
	}
	if fresh == 0 {
		return turns, nil
	}

	text, err := c.summarizer.Summarize(ctx, elder)
	if err != nil {
		return nil, fmt.Errorf("summarize %d turns: %w", len(elder), err)
	}

	last := elder[len(elder)-1]
	summary := Turn{
		ID:        "summary-" + last.ID,
		Role:      RoleSystem,
		Content:   PriorSummaryPrefix + "\n" + text,
		Tag:       TagPriorSummary,
		Timestamp: last.Timestamp,
	}

	c.logger.Debug("history summarized",
		"summarized_turns", len(elder),
		"kept_turns", len(turns)-start,
		"head", head,
	)

	out := make([]Turn, 0, from+1+len(turns)-start)
	out = append(out, turns[:from]...)
	out = append(out, summary)
	out = append(out, turns[start:]...)
	return out, nil
}
