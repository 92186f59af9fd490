// Package prompts contains all LLM prompt templates used internally by Tracewise.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration lives in config.yaml;
// this package holds the instructions we send to models (analysis briefs,
// chat persona, forced-final instructions, history summaries).
//
// Convention: each prompt category gets its own file (debugger.go, chat.go,
// summary.go) with an exported function or policy type that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
