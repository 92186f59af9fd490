package prompts

import "fmt"

// summaryTemplate is the prompt sent to an LLM to condense older turns
// of a transcript. The single format verb is the transcript text.
const summaryTemplate = `Summarize this conversation history concisely so it can replace the original turns in a model's context. Focus on:
1. What the user asked for and the facts they provided
2. Files, functions and line numbers that were inspected, with what was found
3. Conclusions reached and hypotheses ruled out
4. Open questions still being pursued

Keep the summary under 300 words. Use bullet points. Do not invent details.

History:
%s

Summary:`

// SummaryPrompt returns the fully interpolated prompt for condensing
// the given transcript text (role: content paragraphs).
func SummaryPrompt(transcript string) string {
	return fmt.Sprintf(summaryTemplate, transcript)
}
