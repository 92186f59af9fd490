package prompts

import (
	"fmt"
	"time"
)

const chatSystemTemplate = `You are a friendly, knowledgeable assistant.

- Answer accurately and in detail, in the user's language.
- Remember earlier turns of this conversation and use their context.
- Use tools when you need to look something up, read a file or check the time.
- If you are not sure, say so instead of guessing.
- Be clear and structured. Give examples when they help. Keep it short.

Current date: %s`

// ChatPolicy drives multi-turn chat sessions.
type ChatPolicy struct {
	basePolicy

	// Now supplies the date shown in the system prompt. Defaults to time.Now.
	Now func() time.Time
}

// SystemPrompt returns the assistant persona with today's date.
func (p ChatPolicy) SystemPrompt() string {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return fmt.Sprintf(chatSystemTemplate, now().Format("Monday, January 2, 2006"))
}

// StepInstruction adds no per-step guidance for chat.
func (ChatPolicy) StepInstruction(int, int) string { return "" }
