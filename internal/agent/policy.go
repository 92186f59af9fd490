package agent

// PromptPolicy supplies the prompts that shape a run. Implementations
// live in the prompts package.
type PromptPolicy interface {
	// SystemPrompt is the leading system turn for a fresh state.
	SystemPrompt() string
	// StepInstruction returns optional guidance sent with the model
	// call made after iteration completed calls, or "".
	StepInstruction(iteration, maxIterations int) string
	// ForcedFinalInstruction is appended as a user turn before the
	// no-tools call at the iteration cap.
	ForcedFinalInstruction() string
	// EmptyResponseNudge is appended after an empty reply.
	EmptyResponseNudge() string
	// EmptyFallback replaces a reply that stayed empty.
	EmptyFallback() string
}
