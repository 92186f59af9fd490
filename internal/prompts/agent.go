package prompts

// EmptyResponseNudge is the prompt injected when the model returns no
// content after executing tool calls. It gives the model one more
// chance to produce a user-visible response.
const EmptyResponseNudge = "You executed tool calls but did not provide a response to the user. Please respond now."

// EmptyResponseFallback is the user-facing message returned when the
// model fails to produce content even after being nudged (or during
// max-iterations recovery).
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// ForcedFinalInstruction is appended when the iteration cap is reached.
// Tools are withdrawn for the call that follows.
const ForcedFinalInstruction = "You have gathered enough information. Stop using tools and write your final answer now, based only on what you have already seen."

// basePolicy supplies the loop-control prompts shared by every policy.
type basePolicy struct{}

// ForcedFinalInstruction returns the stop-using-tools instruction.
func (basePolicy) ForcedFinalInstruction() string { return ForcedFinalInstruction }

// EmptyResponseNudge returns the nudge sent after an empty reply.
func (basePolicy) EmptyResponseNudge() string { return EmptyResponseNudge }

// EmptyFallback returns the text used when the model stays silent.
func (basePolicy) EmptyFallback() string { return EmptyResponseFallback }
