package agent

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/nugget/tracewise/internal/memory"
	"github.com/nugget/tracewise/internal/tools"
)

// previewLen is how much of a tool result ToolHistory keeps.
const previewLen = 200

// Usage accumulates token counts across model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *Usage) add(in, out int) {
	u.InputTokens += in
	u.OutputTokens += out
	u.TotalTokens += in + out
}

// ToolRecord is one executed tool call.
type ToolRecord struct {
	Iteration int             `json:"iteration"`
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Preview   string          `json:"result_preview"`
	OK        bool            `json:"ok"`
	Kind      tools.ErrorKind `json:"error_kind,omitempty"`
	Duration  time.Duration   `json:"-"`
}

// Err returns nil for successful calls and an ErrToolExecution
// wrapper otherwise.
func (r ToolRecord) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%s (%s): %w: %s", r.Tool, r.Kind, ErrToolExecution, r.Preview)
}

// MarshalJSON renders the duration in milliseconds.
func (r ToolRecord) MarshalJSON() ([]byte, error) {
	type alias ToolRecord
	return json.Marshal(struct {
		alias
		DurationMS int64 `json:"duration_ms"`
	}{alias(r), r.Duration.Milliseconds()})
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	return string([]rune(s)[:previewLen]) + "..."
}

// State is the conversation a run operates on. Callers build it with
// NewState and hand it to Loop.Run; the loop is its only writer
// while a run is in progress.
type State struct {
	Turns       []memory.Turn
	Iterations  int
	Usage       Usage
	ToolHistory []ToolRecord

	added []memory.Turn
}

// NewState seeds a state with prior turns. The slice is copied.
func NewState(history []memory.Turn) *State {
	return &State{Turns: append([]memory.Turn(nil), history...)}
}

// Append adds a turn and records it as produced during this state's
// lifetime.
func (s *State) Append(t memory.Turn) {
	s.Turns = append(s.Turns, t)
	s.added = append(s.added, t)
}

// dropLast removes the most recently appended turn.
func (s *State) dropLast() {
	if n := len(s.Turns); n > 0 {
		s.Turns = s.Turns[:n-1]
	}
	if n := len(s.added); n > 0 {
		s.added = s.added[:n-1]
	}
}

// Added returns the turns appended since NewState, in order,
// including loop-injected instruction turns.
func (s *State) Added() []memory.Turn {
	return append([]memory.Turn(nil), s.added...)
}

// Persistable returns Added without loop-injected instruction turns.
func (s *State) Persistable() []memory.Turn {
	var out []memory.Turn
	for _, t := range s.added {
		if t.Tag == memory.TagInstruction {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Last returns the final turn, or false when empty.
func (s *State) Last() (memory.Turn, bool) {
	if len(s.Turns) == 0 {
		return memory.Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}
