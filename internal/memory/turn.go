package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn tags mark synthetic turns.
const (
	// TagPriorSummary marks the system turn that replaces condensed history.
	TagPriorSummary = "prior_summary"
	// TagInstruction marks loop-injected user turns (forced-final and
	// empty-response nudges). They are not persisted to sessions.
	TagInstruction = "instruction"
)

// PriorSummaryPrefix starts the content of every prior-summary turn.
const PriorSummaryPrefix = "[Prior summary]"

// ErrMalformedLinkage indicates a tool turn whose call id does not
// match a tool call on any preceding assistant turn.
var ErrMalformedLinkage = errors.New("malformed tool call linkage")

// ToolCall is one tool request carried on an assistant turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Turn is one entry in a conversation transcript.
type Turn struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool turns only
	Name       string     `json:"name,omitempty"`         // tool name on tool turns
	Tag        string     `json:"tag,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewTurn returns a turn with a fresh time-ordered id and the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        newID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewToolTurn returns the result turn for a tool call.
func NewToolTurn(callID, name, content string) Turn {
	t := NewTurn(RoleTool, content)
	t.ToolCallID = callID
	t.Name = name
	return t
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsPriorSummary reports whether the turn is a condensation summary.
func (t Turn) IsPriorSummary() bool {
	return t.Role == RoleSystem && t.Tag == TagPriorSummary
}

// Size approximates the turn's footprint in characters: content plus
// tool call names and encoded arguments.
func (t Turn) Size() int {
	n := utf8.RuneCountInString(t.Content)
	for _, tc := range t.ToolCalls {
		n += len(tc.Name)
		if len(tc.Arguments) > 0 {
			raw, _ := json.Marshal(tc.Arguments)
			n += len(raw)
		}
	}
	return n
}

// ValidateLinkage checks that every tool turn answers a tool call made
// by an earlier assistant turn.
func ValidateLinkage(turns []Turn) error {
	seen := make(map[string]bool)
	for i, t := range turns {
		switch t.Role {
		case RoleAssistant:
			for _, tc := range t.ToolCalls {
				seen[tc.ID] = true
			}
		case RoleTool:
			if t.ToolCallID == "" {
				return fmt.Errorf("turn %d: tool turn without call id: %w", i, ErrMalformedLinkage)
			}
			if !seen[t.ToolCallID] {
				return fmt.Errorf("turn %d: no preceding tool call %q: %w", i, t.ToolCallID, ErrMalformedLinkage)
			}
		}
	}
	return nil
}

// TrimToBoundary drops leading tool turns so a window cut from the
// middle of a transcript never starts with orphaned results.
func TrimToBoundary(turns []Turn) []Turn {
	i := 0
	for i < len(turns) && turns[i].Role == RoleTool {
		i++
	}
	return turns[i:]
}

// groupEnd returns the index just past the group starting at i. An
// assistant turn with tool calls forms a group with the tool turns
// that immediately follow it.
func groupEnd(turns []Turn, i int) int {
	j := i + 1
	if turns[i].Role == RoleAssistant && len(turns[i].ToolCalls) > 0 {
		for j < len(turns) && turns[j].Role == RoleTool {
			j++
		}
	}
	return j
}

func totalSize(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += t.Size()
	}
	return n
}
