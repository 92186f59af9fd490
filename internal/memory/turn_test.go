package memory

import (
	"errors"
	"testing"
	"time"
)

func assistantCalls(ids ...string) Turn {
	t := NewTurn(RoleAssistant, "")
	for _, id := range ids {
		t.ToolCalls = append(t.ToolCalls, ToolCall{ID: id, Name: "read_file", Arguments: map[string]any{"file_path": "a.py"}})
	}
	return t
}

func TestValidateLinkage(t *testing.T) {
	tests := []struct {
		name    string
		turns   []Turn
		wantErr bool
	}{
		{
			name:  "empty",
			turns: nil,
		},
		{
			name: "paired",
			turns: []Turn{
				NewTurn(RoleUser, "q"),
				assistantCalls("c1", "c2"),
				NewToolTurn("c1", "read_file", "x"),
				NewToolTurn("c2", "read_file", "y"),
				NewTurn(RoleAssistant, "done"),
			},
		},
		{
			name: "result before call",
			turns: []Turn{
				NewToolTurn("c1", "read_file", "x"),
				assistantCalls("c1"),
			},
			wantErr: true,
		},
		{
			name: "unknown id",
			turns: []Turn{
				assistantCalls("c1"),
				NewToolTurn("c9", "read_file", "x"),
			},
			wantErr: true,
		},
		{
			name: "missing id",
			turns: []Turn{
				assistantCalls("c1"),
				NewToolTurn("", "read_file", "x"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLinkage(tt.turns)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedLinkage) {
					t.Fatalf("ValidateLinkage() = %v, want ErrMalformedLinkage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateLinkage() = %v, want nil", err)
			}
		})
	}
}

func TestTrimToBoundary(t *testing.T) {
	turns := []Turn{
		NewToolTurn("c1", "read_file", "orphan"),
		NewToolTurn("c2", "read_file", "orphan"),
		NewTurn(RoleUser, "q"),
	}
	got := TrimToBoundary(turns)
	if len(got) != 1 || got[0].Role != RoleUser {
		t.Errorf("TrimToBoundary() = %+v", got)
	}
}

func TestNewTurn(t *testing.T) {
	before := time.Now()
	a := NewTurn(RoleUser, "one")
	b := NewTurn(RoleUser, "two")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids not unique: %q %q", a.ID, b.ID)
	}
	if a.Timestamp.Before(before) {
		t.Error("timestamp earlier than creation")
	}
}

func TestTurnSize(t *testing.T) {
	turn := Turn{Content: "héllo"}
	if turn.Size() != 5 {
		t.Errorf("Size() = %d, want 5 (runes)", turn.Size())
	}
	turn.ToolCalls = []ToolCall{{Name: "ab", Arguments: map[string]any{"k": 1}}}
	if turn.Size() != 5+2+len(`{"k":1}`) {
		t.Errorf("Size() with calls = %d", turn.Size())
	}
}
