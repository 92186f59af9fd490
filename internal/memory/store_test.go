package memory

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type clockedStore interface {
	SessionStore
	SetClock(func() time.Time)
}

func newTestSQLiteStore(t *testing.T, ttl time.Duration) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStoreDB(db, ttl)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func storesUnderTest(t *testing.T, ttl time.Duration) map[string]clockedStore {
	return map[string]clockedStore{
		"mem":    NewMemStore(ttl),
		"sqlite": newTestSQLiteStore(t, ttl),
	}
}

func sampleTurns() []Turn {
	call := Turn{
		ID:        "a1",
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "c1", Name: "current_time", Arguments: map[string]any{"zone": "UTC"}}},
		Timestamp: base.Add(time.Second),
	}
	return []Turn{
		{ID: "u1", Role: RoleUser, Content: "what time is it", Timestamp: base},
		call,
		{ID: "r1", Role: RoleTool, ToolCallID: "c1", Name: "current_time", Content: "12:00", Timestamp: base.Add(2 * time.Second)},
		{ID: "a2", Role: RoleAssistant, Content: "It is noon.", Timestamp: base.Add(3 * time.Second)},
	}
}

func TestSessionStore_RoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleTurns()
			for _, turn := range want {
				if err := store.Append(ctx, "s1", turn); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("turns (-want +got):\n%s", diff)
			}

			other, err := store.Get(ctx, "s2")
			if err != nil || other != nil {
				t.Errorf("Get(unknown) = %v, %v; want nil, nil", other, err)
			}
		})
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	for name, store := range storesUnderTest(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{t: base}
			store.SetClock(clock.now)

			store.Append(ctx, "s1", sampleTurns()[0])

			clock.advance(59 * time.Minute)
			store.Append(ctx, "s1", sampleTurns()[3])

			// Inactivity window restarts on each append.
			clock.advance(59 * time.Minute)
			got, _ := store.Get(ctx, "s1")
			if len(got) != 2 {
				t.Fatalf("after refresh: %d turns, want 2", len(got))
			}

			clock.advance(2 * time.Minute)
			got, _ = store.Get(ctx, "s1")
			if got != nil {
				t.Fatalf("expired session returned %d turns", len(got))
			}

			// Writing to an expired session starts fresh.
			store.Append(ctx, "s1", sampleTurns()[0])
			got, _ = store.Get(ctx, "s1")
			if len(got) != 1 {
				t.Errorf("restarted session has %d turns, want 1", len(got))
			}
		})
	}
}

func TestSessionStore_SetExpiry(t *testing.T) {
	for name, store := range storesUnderTest(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{t: base}
			store.SetClock(clock.now)

			store.Append(ctx, "s1", sampleTurns()[0])
			if err := store.SetExpiry(ctx, "s1", 10*time.Minute); err != nil {
				t.Fatalf("SetExpiry: %v", err)
			}
			clock.advance(11 * time.Minute)
			if got, _ := store.Get(ctx, "s1"); got != nil {
				t.Errorf("session outlived shortened ttl")
			}
		})
	}
}

func TestSessionStore_ReplaceAndClear(t *testing.T) {
	for name, store := range storesUnderTest(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, turn := range sampleTurns() {
				store.Append(ctx, "s1", turn)
			}

			summary := Turn{ID: "sum", Role: RoleSystem, Tag: TagPriorSummary, Content: PriorSummaryPrefix + "\nasked the time", Timestamp: base}
			replacement := []Turn{summary, sampleTurns()[3]}
			if err := store.Replace(ctx, "s1", replacement); err != nil {
				t.Fatalf("Replace: %v", err)
			}
			got, _ := store.Get(ctx, "s1")
			if diff := cmp.Diff(replacement, got); diff != "" {
				t.Errorf("after Replace (-want +got):\n%s", diff)
			}

			if err := store.Clear(ctx, "s1"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if got, _ := store.Get(ctx, "s1"); got != nil {
				t.Errorf("Get after Clear = %d turns", len(got))
			}
		})
	}
}

func TestSessionStore_Stats(t *testing.T) {
	for name, store := range storesUnderTest(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, turn := range sampleTurns() {
				store.Append(ctx, "s1", turn)
			}

			st, err := store.Stats(ctx, "s1")
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if st.Total != 4 || st.ByRole[RoleUser] != 1 || st.ByRole[RoleAssistant] != 2 || st.ByRole[RoleTool] != 1 {
				t.Errorf("counts = %d %v", st.Total, st.ByRole)
			}
			if !st.First.Equal(base) || !st.Last.Equal(base.Add(3*time.Second)) {
				t.Errorf("range = %v..%v", st.First, st.Last)
			}
			if st.ExpiresAt.IsZero() {
				t.Error("ExpiresAt not set")
			}

			empty, _ := store.Stats(ctx, "nobody")
			if empty.Total != 0 {
				t.Errorf("empty session total = %d", empty.Total)
			}
		})
	}
}

func TestSQLiteStore_PurgeExpired(t *testing.T) {
	store := newTestSQLiteStore(t, time.Hour)
	ctx := context.Background()
	clock := &fakeClock{t: base}
	store.SetClock(clock.now)

	store.Append(ctx, "old", sampleTurns()[0])
	clock.advance(30 * time.Minute)
	store.Append(ctx, "new", sampleTurns()[0])
	clock.advance(45 * time.Minute)

	n, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d sessions, want 1", n)
	}
	if got, _ := store.Get(ctx, "new"); len(got) != 1 {
		t.Errorf("live session lost: %d turns", len(got))
	}
}

func TestNewSQLiteStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(path, 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Append(ctx, "s", sampleTurns()[0]); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := store.Get(ctx, "s")
	if err != nil || len(got) != 1 {
		t.Fatalf("Get = %d turns, %v", len(got), err)
	}
}
