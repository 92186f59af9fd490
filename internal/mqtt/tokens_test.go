package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDailyTokens_PerSource(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.OnModelCall("analysis", 100, 200)
	dt.OnModelCall("analysis", 50, 75)
	dt.OnModelCall("chat", 10, 5)
	dt.OnRunComplete("analysis")

	snap := dt.Snapshot()
	want := SourceTokens{InputTokens: 160, OutputTokens: 280, ModelCalls: 3, Runs: 1}
	if diff := cmp.Diff(want, snap.SourceTokens); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}
	wantBySource := map[string]SourceTokens{
		"analysis": {InputTokens: 150, OutputTokens: 275, ModelCalls: 2, Runs: 1},
		"chat":     {InputTokens: 10, OutputTokens: 5, ModelCalls: 1},
	}
	if diff := cmp.Diff(wantBySource, snap.BySource); diff != "" {
		t.Errorf("by source mismatch (-want +got):\n%s", diff)
	}
}

func TestDailyTokens_ZeroInitially(t *testing.T) {
	snap := NewDailyTokens(time.UTC).Snapshot()
	if snap.SourceTokens != (SourceTokens{}) || snap.BySource != nil {
		t.Errorf("snapshot = %+v, want zero", snap)
	}
	if snap.Date == "" {
		t.Error("snapshot has no date")
	}
}

func TestDailyTokens_SnapshotIsCopy(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.OnModelCall("chat", 1, 1)
	snap := dt.Snapshot()
	dt.OnModelCall("chat", 1, 1)
	if snap.BySource["chat"].ModelCalls != 1 {
		t.Errorf("snapshot changed after later calls: %+v", snap.BySource["chat"])
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup

	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			source := "analysis"
			if i%2 == 0 {
				source = "chat"
			}
			dt.OnModelCall(source, 10, 20)
		}()
	}
	wg.Wait()

	snap := dt.Snapshot()
	if snap.InputTokens != 1000 || snap.OutputTokens != 2000 || snap.ModelCalls != 100 {
		t.Errorf("totals = %+v", snap.SourceTokens)
	}
	if snap.BySource["chat"].ModelCalls != 50 {
		t.Errorf("chat calls = %d, want 50", snap.BySource["chat"].ModelCalls)
	}
}

func TestDailyTokens_MidnightReset(t *testing.T) {
	clock := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	dt := NewDailyTokens(time.UTC)
	dt.now = func() time.Time { return clock }
	dt.date = dt.today()

	dt.OnModelCall("chat", 500, 600)
	if in := dt.Snapshot().InputTokens; in != 500 {
		t.Fatalf("input before midnight = %d, want 500", in)
	}

	clock = clock.Add(2 * time.Minute)
	snap := dt.Snapshot()
	if snap.Date != "2026-05-02" {
		t.Errorf("date = %q, want 2026-05-02", snap.Date)
	}
	if snap.SourceTokens != (SourceTokens{}) || len(snap.BySource) != 0 {
		t.Errorf("after midnight got %+v", snap)
	}

	dt.OnModelCall("chat", 7, 8)
	if s := dt.Snapshot().SourceTokens; s.InputTokens != 7 || s.OutputTokens != 8 || s.ModelCalls != 1 {
		t.Errorf("new day got %+v", s)
	}
}

func TestDailyTokens_SameDayNextYear(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dt := NewDailyTokens(time.UTC)
	dt.now = func() time.Time { return clock }
	dt.date = dt.today()

	dt.OnModelCall("analysis", 1, 1)
	clock = time.Date(2027, 3, 1, 12, 0, 0, 0, time.UTC)
	if calls := dt.Snapshot().ModelCalls; calls != 0 {
		t.Errorf("calls a year later = %d, want 0", calls)
	}
}

func TestDailyTokens_NilLocation(t *testing.T) {
	dt := NewDailyTokens(nil)
	if dt.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
	dt.OnModelCall("chat", 1, 1)
	if in := dt.Snapshot().InputTokens; in != 1 {
		t.Errorf("input = %d, want 1", in)
	}
}
