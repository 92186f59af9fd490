package mqtt

import (
	"sync"
	"time"
)

// SourceTokens is one source's share of the day's usage.
type SourceTokens struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	ModelCalls   int64 `json:"model_calls"`
	Runs         int64 `json:"runs"`
}

// TokenSnapshot is the retained tokens_today payload.
type TokenSnapshot struct {
	Date string `json:"date"`
	SourceTokens
	BySource map[string]SourceTokens `json:"by_source,omitempty"`
}

// DailyTokens accumulates model usage per event source and resets at
// local midnight. It is safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	date     string
	total    SourceTokens
	bySource map[string]*SourceTokens
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates an accumulator that rolls over at midnight in
// loc. If loc is nil, [time.Local] is used.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now, bySource: make(map[string]*SourceTokens)}
	d.date = d.today()
	return d
}

// OnModelCall records the token counts of one model response.
func (d *DailyTokens) OnModelCall(source string, inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	s := d.source(source)
	s.InputTokens += int64(inputTokens)
	s.OutputTokens += int64(outputTokens)
	s.ModelCalls++
	d.total.InputTokens += int64(inputTokens)
	d.total.OutputTokens += int64(outputTokens)
	d.total.ModelCalls++
}

// OnRunComplete counts a finished agent run.
func (d *DailyTokens) OnRunComplete(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.source(source).Runs++
	d.total.Runs++
}

// Snapshot returns today's totals after checking for rollover.
func (d *DailyTokens) Snapshot() TokenSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	snap := TokenSnapshot{Date: d.date, SourceTokens: d.total}
	if len(d.bySource) > 0 {
		snap.BySource = make(map[string]SourceTokens, len(d.bySource))
		for k, v := range d.bySource {
			snap.BySource[k] = *v
		}
	}
	return snap
}

// source returns the counters for name. Must be called with d.mu held.
func (d *DailyTokens) source(name string) *SourceTokens {
	s, ok := d.bySource[name]
	if !ok {
		s = &SourceTokens{}
		d.bySource[name] = s
	}
	return s
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset zeroes the counters when the local date has changed.
// Must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	if today := d.today(); today != d.date {
		d.total = SourceTokens{}
		clear(d.bySource)
		d.date = today
	}
}
