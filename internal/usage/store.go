// Package usage keeps an append-only ledger of token usage per agent
// run so operators can see what analyses and chats cost over time.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Kinds of run.
const (
	KindAnalysis = "analysis"
	KindChat     = "chat"
	// KindSummary is one history-summarization call made by the
	// condenser, outside any agent run.
	KindSummary = "summary"
)

// Record is the token usage of one agent run.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"run_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Kind         string    `json:"kind"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Iterations   int       `json:"iterations"`
	ToolCalls    int       `json:"tool_calls"`
	Forced       bool      `json:"forced,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary holds aggregated totals.
type Summary struct {
	Runs              int     `json:"runs"`
	TotalInputTokens  int64   `json:"input_tokens"`
	TotalOutputTokens int64   `json:"output_tokens"`
	TotalToolCalls    int64   `json:"tool_calls"`
	ForcedRuns        int     `json:"forced_runs"`
	TotalCostUSD      float64 `json:"cost_usd"`
}

// TotalTokens returns input plus output tokens.
func (s Summary) TotalTokens() int64 {
	return s.TotalInputTokens + s.TotalOutputTokens
}

// Pricing is a model's price in USD per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// ComputeCost prices a run. Models missing from the table are free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]Pricing) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}

// Store is an append-only SQLite ledger. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := NewStoreDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreDB wraps an open database. The caller keeps ownership of db
// only if NewStoreDB fails.
func NewStoreDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS run_usage (
		id            TEXT PRIMARY KEY,
		ts            INTEGER NOT NULL,
		run_id        TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		kind          TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL DEFAULT '',
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		iterations    INTEGER NOT NULL,
		tool_calls    INTEGER NOT NULL,
		forced        INTEGER NOT NULL DEFAULT 0,
		cost_usd      REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_run_usage_ts ON run_usage(ts);
	CREATE INDEX IF NOT EXISTS idx_run_usage_session ON run_usage(session_id);
	`)
	return err
}

// Record appends rec. Empty IDs get a UUIDv7 and zero timestamps the
// current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_usage
			(id, ts, run_id, session_id, kind, model, provider,
			 input_tokens, output_tokens, iterations, tool_calls, forced, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UnixNano(),
		rec.RunID,
		rec.SessionID,
		rec.Kind,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Iterations,
		rec.ToolCalls,
		rec.Forced,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(tool_calls), 0),
	COALESCE(SUM(forced), 0),
	COALESCE(SUM(cost_usd), 0)`

// Summary returns totals for records in [since, until).
func (s *Store) Summary(ctx context.Context, since, until time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM run_usage WHERE ts >= ? AND ts < ?`,
		since.UnixNano(), until.UnixNano(),
	)
	var sum Summary
	if err := row.Scan(&sum.Runs, &sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalToolCalls, &sum.ForcedRuns, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel groups Summary by model.
func (s *Store) SummaryByModel(ctx context.Context, since, until time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", since, until)
}

// SummaryByKind groups Summary by run kind.
func (s *Store) SummaryByKind(ctx context.Context, since, until time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "kind", since, until)
}

// SessionTotal sums every run recorded for one chat session.
func (s *Store) SessionTotal(ctx context.Context, sessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM run_usage WHERE session_id = ?`, sessionID)
	var sum Summary
	if err := row.Scan(&sum.Runs, &sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalToolCalls, &sum.ForcedRuns, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query session usage: %w", err)
	}
	return &sum, nil
}

// column is always one of our own constants.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, since, until time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT %s, %s FROM run_usage
		 WHERE ts >= ? AND ts < ?
		 GROUP BY %s
		 ORDER BY SUM(input_tokens + output_tokens) DESC`,
		column, summaryColumns, column,
	)
	rows, err := s.db.QueryContext(ctx, query, since.UnixNano(), until.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Runs, &sum.TotalInputTokens, &sum.TotalOutputTokens,
			&sum.TotalToolCalls, &sum.ForcedRuns, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, run_id, session_id, kind, model, provider,
			input_tokens, output_tokens, iterations, tool_calls, forced, cost_usd
		 FROM run_usage ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(&r.ID, &ts, &r.RunID, &r.SessionID, &r.Kind, &r.Model, &r.Provider,
			&r.InputTokens, &r.OutputTokens, &r.Iterations, &r.ToolCalls, &r.Forced, &r.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.Timestamp = time.Unix(0, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
