package usage

import (
	"context"
	"log/slog"
)

// Recorder accepts finished-run usage.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Ledger prices records before handing them to a Recorder, usually a
// Store.
type Ledger struct {
	next      Recorder
	pricing   map[string]Pricing
	providers map[string]string
	logger    *slog.Logger
}

// NewLedger wraps next. providers maps model names to provider names
// for records that arrive without one.
func NewLedger(next Recorder, pricing map[string]Pricing, providers map[string]string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		next:      next,
		pricing:   pricing,
		providers: providers,
		logger:    logger.With("component", "usage"),
	}
}

// Record fills in provider and cost when unset, then forwards rec.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	if rec.Provider == "" {
		rec.Provider = l.providers[rec.Model]
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, l.pricing)
	}
	if err := l.next.Record(ctx, rec); err != nil {
		l.logger.Warn("usage record failed", "run_id", rec.RunID, "error", err)
		return err
	}
	l.logger.Debug("usage recorded",
		"run_id", rec.RunID,
		"kind", rec.Kind,
		"model", rec.Model,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"cost_usd", rec.CostUSD,
	)
	return nil
}
