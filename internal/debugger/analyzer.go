// Package debugger analyzes production errors. It pulls file
// locations out of a stack trace, lets the agent read the code behind
// them, and returns a root-cause report split into sections.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/tracewise/internal/agent"
	"github.com/nugget/tracewise/internal/memory"
	"github.com/nugget/tracewise/internal/prompts"
	"github.com/nugget/tracewise/internal/usage"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid analysis request")

// Request describes one production error.
type Request struct {
	ErrorType      string `json:"error_type"`
	ErrorMessage   string `json:"error_message"`
	StackTrace     string `json:"stack_trace"`
	InputParams    string `json:"input_params,omitempty"`
	ServerBasePath string `json:"server_base_path,omitempty"`
}

// Validate checks the required fields.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ErrorType) == "" {
		missing = append(missing, "error_type")
	}
	if strings.TrimSpace(r.ErrorMessage) == "" {
		missing = append(missing, "error_message")
	}
	if strings.TrimSpace(r.StackTrace) == "" {
		missing = append(missing, "stack_trace")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Analysis is the outcome of Analyze. Failed runs still carry the
// locations, tool calls and usage gathered before the failure.
type Analysis struct {
	Success       bool               `json:"success"`
	RunID         string             `json:"run_id"`
	Model         string             `json:"model,omitempty"`
	FileLocations []Location         `json:"file_locations"`
	ErrorLine     int                `json:"error_line,omitempty"`
	Analysis      string             `json:"analysis"`
	Report        *Report            `json:"report,omitempty"`
	ToolCalls     []agent.ToolRecord `json:"tool_calls"`
	Iterations    int                `json:"iterations"`
	TokenUsage    agent.Usage        `json:"token_usage"`
	Forced        bool               `json:"forced,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Runner runs a conversation state to a final answer. *agent.Loop
// satisfies it.
type Runner interface {
	Run(ctx context.Context, state *agent.State, opts agent.RunOptions) (*agent.Result, error)
}

// Config holds analyzer settings. Zero values defer to the runner.
type Config struct {
	Model         string
	MaxIterations int
}

// Analyzer runs error analyses. The runner is expected to carry a
// prompts.DebuggerPolicy and the file tools.
type Analyzer struct {
	runner Runner
	cfg    Config
	usage  usage.Recorder
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(runner Runner, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "debugger"),
	}
}

// SetUsageRecorder records each run's token usage. Nil disables.
func (a *Analyzer) SetUsageRecorder(r usage.Recorder) {
	a.usage = r
}

// Analyze investigates req. It returns ErrNoLocations, with a failed
// Analysis, when the trace names no file. On model failure or
// cancellation the partial Analysis is returned alongside the error.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	out := &Analysis{
		RunID:         uuid.NewString(),
		FileLocations: ExtractLocations(req.StackTrace, req.ServerBasePath),
	}
	log := a.logger.With("run_id", out.RunID)

	if len(out.FileLocations) == 0 {
		out.Error = ErrNoLocations.Error()
		log.Warn("analysis rejected", "error_type", req.ErrorType, "error", ErrNoLocations)
		return out, ErrNoLocations
	}
	out.ErrorLine = out.FileLocations[0].Line

	log.Info("analysis started",
		"error_type", req.ErrorType,
		"locations", len(out.FileLocations),
		"error_line", out.ErrorLine,
	)

	state := agent.NewState([]memory.Turn{
		memory.NewTurn(memory.RoleUser, prompts.AnalysisPrompt(brief(req, out.FileLocations))),
	})
	res, err := a.runner.Run(ctx, state, agent.RunOptions{
		RunID:         out.RunID,
		Model:         a.cfg.Model,
		MaxIterations: a.cfg.MaxIterations,
	})
	if err != nil {
		out.Error = err.Error()
		out.Model = a.cfg.Model
		var mf *agent.ModelCallFailedError
		if errors.As(err, &mf) && mf.Model != "" {
			out.Model = mf.Model
		}
		if partial := partialState(err); partial != nil {
			out.ToolCalls = append([]agent.ToolRecord(nil), partial.ToolHistory...)
			out.Iterations = partial.Iterations
			out.TokenUsage = partial.Usage
		}
		a.record(ctx, out)
		return out, fmt.Errorf("analyze %s: %w", req.ErrorType, err)
	}

	report := ParseReport(res.Content)
	out.Success = true
	out.Model = res.Model
	out.Analysis = res.Content
	out.Report = &report
	out.ToolCalls = res.ToolHistory
	out.Iterations = res.Iterations
	out.TokenUsage = res.Usage
	out.Forced = res.Forced

	unanchored := 0
	for _, tc := range res.ToolHistory {
		if tc.Tool == "read_file" && tc.Arguments["error_line"] == nil {
			unanchored++
		}
	}
	log.Info("analysis complete",
		"iterations", out.Iterations,
		"tool_calls", len(out.ToolCalls),
		"unanchored_reads", unanchored,
		"sections", len(report.Sections),
		"forced", out.Forced,
		"total_tokens", out.TokenUsage.TotalTokens,
	)

	a.record(ctx, out)
	return out, nil
}

func brief(req Request, locs []Location) prompts.AnalysisBrief {
	ins := ExtractInsights(req.ErrorMessage, req.StackTrace)
	b := prompts.AnalysisBrief{
		ErrorType:     req.ErrorType,
		ErrorMessage:  req.ErrorMessage,
		StackTrace:    req.StackTrace,
		InputParams:   req.InputParams,
		BasePath:      req.ServerBasePath,
		CallArguments: ins.CallArguments,
		TypeExpected:  ins.TypeExpected,
		TypeActual:    ins.TypeActual,
	}
	for _, l := range locs {
		b.Locations = append(b.Locations, prompts.AnalysisLocation{
			File:     l.File,
			Line:     l.Line,
			Function: l.Function,
			Language: l.Language,
		})
	}
	return b
}

// partialState digs the accumulated state out of a loop error.
func partialState(err error) *agent.State {
	var mf *agent.ModelCallFailedError
	if errors.As(err, &mf) {
		return mf.State
	}
	var ce *agent.CanceledError
	if errors.As(err, &ce) {
		return ce.State
	}
	return nil
}

func (a *Analyzer) record(ctx context.Context, out *Analysis) {
	if a.usage == nil || out.Iterations == 0 {
		return
	}
	// Usage of a canceled run still counts.
	err := a.usage.Record(context.WithoutCancel(ctx), usage.Record{
		RunID:        out.RunID,
		Kind:         usage.KindAnalysis,
		Model:        out.Model,
		InputTokens:  out.TokenUsage.InputTokens,
		OutputTokens: out.TokenUsage.OutputTokens,
		Iterations:   out.Iterations,
		ToolCalls:    len(out.ToolCalls),
		Forced:       out.Forced,
	})
	if err != nil {
		a.logger.Warn("failed to record usage", "run_id", out.RunID, "error", err)
	}
}
