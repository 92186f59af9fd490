// Package agent implements the bounded tool-using agent loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/tracewise/internal/events"
	"github.com/nugget/tracewise/internal/llm"
	"github.com/nugget/tracewise/internal/memory"
	"github.com/nugget/tracewise/internal/tools"
)

// Defaults applied by NewLoop to zero Config fields.
const (
	DefaultMaxIterations   = 8
	DefaultModelTimeout    = 2 * time.Minute
	DefaultToolConcurrency = 4
)

// Config holds per-loop settings.
type Config struct {
	Model           string
	MaxIterations   int
	ModelTimeout    time.Duration
	ToolConcurrency int
	// ContextBudget is the character budget passed to the condenser.
	// Zero disables budget-driven elision.
	ContextBudget int
	// Source labels published events.
	Source string
}

// RunOptions override Config for a single run.
type RunOptions struct {
	RunID         string
	Model         string
	MaxIterations int
	// ToolChoice applies to every call except the forced-final one.
	ToolChoice llm.ToolChoice
	// Stream, when set, receives model text as it is generated, a
	// start and done event around each tool call, and one KindDone
	// event when the run completes.
	Stream llm.StreamCallback
}

// Result is the outcome of a completed run.
type Result struct {
	RunID       string       `json:"run_id"`
	Model       string       `json:"model"`
	Content     string       `json:"content"`
	State       *State       `json:"-"`
	Iterations  int          `json:"iterations"`
	Usage       Usage        `json:"usage"`
	ToolHistory []ToolRecord `json:"tool_history"`
	// Forced is set when the iteration cap triggered a forced-final
	// answer.
	Forced  bool          `json:"forced"`
	Elapsed time.Duration `json:"-"`
}

// Loop runs a conversation state to a final answer, calling tools
// along the way. A Loop is safe for concurrent runs on distinct
// states.
type Loop struct {
	client    llm.Client
	registry  *tools.Registry
	condenser *memory.Condenser
	policy    PromptPolicy
	cfg       Config
	bus       *events.Bus
	logger    *slog.Logger
}

// NewLoop creates a loop. A nil condenser disables condensation.
func NewLoop(client llm.Client, registry *tools.Registry, condenser *memory.Condenser, policy PromptPolicy, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = DefaultToolConcurrency
	}
	if cfg.Source == "" {
		cfg.Source = events.SourceAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:    client,
		registry:  registry,
		condenser: condenser,
		policy:    policy,
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
	}
}

// SetEventBus attaches a bus for run events. Nil detaches.
func (l *Loop) SetEventBus(b *events.Bus) {
	l.bus = b
}

// Config returns the effective loop configuration.
func (l *Loop) Config() Config {
	return l.cfg
}

// run carries per-run bookkeeping.
type run struct {
	*Loop
	id       string
	model    string
	max      int
	choice   llm.ToolChoice
	stream   llm.StreamCallback
	state    *State
	logger   *slog.Logger
	deferred string // text sent alongside tool calls earlier in the run
	nudged   bool
	forced   bool
	rounds   int
}

// Run drives state until the model answers without tools or the
// iteration cap forces a final answer. The returned error is one of
// *ModelCallFailedError, *CanceledError, or an ErrMalformedLinkage
// wrapper; each carries or accompanies the partial state.
func (l *Loop) Run(ctx context.Context, state *State, opts RunOptions) (*Result, error) {
	if state == nil {
		return nil, ErrNilState
	}

	r := &run{
		Loop:   l,
		id:     opts.RunID,
		model:  opts.Model,
		max:    opts.MaxIterations,
		choice: opts.ToolChoice,
		stream: opts.Stream,
		state:  state,
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	if r.model == "" {
		r.model = l.cfg.Model
	}
	if r.max <= 0 {
		r.max = l.cfg.MaxIterations
	}
	r.logger = l.logger.With("run_id", r.id)

	r.ensureSystemPrompt()

	start := time.Now()
	r.emit(events.KindRunStart, map[string]any{
		"model":          r.model,
		"max_iterations": r.max,
		"turns":          len(state.Turns),
	})
	r.logger.Info("run started",
		"model", r.model,
		"max_iterations", r.max,
		"turns", len(state.Turns),
		"tools", l.toolCount(),
	)

	content, err := r.loop(ctx)

	elapsed := time.Since(start)
	done := map[string]any{
		"iterations": state.Iterations,
		"tokens_in":  state.Usage.InputTokens,
		"tokens_out": state.Usage.OutputTokens,
		"forced":     r.forced,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		done["error"] = err.Error()
		r.emit(events.KindRunComplete, done)
		r.logger.Warn("run failed", "iterations", state.Iterations, "elapsed", elapsed, "error", err)
		return nil, err
	}
	r.emit(events.KindRunComplete, done)
	if r.stream != nil {
		r.stream(llm.StreamEvent{Kind: llm.KindDone, Response: &llm.ChatResponse{
			Model:        r.model,
			Message:      llm.Message{Role: string(memory.RoleAssistant), Content: content},
			InputTokens:  state.Usage.InputTokens,
			OutputTokens: state.Usage.OutputTokens,
		}})
	}
	r.logger.Info("run complete",
		"iterations", state.Iterations,
		"forced", r.forced,
		"tokens_in", state.Usage.InputTokens,
		"tokens_out", state.Usage.OutputTokens,
		"tool_calls", len(state.ToolHistory),
		"elapsed", elapsed,
	)

	return &Result{
		RunID:       r.id,
		Model:       r.model,
		Content:     content,
		State:       state,
		Iterations:  state.Iterations,
		Usage:       state.Usage,
		ToolHistory: append([]ToolRecord(nil), state.ToolHistory...),
		Forced:      r.forced,
		Elapsed:     elapsed,
	}, nil
}

func (l *Loop) toolCount() int {
	if l.registry == nil {
		return 0
	}
	return l.registry.Len()
}

// ensureSystemPrompt puts the policy's system turn at the head unless
// the state already starts with one. A leading prior summary does not
// count.
func (r *run) ensureSystemPrompt() {
	turns := r.state.Turns
	if len(turns) > 0 && turns[0].Role == memory.RoleSystem && !turns[0].IsPriorSummary() {
		return
	}
	sys := memory.NewTurn(memory.RoleSystem, r.policy.SystemPrompt())
	r.state.Turns = append([]memory.Turn{sys}, turns...)
}

func (r *run) emit(kind string, data map[string]any) {
	r.bus.Emit(r.cfg.Source, kind, r.id, data)
}

// loop is the AwaitingModel / ExecutingTools state machine.
func (r *run) loop(ctx context.Context) (string, error) {
	st := r.state
	for {
		if err := ctx.Err(); err != nil {
			return "", r.canceled(StageModel, err)
		}

		final := st.Iterations >= r.max-1
		if final && r.rounds > 0 && !r.forced {
			r.forced = true
			st.Append(instructionTurn(r.policy.ForcedFinalInstruction()))
			r.emit(events.KindForcedFinal, map[string]any{
				"iter":           st.Iterations,
				"max_iterations": r.max,
			})
			r.logger.Info("iteration cap reached, forcing final answer",
				"iteration", st.Iterations, "max", r.max, "reason", ErrIterationLimit)
		}

		resp, err := r.callModel(ctx, final)
		if err != nil {
			return "", err
		}

		st.Iterations++
		st.Usage.add(resp.InputTokens, resp.OutputTokens)

		calls := toToolCalls(resp.Message.ToolCalls)
		if final && len(calls) > 0 {
			r.logger.Warn("dropping tool calls from final reply",
				"count", len(calls), "iteration", st.Iterations)
			calls = nil
		}

		text := strings.TrimSpace(resp.Message.Content)

		if len(calls) == 0 {
			if text != "" {
				st.Append(memory.NewTurn(memory.RoleAssistant, resp.Message.Content))
				return resp.Message.Content, nil
			}
			if r.deferred != "" {
				r.logger.Debug("empty reply, using text from an earlier tool round")
				st.Append(memory.NewTurn(memory.RoleAssistant, r.deferred))
				return r.deferred, nil
			}
			if !r.nudged && st.Iterations < r.max {
				r.nudged = true
				r.logger.Warn("empty reply, nudging", "iteration", st.Iterations)
				st.Append(instructionTurn(r.policy.EmptyResponseNudge()))
				continue
			}
			fallback := r.policy.EmptyFallback()
			r.logger.Warn("empty reply, using fallback", "iteration", st.Iterations)
			st.Append(memory.NewTurn(memory.RoleAssistant, fallback))
			return fallback, nil
		}

		if text != "" {
			r.deferred = resp.Message.Content
		}
		assistant := memory.NewTurn(memory.RoleAssistant, resp.Message.Content)
		assistant.ToolCalls = calls
		st.Append(assistant)

		r.streamToolStart(calls)
		results, err := r.executeTools(ctx, calls)
		if err != nil {
			// The batch was discarded, so the calls have no results.
			st.dropLast()
			return "", err
		}
		for i, call := range calls {
			st.Append(memory.NewToolTurn(call.ID, call.Name, results[i].Text()))
		}
		r.streamToolDone(calls, results)
		r.rounds++
	}
}

func instructionTurn(content string) memory.Turn {
	t := memory.NewTurn(memory.RoleUser, content)
	t.Tag = memory.TagInstruction
	return t
}

func (r *run) streamToolStart(calls []memory.ToolCall) {
	if r.stream == nil {
		return
	}
	for _, c := range calls {
		r.stream(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &llm.ToolCall{
			ID:       c.ID,
			Function: llm.FunctionCall{Name: c.Name, Arguments: c.Arguments},
		}})
	}
}

func (r *run) streamToolDone(calls []memory.ToolCall, results []tools.Result) {
	if r.stream == nil {
		return
	}
	for i, c := range calls {
		ev := llm.StreamEvent{Kind: llm.KindToolCallDone, ToolName: c.Name}
		if results[i].IsError() {
			ev.ToolError = results[i].Message()
		} else {
			ev.ToolResult = results[i].Text()
		}
		r.stream(ev)
	}
}

// callModel validates and condenses the transcript, then makes one
// model call. Final calls still carry the tool definitions, since the
// transcript refers to them, but forbid further calls.
func (r *run) callModel(ctx context.Context, final bool) (*llm.ChatResponse, error) {
	st := r.state

	if err := memory.ValidateLinkage(st.Turns); err != nil {
		return nil, fmt.Errorf("iteration %d: %w", st.Iterations, err)
	}

	if r.condenser != nil {
		condensed, err := r.condenser.Condense(ctx, st.Turns, r.cfg.ContextBudget)
		if err != nil {
			if ctx.Err() != nil {
				return nil, r.canceled(StageModel, ctx.Err())
			}
			return nil, fmt.Errorf("condense: %w", err)
		}
		if len(condensed) != len(st.Turns) {
			r.logger.Debug("transcript condensed", "before", len(st.Turns), "after", len(condensed))
		}
		st.Turns = condensed
	}

	msgs := toMessages(st.Turns)
	if note := r.policy.StepInstruction(st.Iterations, r.max); note != "" && !final {
		msgs = append(msgs, llm.Message{Role: string(memory.RoleSystem), Content: note})
	}

	var defs []map[string]any
	choice := r.choice
	if r.registry != nil && r.registry.Len() > 0 {
		defs = r.registry.Describe()
	}
	if final || len(defs) == 0 {
		choice = llm.ToolChoiceNone
	}

	r.emit(events.KindLLMCall, map[string]any{
		"iter":   st.Iterations,
		"model":  r.model,
		"turns":  len(msgs),
		"tools":  len(defs),
		"forced": final && r.forced,
	})
	r.logger.Debug("calling model",
		"iteration", st.Iterations,
		"messages", len(msgs),
		"tools", len(defs),
		"tool_choice", choice.String(),
	)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ModelTimeout)
	defer cancel()

	start := time.Now()
	resp, err := llm.ChatStream(callCtx, r.client, r.model, msgs, defs, choice, r.stream)
	if err == nil && resp == nil {
		err = errors.New("empty response from provider")
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.canceled(StageModel, ctx.Err())
		}
		return nil, &ModelCallFailedError{
			Stage:     StageModel,
			Iteration: st.Iterations,
			Model:     r.model,
			Err:       err,
			State:     st,
		}
	}

	r.emit(events.KindLLMResponse, map[string]any{
		"iter":        st.Iterations,
		"model":       r.model,
		"tokens_in":   resp.InputTokens,
		"tokens_out":  resp.OutputTokens,
		"tool_calls":  len(resp.Message.ToolCalls),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	r.logger.Debug("model replied",
		"iteration", st.Iterations,
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"stop_reason", resp.StopReason,
	)
	return resp, nil
}

// executeTools runs one batch concurrently and returns results in
// call order. Cancellation discards the whole batch.
func (r *run) executeTools(ctx context.Context, calls []memory.ToolCall) ([]tools.Result, error) {
	st := r.state
	results := make([]tools.Result, len(calls))
	records := make([]ToolRecord, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ToolConcurrency)

	for i, call := range calls {
		g.Go(func() error {
			r.emit(events.KindToolCall, map[string]any{
				"iter":    st.Iterations,
				"tool":    call.Name,
				"call_id": call.ID,
			})
			start := time.Now()

			var res tools.Result
			if r.registry == nil {
				res = tools.Err(tools.KindUnknownTool, "unknown tool: %s", call.Name)
			} else {
				res = r.registry.Invoke(gctx, call.Name, call.Arguments)
			}
			elapsed := time.Since(start)

			results[i] = res
			records[i] = ToolRecord{
				Iteration: st.Iterations,
				CallID:    call.ID,
				Tool:      call.Name,
				Arguments: call.Arguments,
				Preview:   preview(res.Text()),
				OK:        !res.IsError(),
				Kind:      res.Kind(),
				Duration:  elapsed,
			}

			r.emit(events.KindToolDone, map[string]any{
				"iter":        st.Iterations,
				"tool":        call.Name,
				"call_id":     call.ID,
				"ok":          !res.IsError(),
				"kind":        string(res.Kind()),
				"duration_ms": elapsed.Milliseconds(),
			})
			if res.IsError() {
				r.logger.Warn("tool failed", "tool", call.Name, "kind", res.Kind(), "error", res.Message())
			} else {
				r.logger.Debug("tool done", "tool", call.Name, "result_len", len(res.Text()), "elapsed", elapsed)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, r.canceled(StageTool, err)
	}
	st.ToolHistory = append(st.ToolHistory, records...)
	return results, nil
}

func (r *run) canceled(stage string, err error) error {
	return &CanceledError{
		Stage:     stage,
		Iteration: r.state.Iterations,
		Err:       err,
		State:     r.state,
	}
}
