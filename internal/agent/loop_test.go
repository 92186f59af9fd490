package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/tracewise/internal/events"
	"github.com/nugget/tracewise/internal/llm"
	"github.com/nugget/tracewise/internal/memory"
	"github.com/nugget/tracewise/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockLLM returns scripted responses in order and records each call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      map[int]error // call index -> error
	block     bool          // wait for ctx instead of answering
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
	Choice   llm.ToolChoice
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any, choice llm.ToolChoice) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockLLMCall{
		Model:    model,
		Messages: append([]llm.Message(nil), msgs...),
		Tools:    td,
		Choice:   choice,
	})
	idx := m.callIndex
	m.callIndex++
	block := m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := m.errs[idx]; ok {
		return nil, err
	}
	if idx >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", idx)
	}
	return m.responses[idx], nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func text(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", Content: content},
		InputTokens:  100,
		OutputTokens: 10,
	}
}

func toolCalls(content string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", Content: content, ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

type testPolicy struct{}

func (testPolicy) SystemPrompt() string { return "You are a test agent." }
func (testPolicy) StepInstruction(iteration, maxIterations int) string {
	if iteration == maxIterations-2 {
		return "one round left"
	}
	return ""
}
func (testPolicy) ForcedFinalInstruction() string { return "STOP USING TOOLS" }
func (testPolicy) EmptyResponseNudge() string     { return "please answer" }
func (testPolicy) EmptyFallback() string          { return "fallback answer" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRegistry registers read_file returning "hello", a failing
// tool and an echo tool.
func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(time.Second, discardLogger())
	add := func(name string, h tools.Handler) {
		if err := reg.Register(&tools.Tool{
			Name:        name,
			Description: "test tool " + name,
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler:     h,
		}); err != nil {
			t.Fatal(err)
		}
	}
	add("read_file", func(context.Context, map[string]any) (string, error) { return "hello", nil })
	add("explode", func(context.Context, map[string]any) (string, error) {
		return "", errors.New("handler blew up")
	})
	add("echo", func(_ context.Context, args map[string]any) (string, error) {
		return fmt.Sprint(args["v"]), nil
	})
	return reg
}

func buildTestLoop(t *testing.T, mock llm.Client, cfg Config) *Loop {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return NewLoop(mock, newTestRegistry(t), nil, testPolicy{}, cfg, discardLogger())
}

func userState(content string) *State {
	return NewState([]memory.Turn{memory.NewTurn(memory.RoleUser, content)})
}

func TestRun_ScenarioA_DirectAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("The answer.")}}
	loop := buildTestLoop(t, mock, Config{})

	res, err := loop.Run(context.Background(), userState("question"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 LLM call, got %d", len(mock.calls))
	}
	if res.Content != "The answer." || res.Iterations != 1 || len(res.ToolHistory) != 0 || res.Forced {
		t.Errorf("result = %+v", res)
	}
	if want := (Usage{InputTokens: 100, OutputTokens: 10, TotalTokens: 110}); res.Usage != want {
		t.Errorf("Usage = %+v, want %+v", res.Usage, want)
	}

	first := mock.calls[0]
	if first.Messages[0].Role != "system" || first.Messages[0].Content != "You are a test agent." {
		t.Errorf("first message = %+v, want policy system prompt", first.Messages[0])
	}
	if len(first.Tools) != 3 || first.Choice != llm.ToolChoiceAuto {
		t.Errorf("tools = %d choice = %v, want 3 auto", len(first.Tools), first.Choice)
	}

	roles := []memory.Role{}
	for _, turn := range res.State.Turns {
		roles = append(roles, turn.Role)
	}
	if diff := cmp.Diff([]memory.Role{memory.RoleSystem, memory.RoleUser, memory.RoleAssistant}, roles); diff != "" {
		t.Errorf("turn roles mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ScenarioB_ToolResultLinked(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls("", call("call-1", "read_file", map[string]any{"path": "a.txt"})),
		text("The file says hello."),
	}}
	loop := buildTestLoop(t, mock, Config{})

	res, err := loop.Run(context.Background(), userState("read a.txt"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(mock.calls))
	}

	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "hello" || last.ToolCallID != "call-1" || last.Name != "read_file" {
		t.Errorf("tool message = %+v", last)
	}
	prev := second[len(second)-2]
	if prev.Role != "assistant" || len(prev.ToolCalls) != 1 || prev.ToolCalls[0].ID != "call-1" {
		t.Errorf("assistant message = %+v", prev)
	}

	if len(res.ToolHistory) != 1 {
		t.Fatalf("ToolHistory len = %d, want 1", len(res.ToolHistory))
	}
	rec := res.ToolHistory[0]
	if rec.Tool != "read_file" || !rec.OK || rec.Preview != "hello" || rec.Arguments["path"] != "a.txt" || rec.Iteration != 1 {
		t.Errorf("ToolRecord = %+v", rec)
	}
	if rec.Err() != nil {
		t.Errorf("Err() = %v, want nil", rec.Err())
	}
	if res.Iterations != 2 || res.Usage.TotalTokens != 230 {
		t.Errorf("Iterations = %d TotalTokens = %d", res.Iterations, res.Usage.TotalTokens)
	}
}

func TestRun_ScenarioC_ForcedFinal(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls("", call("c1", "read_file", nil)),
		toolCalls("", call("c2", "read_file", nil)),
		toolCalls(`{"name": "read_file"} Final analysis.`, call("c3", "read_file", nil)),
	}}
	loop := buildTestLoop(t, mock, Config{})

	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)
	loop.SetEventBus(bus)

	res, err := loop.Run(context.Background(), userState("investigate"), RunOptions{MaxIterations: 3})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 LLM calls, got %d", len(mock.calls))
	}
	final := mock.calls[2]
	if len(final.Tools) != 3 || final.Choice != llm.ToolChoiceNone {
		t.Errorf("forced call tools = %d choice = %v, want 3 with none", len(final.Tools), final.Choice)
	}
	lastMsg := final.Messages[len(final.Messages)-1]
	if lastMsg.Role != "user" || lastMsg.Content != "STOP USING TOOLS" {
		t.Errorf("forced call last message = %+v", lastMsg)
	}
	for i := range 2 {
		if len(mock.calls[i].Tools) == 0 || mock.calls[i].Choice != llm.ToolChoiceAuto {
			t.Errorf("call %d should advertise tools with auto", i+1)
		}
	}

	if !res.Forced || res.Iterations != 3 {
		t.Errorf("Forced = %v Iterations = %d", res.Forced, res.Iterations)
	}
	if res.Content != `{"name": "read_file"} Final analysis.` {
		t.Errorf("Content = %q", res.Content)
	}
	if len(res.ToolHistory) != 2 {
		t.Errorf("ToolHistory len = %d, want 2 (call 3 not executed)", len(res.ToolHistory))
	}
	lastTurn, _ := res.State.Last()
	if lastTurn.Role != memory.RoleAssistant || len(lastTurn.ToolCalls) != 0 {
		t.Errorf("final turn = %+v", lastTurn)
	}

	for _, turn := range res.State.Persistable() {
		if turn.Tag == memory.TagInstruction {
			t.Error("Persistable() returned an instruction turn")
		}
	}

	var kinds []string
	for len(sub) > 0 {
		kinds = append(kinds, (<-sub).Kind)
	}
	if !strings.Contains(strings.Join(kinds, ","), events.KindForcedFinal) {
		t.Errorf("events %v missing %s", kinds, events.KindForcedFinal)
	}
	if kinds[0] != events.KindRunStart || kinds[len(kinds)-1] != events.KindRunComplete {
		t.Errorf("events = %v", kinds)
	}
}

func TestRun_ScenarioD_ToolErrorContinues(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls("", call("c1", "explode", nil)),
		text("The tool failed, here is what I know."),
	}}
	loop := buildTestLoop(t, mock, Config{})

	res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	msgs := mock.calls[1].Messages
	toolMsg := msgs[len(msgs)-1]
	if toolMsg.Role != "tool" || !strings.HasPrefix(toolMsg.Content, "ERROR:") {
		t.Errorf("tool message = %+v, want ERROR: content", toolMsg)
	}
	rec := res.ToolHistory[0]
	if rec.OK || rec.Kind != tools.KindExecutionFailed {
		t.Errorf("ToolRecord = %+v", rec)
	}
	if !errors.Is(rec.Err(), ErrToolExecution) {
		t.Errorf("Err() = %v, want ErrToolExecution", rec.Err())
	}
}

func TestRun_UnknownToolBecomesError(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls("", call("c1", "no_such_tool", nil)),
		text("done"),
	}}
	loop := buildTestLoop(t, mock, Config{})

	res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ToolHistory[0].Kind != tools.KindUnknownTool {
		t.Errorf("Kind = %q, want unknown_tool", res.ToolHistory[0].Kind)
	}
}

func TestRun_BatchOrderAndIDs(t *testing.T) {
	reply := toolCalls("Checking three things.",
		call("a", "echo", map[string]any{"v": 1}),
		call("", "echo", map[string]any{"v": 2}),
		call("a", "echo", map[string]any{"v": 3}),
	)
	mock := &mockLLM{responses: []*llm.ChatResponse{reply, text("ok")}}
	loop := buildTestLoop(t, mock, Config{ToolConcurrency: 3})

	res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	turns := res.State.Turns
	var assistant memory.Turn
	var toolTurns []memory.Turn
	for _, turn := range turns {
		switch {
		case turn.Role == memory.RoleAssistant && len(turn.ToolCalls) > 0:
			assistant = turn
		case turn.Role == memory.RoleTool:
			toolTurns = append(toolTurns, turn)
		}
	}
	if len(toolTurns) != 3 {
		t.Fatalf("tool turns = %d, want 3", len(toolTurns))
	}
	ids := map[string]bool{}
	for i, tt := range toolTurns {
		if tt.ToolCallID != assistant.ToolCalls[i].ID {
			t.Errorf("tool turn %d id %q, want %q", i, tt.ToolCallID, assistant.ToolCalls[i].ID)
		}
		if want := fmt.Sprint(i + 1); tt.Content != want {
			t.Errorf("tool turn %d content %q, want %q", i, tt.Content, want)
		}
		ids[tt.ToolCallID] = true
	}
	if len(ids) != 3 || assistant.ToolCalls[0].ID != "a" {
		t.Errorf("call ids = %v, want three distinct ids starting with a", ids)
	}
	if err := memory.ValidateLinkage(turns); err != nil {
		t.Errorf("ValidateLinkage: %v", err)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	reg := tools.NewRegistry(time.Second, discardLogger())
	if err := reg.Register(&tools.Tool{
		Name: "slow",
		Handler: func(context.Context, map[string]any) (string, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return "ok", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	var calls []llm.ToolCall
	for i := range 6 {
		calls = append(calls, call(fmt.Sprintf("c%d", i), "slow", nil))
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{toolCalls("", calls...), text("done")}}
	loop := NewLoop(mock, reg, nil, testPolicy{}, Config{Model: "m", ToolConcurrency: 2}, discardLogger())

	if _, err := loop.Run(context.Background(), userState("go"), RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestRun_IterationsNeverExceedMax(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			var responses []*llm.ChatResponse
			for i := range limit {
				responses = append(responses, toolCalls("", call(fmt.Sprintf("c%d", i), "read_file", nil)))
			}
			mock := &mockLLM{responses: responses}
			loop := buildTestLoop(t, mock, Config{})

			res, err := loop.Run(context.Background(), userState("loop forever"), RunOptions{MaxIterations: limit})
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if res.Iterations > limit || len(mock.calls) > limit {
				t.Errorf("Iterations = %d calls = %d, max %d", res.Iterations, len(mock.calls), limit)
			}
			if strings.TrimSpace(res.Content) == "" {
				t.Error("capped run returned empty content")
			}
			if res.Content != "fallback answer" {
				t.Errorf("Content = %q, want fallback", res.Content)
			}
		})
	}
}

func TestRun_EmptyResponseNudge(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls("", call("c1", "read_file", nil)),
		text(""),
		text("Recovered answer."),
	}}
	loop := buildTestLoop(t, mock, Config{})

	res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 LLM calls, got %d", len(mock.calls))
	}
	msgs := mock.calls[2].Messages
	if last := msgs[len(msgs)-1]; last.Role != "user" || last.Content != "please answer" {
		t.Errorf("nudge missing, last message = %+v", last)
	}
	if res.Content != "Recovered answer." {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestRun_EmptyResponseFallback(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text(""), text("  ")}}
	loop := buildTestLoop(t, mock, Config{})

	res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 2 || res.Content != "fallback answer" {
		t.Errorf("calls = %d Content = %q", len(mock.calls), res.Content)
	}
	last, _ := res.State.Last()
	if last.Content != "fallback answer" {
		t.Errorf("final turn = %+v", last)
	}
}

func TestRun_DeferredTextSkipsNudge(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls("Let me check that for you.", call("c1", "read_file", nil)),
		text(""),
	}}
	loop := buildTestLoop(t, mock, Config{})

	res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(mock.calls))
	}
	if res.Content != "Let me check that for you." {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestRun_StepInstruction(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls("", call("c1", "read_file", nil)),
		text("done"),
	}}
	loop := buildTestLoop(t, mock, Config{})

	if _, err := loop.Run(context.Background(), userState("go"), RunOptions{MaxIterations: 3}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	msgs := mock.calls[1].Messages
	if last := msgs[len(msgs)-1]; last.Role != "system" || last.Content != "one round left" {
		t.Errorf("step instruction missing, last = %+v", last)
	}
	for _, m := range mock.calls[0].Messages {
		if m.Content == "one round left" {
			t.Error("step instruction sent on the first call")
		}
	}
}

func TestRun_ModelCallFailed(t *testing.T) {
	boom := errors.New("rate limited")
	mock := &mockLLM{
		responses: []*llm.ChatResponse{toolCalls("", call("c1", "read_file", nil))},
		errs:      map[int]error{1: boom},
	}
	loop := buildTestLoop(t, mock, Config{})

	res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	var mcf *ModelCallFailedError
	if !errors.As(err, &mcf) {
		t.Fatalf("error = %v, want *ModelCallFailedError", err)
	}
	if !errors.Is(err, boom) || mcf.Stage != StageModel || mcf.Iteration != 1 {
		t.Errorf("ModelCallFailedError = %+v", mcf)
	}
	if mcf.State.Usage.TotalTokens != 120 || len(mcf.State.ToolHistory) != 1 {
		t.Errorf("partial state usage = %+v tools = %d", mcf.State.Usage, len(mcf.State.ToolHistory))
	}
	if len(mock.calls) != 2 {
		t.Errorf("model call retried: %d calls", len(mock.calls))
	}
}

func TestRun_ModelTimeoutIsModelCallFailed(t *testing.T) {
	mock := &mockLLM{block: true}
	loop := buildTestLoop(t, mock, Config{ModelTimeout: 20 * time.Millisecond})

	_, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	var mcf *ModelCallFailedError
	if !errors.As(err, &mcf) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want ModelCallFailedError wrapping DeadlineExceeded", err)
	}
}

func TestRun_CanceledDuringModelCall(t *testing.T) {
	mock := &mockLLM{block: true}
	loop := buildTestLoop(t, mock, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := loop.Run(ctx, userState("go"), RunOptions{})
	var ce *CanceledError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CanceledError", err)
	}
	if ce.Stage != StageModel || !errors.Is(err, context.Canceled) || ce.State == nil {
		t.Errorf("CanceledError = %+v", ce)
	}
}

func TestRun_CanceledDuringTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := tools.NewRegistry(time.Minute, discardLogger())
	if err := reg.Register(&tools.Tool{
		Name: "hang",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		},
	}); err != nil {
		t.Fatal(err)
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{toolCalls("", call("c1", "hang", nil), call("c2", "hang", nil))}}
	loop := NewLoop(mock, reg, nil, testPolicy{}, Config{Model: "m"}, discardLogger())

	_, err := loop.Run(ctx, userState("go"), RunOptions{})
	var ce *CanceledError
	if !errors.As(err, &ce) || ce.Stage != StageTool {
		t.Fatalf("error = %v, want tool-stage CanceledError", err)
	}
	for _, turn := range ce.State.Turns {
		if turn.Role == memory.RoleTool {
			t.Error("partial tool batch was appended")
		}
		if len(turn.ToolCalls) > 0 {
			t.Errorf("assistant turn with unanswered calls kept: %+v", turn.ToolCalls)
		}
	}
	if last, _ := ce.State.Last(); last.Role != memory.RoleUser {
		t.Errorf("last turn = %+v, want the user message", last)
	}
	for _, turn := range ce.State.Persistable() {
		if len(turn.ToolCalls) > 0 {
			t.Error("Persistable() returned an assistant turn with unanswered calls")
		}
	}
	if ce.State.Usage.TotalTokens != 120 {
		t.Errorf("partial usage = %+v", ce.State.Usage)
	}
	if len(mock.calls) != 1 {
		t.Errorf("model called after cancellation: %d calls", len(mock.calls))
	}
}

func TestRun_MalformedLinkage(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("unreachable")}}
	loop := buildTestLoop(t, mock, Config{})

	state := NewState([]memory.Turn{
		memory.NewTurn(memory.RoleUser, "hi"),
		memory.NewToolTurn("orphan", "read_file", "data"),
	})
	_, err := loop.Run(context.Background(), state, RunOptions{})
	if !errors.Is(err, memory.ErrMalformedLinkage) {
		t.Fatalf("error = %v, want ErrMalformedLinkage", err)
	}
	if len(mock.calls) != 0 {
		t.Errorf("model called with malformed history")
	}
}

func TestRun_NilState(t *testing.T) {
	loop := buildTestLoop(t, &mockLLM{}, Config{})
	if _, err := loop.Run(context.Background(), nil, RunOptions{}); !errors.Is(err, ErrNilState) {
		t.Errorf("error = %v, want ErrNilState", err)
	}
}

func TestRun_KeepsExistingSystemPrompt(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("ok")}}
	loop := buildTestLoop(t, mock, Config{})

	summary := memory.NewTurn(memory.RoleSystem, memory.PriorSummaryPrefix+"\nearlier talk")
	summary.Tag = memory.TagPriorSummary
	state := NewState([]memory.Turn{summary, memory.NewTurn(memory.RoleUser, "next")})

	if _, err := loop.Run(context.Background(), state, RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	msgs := mock.calls[0].Messages
	if msgs[0].Content != "You are a test agent." || !strings.HasPrefix(msgs[1].Content, memory.PriorSummaryPrefix) {
		t.Errorf("messages = %+v", msgs[:2])
	}

	custom := NewState([]memory.Turn{memory.NewTurn(memory.RoleSystem, "custom"), memory.NewTurn(memory.RoleUser, "q")})
	mock2 := &mockLLM{responses: []*llm.ChatResponse{text("ok")}}
	if _, err := buildTestLoop(t, mock2, Config{}).Run(context.Background(), custom, RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := mock2.calls[0].Messages[0].Content; got != "custom" {
		t.Errorf("system prompt replaced: %q", got)
	}
}

func TestRun_CondensesLargeToolResults(t *testing.T) {
	big := strings.Repeat("x", 5000)
	reg := tools.NewRegistry(time.Second, discardLogger())
	if err := reg.Register(&tools.Tool{
		Name:    "dump",
		Handler: func(context.Context, map[string]any) (string, error) { return big, nil },
	}); err != nil {
		t.Fatal(err)
	}
	cond := memory.NewCondenser(memory.CondenseConfig{ToolResultCeiling: 1000}, nil, discardLogger())
	mock := &mockLLM{responses: []*llm.ChatResponse{toolCalls("", call("c1", "dump", nil)), text("ok")}}
	loop := NewLoop(mock, reg, cond, testPolicy{}, Config{Model: "m"}, discardLogger())

	res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	msgs := mock.calls[1].Messages
	toolMsg := msgs[len(msgs)-1]
	if len(toolMsg.Content) >= len(big) || !strings.Contains(toolMsg.Content, "characters elided") {
		t.Errorf("tool result not truncated: %d chars", len(toolMsg.Content))
	}
	if len(res.ToolHistory[0].Preview) != previewLen+3 {
		t.Errorf("preview len = %d, want %d", len(res.ToolHistory[0].Preview), previewLen+3)
	}
}

func TestRun_ConcurrentRunsShareLoop(t *testing.T) {
	reg := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock := &mockLLM{responses: []*llm.ChatResponse{
				toolCalls("", call("c", "echo", map[string]any{"v": i})),
				text(fmt.Sprintf("answer %d", i)),
			}}
			loop := NewLoop(mock, reg, nil, testPolicy{}, Config{Model: "m"}, discardLogger())
			res, err := loop.Run(context.Background(), userState("go"), RunOptions{})
			if err != nil {
				t.Errorf("run %d: %v", i, err)
				return
			}
			if res.Content != fmt.Sprintf("answer %d", i) {
				t.Errorf("run %d content = %q", i, res.Content)
			}
		}()
	}
	wg.Wait()
}

// streamingLLM answers like mockLLM but delivers each reply word by
// word through the stream callback.
type streamingLLM struct {
	*mockLLM
	streamed int
}

func (s *streamingLLM) ChatStream(ctx context.Context, model string, msgs []llm.Message, td []map[string]any, choice llm.ToolChoice, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := s.Chat(ctx, model, msgs, td, choice)
	if err != nil {
		return nil, err
	}
	s.streamed++
	for _, w := range strings.SplitAfter(resp.Message.Content, " ") {
		if w != "" {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: w})
		}
	}
	return resp, nil
}

// describe flattens stream events for comparison.
func describe(ev llm.StreamEvent) string {
	switch ev.Kind {
	case llm.KindToken:
		return "token:" + ev.Token
	case llm.KindToolCallStart:
		return "start:" + ev.ToolCall.Function.Name
	case llm.KindToolCallDone:
		if ev.ToolError != "" {
			return "error:" + ev.ToolName
		}
		return "done:" + ev.ToolName + "=" + ev.ToolResult
	case llm.KindDone:
		return "end:" + ev.Response.Message.Content
	}
	return "unknown"
}

func TestRun_Stream(t *testing.T) {
	tests := []struct {
		name      string
		streaming bool
		want      []string
	}{
		{
			name: "non-streaming client delivers whole replies",
			want: []string{
				"token:Checking now.",
				"start:read_file", "start:explode",
				"done:read_file=hello", "error:explode",
				"token:The file says hello.",
				"end:The file says hello.",
			},
		},
		{
			name:      "streaming client delivers tokens",
			streaming: true,
			want: []string{
				"token:Checking ", "token:now.",
				"start:read_file", "start:explode",
				"done:read_file=hello", "error:explode",
				"token:The ", "token:file ", "token:says ", "token:hello.",
				"end:The file says hello.",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: []*llm.ChatResponse{
				toolCalls("Checking now.", call("c1", "read_file", nil), call("c2", "explode", nil)),
				text("The file says hello."),
			}}
			var client llm.Client = mock
			var sl *streamingLLM
			if tt.streaming {
				sl = &streamingLLM{mockLLM: mock}
				client = sl
			}
			loop := buildTestLoop(t, client, Config{})

			var got []string
			res, err := loop.Run(context.Background(), userState("read it"), RunOptions{
				Stream: func(ev llm.StreamEvent) { got = append(got, describe(ev)) },
			})
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("stream events mismatch (-want +got):\n%s", diff)
			}
			if res.Content != "The file says hello." {
				t.Errorf("Content = %q", res.Content)
			}
			if sl != nil && sl.streamed != 2 {
				t.Errorf("ChatStream used for %d of 2 calls", sl.streamed)
			}
		})
	}
}

func TestRun_StreamOmittedUsesChat(t *testing.T) {
	sl := &streamingLLM{mockLLM: &mockLLM{responses: []*llm.ChatResponse{text("plain")}}}
	loop := buildTestLoop(t, sl, Config{})

	if _, err := loop.Run(context.Background(), userState("q"), RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if sl.streamed != 0 {
		t.Errorf("ChatStream called %d times without a callback", sl.streamed)
	}
}
