// Package chat runs multi-turn conversations whose history lives in a
// session store between requests.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tracewise/internal/agent"
	"github.com/nugget/tracewise/internal/events"
	"github.com/nugget/tracewise/internal/llm"
	"github.com/nugget/tracewise/internal/memory"
	"github.com/nugget/tracewise/internal/usage"
)

// Defaults applied by NewService to zero Config fields.
const (
	DefaultMaxIterations = 5
	DefaultHistoryLimit  = 20
)

var (
	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("empty message")
	// ErrNoSession is returned when a session id is required but empty.
	ErrNoSession = errors.New("session id required")
)

// Runner runs a conversation state to a final answer. *agent.Loop
// satisfies it.
type Runner interface {
	Run(ctx context.Context, state *agent.State, opts agent.RunOptions) (*agent.Result, error)
}

// Config holds chat settings.
type Config struct {
	Model         string
	MaxIterations int
	// HistoryLimit is how many stored turns are loaded per request.
	HistoryLimit int
	SessionTTL   time.Duration
	// SingleFlight serializes requests that share a session id.
	SingleFlight bool
}

// Reply is the answer to one user message.
type Reply struct {
	SessionID  string             `json:"session_id"`
	RunID      string             `json:"run_id"`
	Model      string             `json:"model"`
	Content    string             `json:"content"`
	Iterations int                `json:"iterations"`
	Usage      agent.Usage        `json:"usage"`
	ToolCalls  []agent.ToolRecord `json:"tool_calls,omitempty"`
	Forced     bool               `json:"forced,omitempty"`
	// Summarized is set when the stored history was condensed after
	// this reply.
	Summarized bool `json:"summarized,omitempty"`
}

// Service answers chat messages against persisted sessions.
type Service struct {
	runner    Runner
	store     memory.SessionStore
	condenser *memory.Condenser
	cfg       Config
	locks     *keyedMutex
	bus       *events.Bus
	usage     usage.Recorder
	logger    *slog.Logger
}

// NewService creates a chat service. A nil condenser disables history
// summarization.
func NewService(runner Runner, store memory.SessionStore, condenser *memory.Condenser, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = memory.DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		runner:    runner,
		store:     store,
		condenser: condenser,
		cfg:       cfg,
		logger:    logger.With("component", "chat"),
	}
	if cfg.SingleFlight {
		s.locks = newKeyedMutex()
	}
	return s
}

// SetEventBus attaches a bus for session events.
func (s *Service) SetEventBus(b *events.Bus) {
	s.bus = b
}

// SetUsageRecorder records each reply's token usage. Nil disables.
func (s *Service) SetUsageRecorder(r usage.Recorder) {
	s.usage = r
}

// NewSession returns a fresh session id.
func (s *Service) NewSession() string {
	return uuid.NewString()
}

// Send answers message in the given session, creating one when
// sessionID is empty. The user turn and every turn the run produced
// are persisted only when the run succeeds.
func (s *Service) Send(ctx context.Context, sessionID, message string) (*Reply, error) {
	return s.SendStream(ctx, sessionID, message, nil)
}

// SendStream is Send with the run's stream events delivered to
// callback while the reply is generated. Persistence is unchanged: a
// run that fails after streaming some text stores nothing.
func (s *Service) SendStream(ctx context.Context, sessionID, message string, callback llm.StreamCallback) (*Reply, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	if sessionID == "" {
		sessionID = s.NewSession()
	}
	if s.locks != nil {
		unlock := s.locks.Lock(sessionID)
		defer unlock()
	}

	log := s.logger.With("session_id", sessionID)

	stored, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	history := window(stored, s.cfg.HistoryLimit)

	user := memory.NewTurn(memory.RoleUser, message)
	state := agent.NewState(append(history, user))

	runID := uuid.NewString()
	res, err := s.runner.Run(ctx, state, agent.RunOptions{
		RunID:         runID,
		Model:         s.cfg.Model,
		MaxIterations: s.cfg.MaxIterations,
		Stream:        callback,
	})
	if err != nil {
		s.recordFailure(ctx, sessionID, runID, err)
		return nil, fmt.Errorf("chat in session %s: %w", sessionID, err)
	}

	if err := s.persist(ctx, sessionID, user, state.Persistable()); err != nil {
		return nil, err
	}

	reply := &Reply{
		SessionID:  sessionID,
		RunID:      res.RunID,
		Model:      res.Model,
		Content:    res.Content,
		Iterations: res.Iterations,
		Usage:      res.Usage,
		ToolCalls:  res.ToolHistory,
		Forced:     res.Forced,
	}

	summarized, err := s.summarizeIfNeeded(ctx, sessionID, runID)
	if err != nil {
		log.Warn("session summarization failed", "error", err)
	}
	reply.Summarized = summarized

	s.record(ctx, sessionID, usage.Record{
		RunID:        res.RunID,
		Model:        res.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Iterations:   res.Iterations,
		ToolCalls:    len(res.ToolHistory),
		Forced:       res.Forced,
	})

	log.Info("chat reply",
		"run_id", res.RunID,
		"history", len(history),
		"iterations", res.Iterations,
		"tool_calls", len(res.ToolHistory),
		"summarized", summarized,
	)
	return reply, nil
}

// window keeps the last limit turns, starting on a group boundary. A
// prior summary at the head of the stored history survives the cut.
func window(turns []memory.Turn, limit int) []memory.Turn {
	if len(turns) <= limit {
		return turns
	}
	cut := memory.TrimToBoundary(turns[len(turns)-limit:])
	if turns[0].IsPriorSummary() {
		return append([]memory.Turn{turns[0]}, cut...)
	}
	return cut
}

func (s *Service) persist(ctx context.Context, sessionID string, user memory.Turn, added []memory.Turn) error {
	for _, t := range append([]memory.Turn{user}, added...) {
		if err := s.store.Append(ctx, sessionID, t); err != nil {
			return fmt.Errorf("persist turn %s: %w", t.ID, err)
		}
	}
	if err := s.store.SetExpiry(ctx, sessionID, s.cfg.SessionTTL); err != nil {
		return fmt.Errorf("refresh session expiry: %w", err)
	}
	return nil
}

// summarizeIfNeeded condenses the stored history once it passes the
// condenser's threshold and rewrites the session with the result.
func (s *Service) summarizeIfNeeded(ctx context.Context, sessionID, runID string) (bool, error) {
	if s.condenser == nil {
		return false, nil
	}
	turns, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("reload session: %w", err)
	}
	if len(turns) <= s.condenser.Config().SummarizeThreshold {
		return false, nil
	}

	condensed, err := s.condenser.Condense(ctx, turns, 0)
	if err != nil {
		return false, fmt.Errorf("condense session: %w", err)
	}
	if len(condensed) >= len(turns) {
		return false, nil
	}
	if err := s.store.Replace(ctx, sessionID, condensed); err != nil {
		return false, fmt.Errorf("rewrite session: %w", err)
	}
	if err := s.store.SetExpiry(ctx, sessionID, s.cfg.SessionTTL); err != nil {
		return false, fmt.Errorf("refresh session expiry: %w", err)
	}

	s.bus.Emit(events.SourceChat, events.KindSessionSummarized, runID, map[string]any{
		"session_id": sessionID,
		"before":     len(turns),
		"after":      len(condensed),
	})
	s.logger.Info("session summarized",
		"session_id", sessionID,
		"before", len(turns),
		"after", len(condensed),
	)
	return true, nil
}

// History returns the stored transcript of a session.
func (s *Service) History(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	turns, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return turns, nil
}

// Clear deletes a session.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	if err := s.store.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	s.logger.Info("session cleared", "session_id", sessionID)
	return nil
}

// Stats summarizes a session.
func (s *Service) Stats(ctx context.Context, sessionID string) (memory.SessionStats, error) {
	if sessionID == "" {
		return memory.SessionStats{}, ErrNoSession
	}
	st, err := s.store.Stats(ctx, sessionID)
	if err != nil {
		return memory.SessionStats{}, fmt.Errorf("session stats %s: %w", sessionID, err)
	}
	return st, nil
}

func (s *Service) recordFailure(ctx context.Context, sessionID, runID string, err error) {
	var st *agent.State
	model := s.cfg.Model
	var mf *agent.ModelCallFailedError
	var ce *agent.CanceledError
	switch {
	case errors.As(err, &mf):
		st = mf.State
		if mf.Model != "" {
			model = mf.Model
		}
	case errors.As(err, &ce):
		st = ce.State
	}
	if st == nil || st.Iterations == 0 {
		return
	}
	s.record(ctx, sessionID, usage.Record{
		RunID:        runID,
		Model:        model,
		InputTokens:  st.Usage.InputTokens,
		OutputTokens: st.Usage.OutputTokens,
		Iterations:   st.Iterations,
		ToolCalls:    len(st.ToolHistory),
	})
}

func (s *Service) record(ctx context.Context, sessionID string, rec usage.Record) {
	if s.usage == nil {
		return
	}
	rec.SessionID = sessionID
	rec.Kind = usage.KindChat
	if err := s.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record usage", "run_id", rec.RunID, "error", err)
	}
}
