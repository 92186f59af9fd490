package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/tracewise/internal/agent"
	"github.com/nugget/tracewise/internal/buildinfo"
	"github.com/nugget/tracewise/internal/chat"
	"github.com/nugget/tracewise/internal/config"
	"github.com/nugget/tracewise/internal/debugger"
	"github.com/nugget/tracewise/internal/events"
	"github.com/nugget/tracewise/internal/fetch"
	"github.com/nugget/tracewise/internal/httpkit"
	"github.com/nugget/tracewise/internal/llm"
	"github.com/nugget/tracewise/internal/llm/gemini"
	"github.com/nugget/tracewise/internal/memory"
	"github.com/nugget/tracewise/internal/mqtt"
	"github.com/nugget/tracewise/internal/prompts"
	"github.com/nugget/tracewise/internal/tools"
	"github.com/nugget/tracewise/internal/usage"
)

// charsPerToken converts a model context window into the condenser's
// character budget. Half the window is left for the reply and tool
// definitions.
const charsPerToken = 2

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	client   *llm.MultiClient
	registry *tools.Registry
	cond     *memory.Condenser
	usage    *usage.Store
	ledger   *usage.Ledger

	sessions memory.SessionStore
	sqlite   *memory.SQLiteStore

	bridge     *mqtt.Bridge
	bridgeDone chan struct{}
	stopBridge context.CancelFunc

	closers []func() error
}

// loadConfig finds, loads and validates the config file.
func loadConfig(path string) (*config.Config, error) {
	found, err := config.FindConfig(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(found)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", found, err)
	}
	return cfg, nil
}

// newStoresApp opens the session and usage stores without any model
// plumbing, for the admin commands.
func newStoresApp(opts options, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: cfg.NewLogger(stderr)}
	if err := a.openStores(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newApp wires the full agent stack.
func newApp(ctx context.Context, opts options, stderr io.Writer) (*app, error) {
	a, err := newStoresApp(opts, stderr)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("starting", "build", buildinfo.String())

	a.bus = events.New()
	if err := a.buildClient(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildRegistry(); err != nil {
		a.Close()
		return nil, err
	}
	a.buildCondenser()
	if a.cfg.MQTT.Configured() {
		if err := a.startBridge(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStores() error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	switch cfg.Session.Driver {
	case "memory":
		a.sessions = memory.NewMemStore(cfg.Session.TTL)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Session.Path), 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
		st, err := memory.NewSQLiteStore(cfg.Session.Path, cfg.Session.TTL)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		a.sqlite = st
		a.sessions = st
		a.closers = append(a.closers, st.Close)
	}

	us, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	a.usage = us
	a.closers = append(a.closers, us.Close)

	pricing := make(map[string]usage.Pricing)
	providers := make(map[string]string)
	for _, m := range cfg.Models.Available {
		providers[m.Name] = m.Provider
		if m.InputPerMillion > 0 || m.OutputPerMillion > 0 {
			pricing[m.Name] = usage.Pricing{InputPerMillion: m.InputPerMillion, OutputPerMillion: m.OutputPerMillion}
		}
	}
	a.ledger = usage.NewLedger(us, pricing, providers, a.logger)
	return nil
}

// buildClient registers a provider for every configured credential and
// routes each listed model to its provider. Unlisted models go to the
// default model's provider.
func (a *app) buildClient(ctx context.Context) error {
	cfg := a.cfg
	clients := map[string]llm.Client{
		"ollama": llm.NewOllamaClient(cfg.Ollama.URL, a.logger),
	}
	if cfg.Anthropic.APIKey != "" {
		clients["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, a.logger)
	}
	if cfg.OpenAI.APIKey != "" {
		clients["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, a.logger)
	}
	if cfg.Gemini.APIKey != "" {
		gc, err := gemini.New(ctx, cfg.Gemini.APIKey, a.logger)
		if err != nil {
			return fmt.Errorf("gemini client: %w", err)
		}
		clients["gemini"] = gc
	}

	fallback := clients["ollama"]
	if m, ok := cfg.Model(cfg.Models.Default); ok {
		c, ok := clients[m.Provider]
		if !ok {
			return fmt.Errorf("default model %q needs %s credentials", m.Name, m.Provider)
		}
		fallback = c
	} else if c, ok := clients["openai"]; ok {
		fallback = c
	}

	mc := llm.NewMultiClient(fallback)
	for name, c := range clients {
		mc.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := clients[m.Provider]; !ok {
			a.logger.Warn("model provider not configured, using fallback", "model", m.Name, "provider", m.Provider)
			continue
		}
		mc.AddModel(m.Name, m.Provider)
	}
	a.client = mc
	a.logger.Debug("llm providers ready",
		"providers", mc.Providers(),
		"default_model", cfg.Models.Default,
		"default_route", cmp.Or(mc.Route(cfg.Models.Default), "fallback"))
	return nil
}

func (a *app) buildRegistry() error {
	cfg := a.cfg
	reg := tools.NewRegistry(cfg.Agent.ToolTimeout, a.logger)

	if cfg.Workspace.Path != "" {
		ft := tools.NewFileTools(cfg.Workspace.Path, cfg.Workspace.ReadOnlyDirs)
		if ft.Enabled() {
			if err := ft.Register(reg); err != nil {
				return fmt.Errorf("register file tools: %w", err)
			}
		}
	}

	if cfg.GitHub.Configured() {
		rt, err := tools.NewRepoTools(httpkit.NewClient(), cfg.GitHub.Token, cfg.GitHub.BaseURL, cfg.GitHub.DefaultOwner, a.logger)
		if err != nil {
			return fmt.Errorf("repository tools: %w", err)
		}
		if err := rt.Register(reg); err != nil {
			return fmt.Errorf("register repository tools: %w", err)
		}
	}

	if err := fetch.Register(reg, fetch.New()); err != nil {
		return fmt.Errorf("register fetch tool: %w", err)
	}
	if err := tools.RegisterClock(reg, time.Now); err != nil {
		return fmt.Errorf("register clock tool: %w", err)
	}
	if err := tools.RegisterCalculator(reg); err != nil {
		return fmt.Errorf("register calculator tool: %w", err)
	}
	if err := tools.RegisterUsage(reg, a.usage, time.Now); err != nil {
		return fmt.Errorf("register usage tool: %w", err)
	}

	a.registry = reg
	a.logger.Debug("tools registered", "tools", reg.Names())
	return nil
}

func (a *app) buildCondenser() {
	cfg := a.cfg
	a.cond = memory.NewCondenser(memory.CondenseConfig{
		ToolResultCeiling:  cfg.Condense.ToolResultCeiling,
		KeepRecent:         cfg.Condense.KeepRecent,
		SummarizeThreshold: cfg.Condense.SummarizeThreshold,
		Mode:               memory.CondenseMode(cfg.Condense.Mode),
	}, memory.NewLLMSummarizer(a.summarize), a.logger)
}

// summarize is the condenser's model call. Its tokens belong to no
// agent run, so they are recorded under their own ledger kind.
func (a *app) summarize(ctx context.Context, prompt string) (string, error) {
	model := a.cfg.Models.Summary
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Agent.ModelTimeout)
	defer cancel()

	resp, err := a.client.Chat(callCtx, model, []llm.Message{{Role: "user", Content: prompt}}, nil, llm.ToolChoiceNone)
	if err != nil {
		return "", err
	}
	if a.ledger != nil {
		// The ledger logs its own failures.
		_ = a.ledger.Record(context.WithoutCancel(ctx), usage.Record{
			Kind:         usage.KindSummary,
			Model:        model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Iterations:   1,
		})
	}
	return resp.Message.Content, nil
}

// contextBudget returns the configured character budget, or one
// derived from the model's context window.
func (a *app) contextBudget(model string) int {
	if a.cfg.Agent.ContextBudget > 0 {
		return a.cfg.Agent.ContextBudget
	}
	return a.cfg.ContextWindow(model) * charsPerToken
}

func (a *app) newLoop(policy agent.PromptPolicy, maxIterations int, source string) *agent.Loop {
	model := a.cfg.Models.Default
	loop := agent.NewLoop(a.client, a.registry, a.cond, policy, agent.Config{
		Model:           model,
		MaxIterations:   maxIterations,
		ModelTimeout:    a.cfg.Agent.ModelTimeout,
		ToolConcurrency: a.cfg.Agent.ToolConcurrency,
		ContextBudget:   a.contextBudget(model),
		Source:          source,
	}, a.logger)
	loop.SetEventBus(a.bus)
	return loop
}

func (a *app) analyzer() *debugger.Analyzer {
	loop := a.newLoop(prompts.DebuggerPolicy{}, a.cfg.Agent.MaxIterations, events.SourceAnalysis)
	an := debugger.NewAnalyzer(loop, debugger.Config{
		Model:         a.cfg.Models.Default,
		MaxIterations: a.cfg.Agent.MaxIterations,
	}, a.logger)
	an.SetUsageRecorder(a.ledger)
	return an
}

func (a *app) chatService() *chat.Service {
	loop := a.newLoop(prompts.ChatPolicy{}, a.cfg.Agent.ChatMaxIterations, events.SourceChat)
	svc := chat.NewService(loop, a.sessions, a.cond, chat.Config{
		Model:         a.cfg.Models.Default,
		MaxIterations: a.cfg.Agent.ChatMaxIterations,
		HistoryLimit:  a.cfg.Session.HistoryLimit,
		SessionTTL:    a.cfg.Session.TTL,
		SingleFlight:  a.cfg.Session.SingleFlight,
	}, a.logger)
	svc.SetEventBus(a.bus)
	svc.SetUsageRecorder(a.ledger)
	return svc
}

func (a *app) startBridge(ctx context.Context) error {
	clientID, err := mqtt.ResolveClientID(a.cfg.MQTT.ClientID, a.cfg.DataDir)
	if err != nil {
		return err
	}

	a.bridge = mqtt.New(a.cfg.MQTT, clientID, a.bus, nil, a.logger)
	bctx, cancel := context.WithCancel(ctx)
	a.stopBridge = cancel
	a.bridgeDone = make(chan struct{})
	go func() {
		defer close(a.bridgeDone)
		if err := a.bridge.Start(bctx); err != nil {
			a.logger.Warn("mqtt bridge stopped", "error", err)
		}
	}()
	return nil
}

// Close flushes the MQTT bridge and closes the stores.
func (a *app) Close() error {
	var errs []error
	if a.bridge != nil {
		a.stopBridge()
		<-a.bridgeDone
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.bridge.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mqtt stop: %w", err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
