package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/tracewise/internal/chat"
	"github.com/nugget/tracewise/internal/debugger"
	"github.com/nugget/tracewise/internal/llm"
	"github.com/nugget/tracewise/internal/memory"
	"github.com/nugget/tracewise/internal/usage"
)

// runAnalyze reads an error report and prints the analysis. A failed
// analysis is still printed before the error is returned.
func runAnalyze(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, args []string) error {
	source := "-"
	html := false
	for _, arg := range args {
		switch {
		case arg == "-html" || arg == "--html":
			html = true
		case strings.HasPrefix(arg, "-") && arg != "-":
			return fmt.Errorf("unknown analyze flag: %s", arg)
		default:
			source = arg
		}
	}
	if html && opts.outputFmt == "json" {
		return errors.New("-html cannot be combined with -o json")
	}

	var in io.Reader = stdin
	if source != "-" {
		f, err := os.Open(source)
		if err != nil {
			return fmt.Errorf("open error report: %w", err)
		}
		defer f.Close()
		in = f
	}
	var req debugger.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode error report: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if req.ServerBasePath == "" {
		req.ServerBasePath = a.cfg.Workspace.Path
	}

	result, runErr := a.analyzer().Analyze(ctx, req)
	if result != nil {
		var err error
		switch {
		case opts.outputFmt == "json":
			err = writeJSON(stdout, result)
		case html && result.Success:
			err = writeAnalysisHTML(stdout, result)
		default:
			writeAnalysisText(stdout, result)
		}
		if err != nil {
			return err
		}
	}
	return runErr
}

func writeAnalysisText(w io.Writer, r *debugger.Analysis) {
	status := "ok"
	if !r.Success {
		status = "failed"
	}
	fmt.Fprintf(w, "Analysis %s (%s)\n", r.RunID, status)
	if r.Model != "" {
		fmt.Fprintf(w, "  model:       %s\n", r.Model)
	}
	fmt.Fprintf(w, "  iterations:  %d\n", r.Iterations)
	fmt.Fprintf(w, "  tokens:      %d in, %d out, %d total\n",
		r.TokenUsage.InputTokens, r.TokenUsage.OutputTokens, r.TokenUsage.TotalTokens)
	if r.Forced {
		fmt.Fprintln(w, "  note:        iteration cap reached, answer was forced")
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Locations:")
	for _, loc := range r.FileLocations {
		fmt.Fprintf(w, "  %s:%d", loc.File, loc.Line)
		if loc.Function != "" {
			fmt.Fprintf(w, " in %s", loc.Function)
		}
		fmt.Fprintln(w)
	}

	if len(r.ToolCalls) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Tool calls:")
		for i, tc := range r.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			mark := "ok"
			if !tc.OK {
				mark = string(tc.Kind)
			}
			fmt.Fprintf(w, "  %d. %s %s [%s, %s]\n", i+1, tc.Tool, args, mark, tc.Duration.Round(time.Millisecond))
		}
	}

	fmt.Fprintln(w)
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
		return
	}
	fmt.Fprintln(w, strings.TrimSpace(r.Analysis))
}

func writeAnalysisHTML(w io.Writer, r *debugger.Analysis) error {
	body, err := debugger.RenderHTML(r.Analysis)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, body)
	return err
}

// runChat sends one message. Without -session a new session is
// started and its id printed so the next call can continue it. With
// -stream the reply is printed as it is generated and tool calls are
// noted on stderr.
func runChat(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	var sessionID string
	var stream bool
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-stream" || args[i] == "--stream":
			stream = true
		case (args[i] == "-session" || args[i] == "--session") && i+1 < len(args):
			sessionID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-session="):
			sessionID = strings.TrimPrefix(args[i], "-session=")
		default:
			words = append(words, args[i])
		}
	}
	message := strings.Join(words, " ")
	if strings.TrimSpace(message) == "" {
		return errors.New("usage: tracewise chat [-session id] [-stream] <message>")
	}
	if stream && opts.outputFmt == "json" {
		return errors.New("chat -stream prints text; it cannot be combined with -o json")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if stream {
		reply, err := a.chatService().SendStream(ctx, sessionID, message, streamPrinter(stdout, stderr))
		if err != nil {
			fmt.Fprintln(stdout)
			return err
		}
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "[session %s, %d tokens]\n", reply.SessionID, reply.Usage.TotalTokens)
		return nil
	}

	reply, err := a.chatService().Send(ctx, sessionID, message)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, reply)
	}
	fmt.Fprintln(stdout, strings.TrimSpace(reply.Content))
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "[session %s, %d tokens]\n", reply.SessionID, reply.Usage.TotalTokens)
	return nil
}

// streamPrinter writes model text to stdout as it arrives and one line
// per tool call to stderr.
func streamPrinter(stdout, stderr io.Writer) llm.StreamCallback {
	return func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			fmt.Fprint(stdout, ev.Token)
		case llm.KindToolCallStart:
			fmt.Fprintf(stderr, "\n[tool] %s\n", ev.ToolCall.Function.Name)
		case llm.KindToolCallDone:
			if ev.ToolError != "" {
				fmt.Fprintf(stderr, "[tool] %s failed: %s\n", ev.ToolName, ev.ToolError)
			}
		}
	}
}

// runSession handles the history, stats and clear commands.
func runSession(ctx context.Context, stdout, stderr io.Writer, opts options, command, sessionID string) error {
	a, err := newStoresApp(opts, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := chat.NewService(nil, a.sessions, nil, chat.Config{}, a.logger)

	switch command {
	case "history":
		turns, err := svc.History(ctx, sessionID)
		if err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			if turns == nil {
				turns = []memory.Turn{}
			}
			return writeJSON(stdout, turns)
		}
		writeTranscript(stdout, turns)
		return nil

	case "stats":
		st, err := svc.Stats(ctx, sessionID)
		if err != nil {
			return err
		}
		spent, err := a.usage.SessionTotal(ctx, sessionID)
		if err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			return writeJSON(stdout, struct {
				memory.SessionStats
				Usage *usage.Summary `json:"usage"`
			}{st, spent})
		}
		fmt.Fprintf(stdout, "Session %s\n", st.SessionID)
		fmt.Fprintf(stdout, "  turns:    %d (user %d, assistant %d, tool %d)\n", st.Total,
			st.ByRole[memory.RoleUser], st.ByRole[memory.RoleAssistant], st.ByRole[memory.RoleTool])
		if st.Total > 0 {
			fmt.Fprintf(stdout, "  first:    %s\n", st.First.Format(time.RFC3339))
			fmt.Fprintf(stdout, "  last:     %s\n", st.Last.Format(time.RFC3339))
		}
		if !st.ExpiresAt.IsZero() {
			fmt.Fprintf(stdout, "  expires:  %s\n", st.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Fprintf(stdout, "  tokens:   %d over %d runs ($%.4f)\n", spent.TotalTokens(), spent.Runs, spent.TotalCostUSD)
		return nil

	case "clear":
		if err := svc.Clear(ctx, sessionID); err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			return writeJSON(stdout, map[string]any{"session_id": sessionID, "cleared": true})
		}
		fmt.Fprintf(stdout, "Session %s cleared\n", sessionID)
		return nil
	}
	return fmt.Errorf("unknown session command: %s", command)
}

func writeTranscript(w io.Writer, turns []memory.Turn) {
	if len(turns) == 0 {
		fmt.Fprintln(w, "(empty session)")
		return
	}
	for _, t := range turns {
		ts := t.Timestamp.Format("15:04:05")
		switch {
		case t.IsPriorSummary():
			fmt.Fprintf(w, "%s summary: %s\n", ts, strings.TrimSpace(strings.TrimPrefix(t.Content, memory.PriorSummaryPrefix)))
		case t.Role == memory.RoleTool:
			fmt.Fprintf(w, "%s tool %s: %d chars\n", ts, t.Name, len(t.Content))
		case len(t.ToolCalls) > 0:
			names := make([]string, len(t.ToolCalls))
			for i, tc := range t.ToolCalls {
				names[i] = tc.Name
			}
			fmt.Fprintf(w, "%s %s: [calls %s] %s\n", ts, t.Role, strings.Join(names, ", "), t.Content)
		default:
			fmt.Fprintf(w, "%s %s: %s\n", ts, t.Role, t.Content)
		}
	}
}

func runPurge(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := newStoresApp(opts, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.sqlite == nil {
		return errors.New("purge needs the sqlite session driver")
	}
	n, err := a.sqlite.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]int{"purged": n})
	}
	fmt.Fprintf(stdout, "Purged %d expired sessions\n", n)
	return nil
}

// runUsage prints token usage over a trailing window.
func runUsage(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	window := 24 * time.Hour
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid usage window %q (e.g. 24h, 168h)", args[0])
		}
		window = d
	}

	a, err := newStoresApp(opts, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	until := time.Now()
	since := until.Add(-window)

	total, err := a.usage.Summary(ctx, since, until)
	if err != nil {
		return err
	}
	byKind, err := a.usage.SummaryByKind(ctx, since, until)
	if err != nil {
		return err
	}
	byModel, err := a.usage.SummaryByModel(ctx, since, until)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"since":    since.Format(time.RFC3339),
			"until":    until.Format(time.RFC3339),
			"total":    total,
			"by_kind":  byKind,
			"by_model": byModel,
		})
	}

	fmt.Fprintf(stdout, "Usage since %s\n", since.Format(time.RFC3339))
	writeSummaryLine(stdout, "total", total)
	for _, kind := range []string{usage.KindAnalysis, usage.KindChat, usage.KindSummary} {
		if s, ok := byKind[kind]; ok {
			writeSummaryLine(stdout, kind, s)
		}
	}
	if len(byModel) > 0 {
		fmt.Fprintln(stdout, "By model:")
		for _, model := range slices.Sorted(maps.Keys(byModel)) {
			writeSummaryLine(stdout, model, byModel[model])
		}
	}
	return nil
}

func writeSummaryLine(w io.Writer, label string, s *usage.Summary) {
	fmt.Fprintf(w, "  %-28s %5d runs %10d tokens %6d tools  $%.4f\n",
		label, s.Runs, s.TotalTokens(), s.TotalToolCalls, s.TotalCostUSD)
}
