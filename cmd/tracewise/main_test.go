package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/nugget/tracewise/internal/debugger"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

// fakeOllama answers /api/chat with a read_file call until a tool
// result is present in the conversation, then with final text.
// Streaming requests get one NDJSON chunk per word.
func fakeOllama(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		sawTool := false
		for _, m := range req.Messages {
			if m.Role == "tool" {
				sawTool = true
			}
		}
		last := req.Messages[len(req.Messages)-1]

		msg := map[string]any{"role": "assistant"}
		switch {
		case strings.Contains(last.Content, "Summarize"):
			msg["content"] = "summary"
		case strings.Contains(last.Content, "Traceback") && !sawTool:
			msg["content"] = ""
			msg["tool_calls"] = []map[string]any{{
				"function": map[string]any{
					"name":      "read_file",
					"arguments": map[string]any{"path": "app.py"},
				},
			}}
		case sawTool:
			msg["content"] = "## Root Cause\n\nDivision by zero in `handler`.\n\n## Fix\n\nGuard the divisor."
		default:
			msg["content"] = "echo: " + last.Content
		}

		if req.Stream {
			w.Header().Set("Content-Type", "application/x-ndjson")
			enc := json.NewEncoder(w)
			content, _ := msg["content"].(string)
			for _, word := range strings.SplitAfter(content, " ") {
				_ = enc.Encode(map[string]any{
					"model":   "local",
					"message": map[string]any{"role": "assistant", "content": word},
					"done":    false,
				})
			}
			msg["content"] = ""
			_ = enc.Encode(map[string]any{
				"model":             "local",
				"message":           msg,
				"done":              true,
				"prompt_eval_count": 10,
				"eval_count":        5,
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "local",
			"message":           msg,
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// writeTestConfig writes a config pointing at url with a workspace
// holding a single Python file. It returns the config path and the
// workspace directory.
func writeTestConfig(t *testing.T, url string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	src := "def handler(n):\n    return 10 / n\n"
	if err := os.WriteFile(filepath.Join(ws, "app.py"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := `models:
  default: local
  available:
    - name: local
      provider: ollama
      context_window: 8192
ollama:
  url: ` + url + `
workspace:
  path: ` + ws + `
data_dir: ` + filepath.Join(dir, "data") + `
log_level: error
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, ws
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, &bytes.Buffer{}, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text output missing go_version:\n%s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), nil, &out, &bytes.Buffer{}, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	if info["go_version"] == "" {
		t.Errorf("go_version missing from %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), nil, &out, &bytes.Buffer{}, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: tracewise") {
			t.Errorf("run(%v) did not print usage", args)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-verbose", "version"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"history without session", []string{"history"}, "usage: tracewise history"},
		{"stats with two sessions", []string{"stats", "a", "b"}, "usage: tracewise stats"},
		{"chat without message", []string{"chat"}, "usage: tracewise chat"},
		{"chat stream as json", []string{"-o", "json", "chat", "-stream", "hi"}, "cannot be combined"},
		{"missing config", []string{"-config", "/nonexistent/tracewise.yaml", "purge"}, "nonexistent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), nil, &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output missing checkmarks:\n%s", buf.String())
	}
}

func TestRunInit_PreservesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("custom: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "custom: true\n" {
		t.Errorf("config.yaml overwritten: %q", got)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("output should mention the existing file:\n%s", buf.String())
	}
}

func TestRun_Analyze(t *testing.T) {
	srv, calls := fakeOllama(t)
	cfgPath, ws := writeTestConfig(t, srv.URL)

	report := map[string]string{
		"error_type":    "ZeroDivisionError",
		"error_message": "division by zero",
		"stack_trace": "Traceback (most recent call last):\n" +
			"  File \"" + filepath.Join(ws, "app.py") + "\", line 2, in handler\n" +
			"ZeroDivisionError: division by zero",
		"input_params": `{"n": 0}`,
	}
	body, _ := json.Marshal(report)

	var out, logs bytes.Buffer
	err := run(context.Background(), bytes.NewReader(body), &out, &logs, []string{"-config", cfgPath, "-o", "json", "analyze"})
	if err != nil {
		t.Fatalf("analyze: %v\nlogs:\n%s", err, logs.String())
	}

	var got debugger.Analysis
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if !got.Success {
		t.Fatalf("analysis failed: %s", got.Error)
	}
	if len(got.FileLocations) != 1 || got.FileLocations[0].Line != 2 {
		t.Errorf("locations = %+v", got.FileLocations)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Tool != "read_file" {
		t.Errorf("tool calls = %+v", got.ToolCalls)
	}
	if !strings.Contains(got.Analysis, "Division by zero") {
		t.Errorf("analysis = %q", got.Analysis)
	}
	if calls.Load() != 2 {
		t.Errorf("model calls = %d, want 2", calls.Load())
	}

	// The run is in the usage ledger.
	out.Reset()
	if err := run(context.Background(), nil, &out, &logs, []string{"-config", cfgPath, "usage"}); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !strings.Contains(out.String(), "analysis") {
		t.Errorf("usage output missing analysis row:\n%s", out.String())
	}
}

func TestRun_AnalyzeNoLocations(t *testing.T) {
	srv, calls := fakeOllama(t)
	cfgPath, _ := writeTestConfig(t, srv.URL)

	body := `{"error_type":"Error","error_message":"boom","stack_trace":"no frames here"}`
	var out bytes.Buffer
	err := run(context.Background(), strings.NewReader(body), &out, &bytes.Buffer{}, []string{"-config", cfgPath, "analyze"})
	if err == nil {
		t.Fatal("expected error for a trace without locations")
	}
	if !strings.Contains(out.String(), "failed") {
		t.Errorf("failed analysis should still be printed:\n%s", out.String())
	}
	if calls.Load() != 0 {
		t.Errorf("model called %d times, want 0", calls.Load())
	}
}

func TestRun_ChatSession(t *testing.T) {
	srv, _ := fakeOllama(t)
	cfgPath, _ := writeTestConfig(t, srv.URL)
	ctx := context.Background()

	var out bytes.Buffer
	if err := run(ctx, nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "-o", "json", "chat", "hello", "there"}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	var reply struct {
		SessionID string `json:"session_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v\n%s", err, out.String())
	}
	if reply.SessionID == "" {
		t.Fatal("no session id in reply")
	}
	if reply.Content != "echo: hello there" {
		t.Errorf("content = %q", reply.Content)
	}

	out.Reset()
	if err := run(ctx, nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "chat", "-session", reply.SessionID, "again"}); err != nil {
		t.Fatalf("second chat: %v", err)
	}

	out.Reset()
	if err := run(ctx, nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "history", reply.SessionID}); err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{"user: hello there", "assistant: echo: hello there", "user: again", "assistant: echo: again"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("history missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := run(ctx, nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "clear", reply.SessionID}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out.Reset()
	if err := run(ctx, nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "history", reply.SessionID}); err != nil {
		t.Fatalf("history after clear: %v", err)
	}
	if !strings.Contains(out.String(), "(empty session)") {
		t.Errorf("history after clear:\n%s", out.String())
	}
}

func TestRun_ChatStream(t *testing.T) {
	srv, calls := fakeOllama(t)
	cfgPath, _ := writeTestConfig(t, srv.URL)

	var out, errOut bytes.Buffer
	if err := run(context.Background(), nil, &out, &errOut, []string{"-config", cfgPath, "chat", "-stream", "hello", "there"}); err != nil {
		t.Fatalf("chat -stream: %v\n%s", err, errOut.String())
	}
	if !strings.HasPrefix(out.String(), "echo: hello there\n") {
		t.Errorf("streamed output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "[session ") {
		t.Errorf("session footer missing:\n%s", out.String())
	}
	if calls.Load() != 1 {
		t.Errorf("model calls = %d, want 1", calls.Load())
	}
}

func TestRun_ChatStreamNotesToolCalls(t *testing.T) {
	srv, _ := fakeOllama(t)
	cfgPath, _ := writeTestConfig(t, srv.URL)

	var out, errOut bytes.Buffer
	err := run(context.Background(), nil, &out, &errOut, []string{"-config", cfgPath, "chat", "-stream", "Traceback", "in", "app.py"})
	if err != nil {
		t.Fatalf("chat -stream: %v\n%s", err, errOut.String())
	}
	if !strings.Contains(errOut.String(), "[tool] read_file") {
		t.Errorf("stderr missing tool note:\n%s", errOut.String())
	}
	if !strings.Contains(out.String(), "Division by zero") {
		t.Errorf("streamed output:\n%s", out.String())
	}
}

func TestRun_SummaryCallsRecorded(t *testing.T) {
	srv, _ := fakeOllama(t)
	cfgPath, _ := writeTestConfig(t, srv.URL)

	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.WriteString("condense:\n  mode: summarize\n  keep_recent: 2\n  summarize_threshold: 3\n")
	f.Close()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	var out bytes.Buffer
	if err := run(ctx, nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "-o", "json", "chat", "first"}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	var reply struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	out.Reset()
	if err := run(ctx, nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "chat", "-session", reply.SessionID, "second"}); err != nil {
		t.Fatalf("second chat: %v", err)
	}

	out.Reset()
	if err := run(ctx, nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "-o", "json", "usage"}); err != nil {
		t.Fatalf("usage: %v", err)
	}
	var report struct {
		ByKind map[string]struct {
			Runs         int   `json:"runs"`
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"by_kind"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode usage: %v\n%s", err, out.String())
	}
	sum, ok := report.ByKind["summary"]
	if !ok || sum.Runs == 0 {
		t.Fatalf("no summary usage recorded: %s", out.String())
	}
	if sum.InputTokens != int64(10*sum.Runs) || sum.OutputTokens != int64(5*sum.Runs) {
		t.Errorf("summary usage = %+v", sum)
	}
	if chat := report.ByKind["chat"]; chat.Runs != 2 {
		t.Errorf("chat runs = %d, want 2", chat.Runs)
	}
}
