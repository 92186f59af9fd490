package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("openai:\n  api_key: ${TRACEWISE_TEST_KEY}\n"), 0600)
	t.Setenv("TRACEWISE_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("agent:\n  max_iterations: 3\n  tool_timeout: 5s\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.MaxIterations != 3 {
		t.Errorf("max_iterations = %d, want 3", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.ToolTimeout != 5*time.Second {
		t.Errorf("tool_timeout = %v, want 5s", cfg.Agent.ToolTimeout)
	}
	if cfg.Condense.ToolResultCeiling != 3000 {
		t.Errorf("tool_result_ceiling = %d, want 3000", cfg.Condense.ToolResultCeiling)
	}
	if cfg.Session.TTL != 24*time.Hour {
		t.Errorf("session ttl = %v, want 24h", cfg.Session.TTL)
	}
	if cfg.Session.Path != filepath.Join("./data", "sessions.db") {
		t.Errorf("session path = %q", cfg.Session.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults ok", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "unknown log level"},
		{name: "bad mode", mutate: func(c *Config) { c.Condense.Mode = "shred" }, wantErr: "condense.mode"},
		{name: "bad driver", mutate: func(c *Config) { c.Session.Driver = "redis" }, wantErr: "session.driver"},
		{
			name: "bad provider",
			mutate: func(c *Config) {
				c.Models.Available = []ModelConfig{{Name: "x", Provider: "mystery"}}
			},
			wantErr: "unknown provider",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogLevel = "trace"
	logger := cfg.NewLogger(&buf)
	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output %q missing level=TRACE", buf.String())
	}
}

func TestContextWindow(t *testing.T) {
	cfg := Default()
	cfg.Models.Available = []ModelConfig{{Name: "m1", Provider: "ollama", ContextWindow: 8192}}
	if got := cfg.ContextWindow("m1"); got != 8192 {
		t.Errorf("ContextWindow(m1) = %d, want 8192", got)
	}
	if got := cfg.ContextWindow("other"); got != 0 {
		t.Errorf("ContextWindow(other) = %d, want 0", got)
	}
}
