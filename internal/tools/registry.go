// Package tools defines the tools available to the agent and the
// registry that validates and executes their calls.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a tool call when neither the tool nor the
// registry sets a timeout.
const DefaultTimeout = 30 * time.Second

// Handler executes a tool call with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
	// Timeout overrides the registry default for this tool.
	Timeout time.Duration `json:"-"`

	schema *gojsonschema.Schema
}

// Registry holds available tools in registration order. It is
// immutable once the agent starts and safe for concurrent Invoke.
type Registry struct {
	tools   map[string]*Tool
	order   []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A non-positive timeout
// selects DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool. The tool's Parameters are compiled as a JSON
// schema so calls can be validated before the handler runs.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", t.Name)
	}
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("register tool %q: %w", t.Name, ErrDuplicateTool)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Parameters))
	if err != nil {
		return fmt.Errorf("register tool %q: compile schema: %w", t.Name, err)
	}
	t.schema = schema

	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get returns the named tool or ErrUnknownTool.
func (r *Registry) Get(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Describe returns tool definitions in OpenAI function format, in
// registration order.
func (r *Registry) Describe() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Invoke runs a tool call. It never returns a Go error and never
// panics: every failure is folded into the Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	t, ok := r.tools[name]
	if !ok {
		return Err(KindUnknownTool, "unknown tool: %s", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if raw, ok := args["_raw"].(string); ok && len(args) == 1 {
		return Err(KindInvalidArguments, "arguments are not valid JSON: %s", raw)
	}
	if err := validate(t.schema, args); err != nil {
		return Err(KindInvalidArguments, "%s: %v", name, err)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool panicked",
					"tool", name, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		text, err := t.Handler(callCtx, args)
		done <- outcome{text: text, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.err == nil:
			return Ok(out.text)
		case errors.Is(out.err, ErrInvalidArguments):
			return Err(KindInvalidArguments, "%v", out.err)
		case errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil:
			return Err(KindTimeout, "%s timed out after %s", name, timeout)
		default:
			return Err(KindExecutionFailed, "%v", out.err)
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return Err(KindExecutionFailed, "%s canceled: %v", name, ctx.Err())
		}
		return Err(KindTimeout, "%s timed out after %s", name, timeout)
	}
}

func validate(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Argument helpers. Tool arguments arrive as decoded JSON, so numbers
// are float64 (or json.Number from some providers).

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case interface{ Int64() (int64, error) }:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
