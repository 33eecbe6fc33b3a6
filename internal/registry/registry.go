// Package registry holds the immutable tool table: each tool's descriptor,
// its compiled input schema and its handler.
//
// A Registry is built once at startup and shared read-only by every
// transport. Dispatch validates arguments against the tool's schema before
// the handler runs, so handlers only ever see conforming input.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/toolgate/internal/capability"
	"github.com/ashita-ai/toolgate/internal/ctxutil"
	"github.com/ashita-ai/toolgate/internal/redact"
	"github.com/ashita-ai/toolgate/internal/schema"
)

// ErrNotFound is returned by Dispatch for an unknown tool name.
var ErrNotFound = errors.New("tool not found")

// Handler runs a tool. args has already passed schema validation.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one entry to register.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Descriptor is the public shape of a tool, as listed to callers.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ValidationError reports arguments that failed a tool's input schema.
type ValidationError struct {
	Tool       string
	Violations []schema.Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("invalid arguments for %s", e.Tool)
	}
	v := e.Violations[0]
	msg := fmt.Sprintf("invalid arguments for %s: %s: %s", e.Tool, v.Path, v.Message)
	if n := len(e.Violations) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Tool  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v", e.Tool, e.Value)
}

type entry struct {
	desc    Descriptor
	schema  *schema.Schema
	handler Handler
}

// Registry is an immutable lookup table of tools.
type Registry struct {
	tools  map[string]entry
	order  []string
	logger *slog.Logger

	calls    otelmetric.Int64Counter
	duration otelmetric.Float64Histogram
}

// New compiles every tool's schema and returns the registry. Duplicate names,
// missing handlers and schemas that do not compile are construction errors.
func New(logger *slog.Logger, tools ...Tool) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]entry, len(tools)),
		logger: logger,
	}
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.New("registry: tool name is required")
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate tool %q", t.Name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("registry: tool %q has no handler", t.Name)
		}
		raw := t.InputSchema
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object"}`)
		}
		s, err := schema.CompileJSON(raw, schema.Draft2020)
		if err != nil {
			return nil, fmt.Errorf("registry: tool %q: %w", t.Name, err)
		}
		r.tools[t.Name] = entry{
			desc: Descriptor{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: slices.Clone(raw),
			},
			schema:  s,
			handler: t.Handler,
		}
		r.order = append(r.order, t.Name)
	}
	slices.Sort(r.order)

	meter := otel.GetMeterProvider().Meter("toolgate/registry")
	var err error
	if r.calls, err = meter.Int64Counter("toolgate.tool.calls"); err != nil {
		return nil, fmt.Errorf("registry: create counter: %w", err)
	}
	if r.duration, err = meter.Float64Histogram("toolgate.tool.duration", otelmetric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("registry: create histogram: %w", err)
	}
	return r, nil
}

// Resolve returns the descriptor for name.
func (r *Registry) Resolve(name string) (Descriptor, bool) {
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc.clone(), true
}

// List returns every descriptor, sorted by name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc.clone())
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// Dispatch validates args against the named tool's schema and, if they
// conform, runs the handler. Empty or null args are treated as {}.
//
// Errors are one of: ErrNotFound (wrapped), *ValidationError, a
// *capability.Error from a guard, *PanicError, or whatever the handler
// returned.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (result any, err error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	start := time.Now()
	defer func() {
		r.record(ctx, name, start, err)
	}()

	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		args = json.RawMessage(`{}`)
	}

	instance, derr := schema.Decode(args)
	if derr != nil {
		return nil, &ValidationError{Tool: name, Violations: []schema.Violation{{
			Path: "/", Keyword: "json", Message: "arguments are not valid JSON",
		}}}
	}
	if vs := e.schema.Validate(instance); len(vs) > 0 {
		return nil, &ValidationError{Tool: name, Violations: vs}
	}

	if r.logger.Enabled(ctx, slog.LevelDebug) {
		r.logger.DebugContext(ctx, "tool call",
			"tool", name,
			"request_id", ctxutil.RequestID(ctx),
			"args", redact.Value(instance),
		)
	}

	defer func() {
		if v := recover(); v != nil {
			r.logger.ErrorContext(ctx, "tool handler panic", "tool", name, "panic", v)
			result, err = nil, &PanicError{Tool: name, Value: v}
		}
	}()
	return e.handler(ctx, args)
}

func (r *Registry) record(ctx context.Context, name string, start time.Time, err error) {
	outcome := Outcome(err)
	elapsed := time.Since(start)

	attrs := otelmetric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("outcome", outcome),
	)
	r.calls.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)

	level := slog.LevelInfo
	switch outcome {
	case "fault":
		level = slog.LevelError
	case "invalid", "denied":
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "tool call finished",
		"tool", name,
		"outcome", outcome,
		"duration_ms", elapsed.Milliseconds(),
		"request_id", ctxutil.RequestID(ctx),
	)
}

// Outcome classifies a Dispatch error for logs and metrics: "ok",
// "not_found", "invalid", "denied" or "fault".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &ve):
		return "invalid"
	}
	if _, ok := capability.As(err); ok {
		return "denied"
	}
	return "fault"
}

func (d Descriptor) clone() Descriptor {
	d.InputSchema = slices.Clone(d.InputSchema)
	return d
}
