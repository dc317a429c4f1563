// Package tools provides the tool registry and execution framework.
//
// Tools are resolved by name lookup against a registry populated once
// at startup (plus explicit registration for late-added tools). Every
// invocation validates its arguments against the tool's declared JSON
// schema before the handler runs: a schema violation produces a
// validation result and the handler is never invoked, so side effects
// cannot occur on invalid input.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes a tool call. The returned string is the observation
// fed back to the model. Handlers must honor ctx cancellation; those
// that do not are abandoned after a grace period and recorded as
// timed out.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string

	// Parameters is a JSON Schema (draft 2020-12 subset) describing
	// the argument object. Compiled once at registration.
	Parameters map[string]any

	// Timeout bounds one invocation. Zero uses the registry default.
	Timeout time.Duration

	Handler Handler
}

// ResultKind tags a tool invocation outcome. Failure is data, not a
// thrown signal: the agent loop folds these into turn records and the
// guardrail monitor counts them.
type ResultKind string

const (
	// ResultOK carries the handler's payload.
	ResultOK ResultKind = "ok"
	// ResultError is a handler failure.
	ResultError ResultKind = "error"
	// ResultTimeout means the call's deadline fired (or the run was
	// cancelled) before the handler finished.
	ResultTimeout ResultKind = "timeout"
	// ResultInvalid means the arguments failed schema validation or
	// the tool does not exist; the handler was never invoked.
	ResultInvalid ResultKind = "invalid"
)

// Result is the tagged outcome of one tool invocation. It is never
// coerced to a different kind after creation.
type Result struct {
	Kind     ResultKind    `json:"kind"`
	Tool     string        `json:"tool"`
	Payload  string        `json:"payload,omitempty"`
	Message  string        `json:"message,omitempty"` // error detail for non-ok kinds
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the result should count against the circuit
// breaker. Validation rejections are model mistakes, not tool
// failures, and are excluded.
func (r Result) Failed() bool {
	return r.Kind == ResultError || r.Kind == ResultTimeout
}

// Registry holds available tools. Safe for concurrent use: runs share
// one registry read-mostly, registration happens at startup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema

	defaultTimeout time.Duration
	cancelGrace    time.Duration
	logger         *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(defaultTimeout, cancelGrace time.Duration, logger *slog.Logger) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	if cancelGrace <= 0 {
		cancelGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:          make(map[string]*Tool),
		schemas:        make(map[string]*jsonschema.Schema),
		defaultTimeout: defaultTimeout,
		cancelGrace:    cancelGrace,
		logger:         logger,
	}
}

// Register adds a tool. Returns DuplicateToolError if the name is
// taken; the existing registration is kept.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register: tool has no name")
	}

	var schema *jsonschema.Schema
	if t.Parameters != nil {
		compiled, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return &DuplicateToolError{ToolName: t.Name}
	}
	r.tools[t.Name] = t
	if schema != nil {
		r.schemas[t.Name] = schema
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "tool:///" + name + ".json"
	if err := c.AddResource(url, params); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// Resolve returns the named tool, or UnknownToolError.
func (r *Registry) Resolve(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{ToolName: name}
	}
	return t, nil
}

// List returns tool descriptors sorted for prompt building.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// List returns descriptors for all registered tools.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

// Invoke validates args against the tool's schema and runs the
// handler under its timeout. The result is always a tagged Result;
// Invoke itself never returns an error to the caller.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	start := time.Now()

	tool, err := r.Resolve(name)
	if err != nil {
		return Result{
			Kind:     ResultInvalid,
			Tool:     name,
			Message:  err.Error(),
			Duration: time.Since(start),
		}
	}

	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if args == nil {
		args = map[string]any{}
	}
	if schema != nil {
		if err := schema.Validate(anyMap(args)); err != nil {
			return Result{
				Kind:     ResultInvalid,
				Tool:     name,
				Message:  fmt.Sprintf("arguments rejected by schema: %v", err),
				Duration: time.Since(start),
			}
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerOut struct {
		payload string
		err     error
	}
	done := make(chan handlerOut, 1)
	go func() {
		payload, err := tool.Handler(callCtx, args)
		done <- handlerOut{payload, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{
				Kind:     ResultError,
				Tool:     name,
				Message:  out.err.Error(),
				Duration: time.Since(start),
			}
		}
		return Result{
			Kind:     ResultOK,
			Tool:     name,
			Payload:  out.payload,
			Duration: time.Since(start),
		}

	case <-callCtx.Done():
		// Give a cooperative handler a bounded grace period to notice
		// cancellation. A handler that ignores it is abandoned; the
		// result is a timeout either way so the turn record and the
		// checkpoint history stay consistent.
		graceTimer := time.NewTimer(r.cancelGrace)
		defer graceTimer.Stop()
		select {
		case <-done:
		case <-graceTimer.C:
			r.logger.Warn("tool handler ignored cancellation, abandoning",
				"tool", name, "grace", r.cancelGrace)
		}
		return Result{
			Kind:     ResultTimeout,
			Tool:     name,
			Message:  fmt.Sprintf("tool %s cancelled: %v", name, callCtx.Err()),
			Duration: time.Since(start),
		}
	}
}

// anyMap converts map[string]any to the plain any the schema
// validator expects, keeping the call site readable.
func anyMap(m map[string]any) any {
	return map[string]any(m)
}
