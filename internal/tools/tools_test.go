package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(2*time.Second, 100*time.Millisecond, nil)
}

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	err := r.Register(echoTool("echo"))
	var dup *DuplicateToolError
	if !errors.As(err, &dup) {
		t.Fatalf("second Register = %v, want DuplicateToolError", err)
	}
	if dup.ToolName != "echo" {
		t.Errorf("ToolName = %q", dup.ToolName)
	}

	// First registration wins: the original handler must survive.
	res := r.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	if res.Kind != ResultOK || res.Payload != "hi" {
		t.Errorf("Invoke after duplicate register = %+v", res)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve("nope")
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("Resolve = %v, want UnknownToolError", err)
	}
}

func TestInvokeUnknownToolIsInvalid(t *testing.T) {
	r := newTestRegistry(t)

	res := r.Invoke(context.Background(), "nope", nil)
	if res.Kind != ResultInvalid {
		t.Errorf("Kind = %v, want invalid", res.Kind)
	}
}

func TestValidationNeverInvokesHandler(t *testing.T) {
	r := newTestRegistry(t)

	invoked := false
	err := r.Register(&Tool{
		Name: "strict",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []any{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			invoked = true
			return "should not happen", nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Missing required field.
	res := r.Invoke(context.Background(), "strict", map[string]any{"other": 1})
	if res.Kind != ResultInvalid {
		t.Fatalf("Kind = %v, want invalid", res.Kind)
	}
	if invoked {
		t.Fatal("handler was invoked on schema-invalid arguments")
	}

	// Wrong type for declared field.
	res = r.Invoke(context.Background(), "strict", map[string]any{"path": 42.0})
	if res.Kind != ResultInvalid {
		t.Fatalf("Kind = %v, want invalid", res.Kind)
	}
	if invoked {
		t.Fatal("handler was invoked on schema-invalid arguments")
	}
}

func TestInvokeHandlerError(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(&Tool{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Invoke(context.Background(), "broken", nil)
	if res.Kind != ResultError {
		t.Errorf("Kind = %v, want error", res.Kind)
	}
	if !strings.Contains(res.Message, "disk on fire") {
		t.Errorf("Message = %q", res.Message)
	}
	if !res.Failed() {
		t.Error("handler error must count as a failure")
	}
}

func TestInvokeTimeout(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(&Tool{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	start := time.Now()
	res := r.Invoke(context.Background(), "slow", nil)
	if res.Kind != ResultTimeout {
		t.Errorf("Kind = %v, want timeout", res.Kind)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Invoke took %v, timeout did not bound the call", elapsed)
	}
	if !res.Failed() {
		t.Error("timeout must count as a failure")
	}
}

func TestInvokeCancellation(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(&Tool{
		Name:    "stubborn",
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			// Ignores cancellation entirely.
			time.Sleep(5 * time.Second)
			return "done", nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := r.Invoke(ctx, "stubborn", nil)
	if res.Kind != ResultTimeout {
		t.Errorf("Kind = %v, want timeout (cancellation is a timeout result, not a disappearance)", res.Kind)
	}
	// Bounded by cancel + grace, not the handler's sleep.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, grace period did not bound it", elapsed)
	}
}

func TestValidationRejectionIsNotAFailure(t *testing.T) {
	res := Result{Kind: ResultInvalid}
	if res.Failed() {
		t.Error("validation rejections must not trip the circuit breaker")
	}
}
