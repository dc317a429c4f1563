// Package router selects a live model backend from a configured
// fallback chain, tracking per-backend health and cooldowns.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nmullen/conductor/internal/config"
	"github.com/nmullen/conductor/internal/events"
	"github.com/nmullen/conductor/internal/llm"
)

// Backend is one configured model provider in the fallback chain.
type Backend struct {
	Name      string
	Model     string
	Specialty string // e.g. "coding"; empty for general-purpose
	Client    llm.Client

	InputUSDPerMTok  float64
	OutputUSDPerMTok float64
}

// Cost returns the dollar cost of a call with the given token counts.
func (b *Backend) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*b.InputUSDPerMTok/1e6 +
		float64(outputTokens)*b.OutputUSDPerMTok/1e6
}

// Status is a backend's health state.
type Status int

const (
	StatusAvailable Status = iota
	StatusCoolingDown
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusCoolingDown:
		return "cooling-down"
	case StatusDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ProviderState is a read-only snapshot of one backend's health.
// Only the router mutates the underlying record.
type ProviderState struct {
	Name          string        `json:"name"`
	Model         string        `json:"model"`
	Specialty     string        `json:"specialty,omitempty"`
	Status        string        `json:"status"`
	CooldownUntil time.Time     `json:"cooldown_until,omitzero"`
	LastErrorKind llm.ErrorKind `json:"-"`
	LastError     string        `json:"last_error,omitempty"`
}

// NoProviderAvailableError is returned when every backend in the
// chain is cooling down or disabled.
type NoProviderAvailableError struct {
	Specialty string
}

func (e *NoProviderAvailableError) Error() string {
	if e.Specialty != "" {
		return fmt.Sprintf("no provider available for specialty %q", e.Specialty)
	}
	return "no provider available"
}

// entry pairs a backend with its mutable health record.
type entry struct {
	backend Backend
	status  Status
	until   time.Time
	kind    llm.ErrorKind
	lastErr string
}

// Router walks the fallback chain and manages cooldowns. Safe for
// concurrent use; health records are single-writer through the
// router's own methods.
type Router struct {
	logger        *slog.Logger
	cooldowns     config.CooldownConfig
	probeInterval time.Duration
	maxAttempts   int
	now           func() time.Time
	bus           *events.Bus

	mu      sync.RWMutex
	entries []*entry
}

// New creates a Router over the given chain. Order is priority order:
// the first backend is the primary.
func New(logger *slog.Logger, cooldowns config.CooldownConfig, backends []Backend) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	probe := time.Duration(cooldowns.ProbeIntervalSec) * time.Second
	if probe <= 0 {
		probe = 15 * time.Second
	}
	r := &Router{
		logger:        logger,
		cooldowns:     cooldowns,
		probeInterval: probe,
		maxAttempts:   3,
		now:           time.Now,
	}
	for _, b := range backends {
		r.entries = append(r.entries, &entry{backend: b})
	}
	return r
}

// SetBus attaches an event bus for health transition events. Optional;
// the bus is nil-safe.
func (r *Router) SetBus(bus *events.Bus) {
	r.bus = bus
}

// SetMaxAttempts bounds how many backends one Generate call may try
// before giving up. Values below 1 are ignored; the default is 3.
func (r *Router) SetMaxAttempts(n int) {
	if n > 0 {
		r.maxAttempts = n
	}
}

// Select returns the primary backend, or the first available fallback
// if the primary is cooling down or disabled. A backend whose cooldown
// has expired stays unavailable until a recovery probe succeeds.
func (r *Router) Select() (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.status == StatusAvailable {
			b := e.backend
			return &b, nil
		}
	}
	return nil, &NoProviderAvailableError{}
}

// SelectFor returns an available backend matching the given specialty,
// falling back to the regular chain when no specialist is live. The
// caller is responsible for restoring its originally pinned backend
// once the specialized request completes.
func (r *Router) SelectFor(specialty string) (*Backend, error) {
	if specialty == "" {
		return r.Select()
	}

	r.mu.RLock()
	for _, e := range r.entries {
		if e.status == StatusAvailable && e.backend.Specialty == specialty {
			b := e.backend
			r.mu.RUnlock()
			return &b, nil
		}
	}
	r.mu.RUnlock()

	return r.Select()
}

// States returns a snapshot of every backend's health.
func (r *Router) States() []ProviderState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderState, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, ProviderState{
			Name:          e.backend.Name,
			Model:         e.backend.Model,
			Specialty:     e.backend.Specialty,
			Status:        e.status.String(),
			CooldownUntil: e.until,
			LastErrorKind: e.kind,
			LastError:     e.lastErr,
		})
	}
	return out
}

// ReportFailure classifies the error and puts the backend into
// cooldown for the kind's configured duration.
func (r *Router) ReportFailure(name string, err error) {
	kind := llm.ClassifyError(err)
	d := r.cooldownFor(kind)

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(name)
	if e == nil {
		return
	}
	e.status = StatusCoolingDown
	e.until = r.now().Add(d)
	e.kind = kind
	e.lastErr = err.Error()

	r.logger.Warn("backend cooling down",
		"backend", name,
		"kind", kind.String(),
		"cooldown", d,
		"error", err)
	r.bus.Emit(events.SourceRouter, events.KindProviderState, map[string]any{
		"backend":    name,
		"status":     StatusCoolingDown.String(),
		"error_kind": kind.String(),
	})
}

// ReportSuccess marks the backend available and clears its error record.
func (r *Router) ReportSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(name)
	if e == nil || e.status == StatusDisabled {
		return
	}
	if e.status != StatusAvailable {
		r.logger.Info("backend recovered", "backend", name)
		r.bus.Emit(events.SourceRouter, events.KindProviderState, map[string]any{
			"backend": name,
			"status":  StatusAvailable.String(),
		})
	}
	e.status = StatusAvailable
	e.until = time.Time{}
	e.kind = llm.KindUnknown
	e.lastErr = ""
}

// Disable takes a backend out of rotation until Enable is called.
func (r *Router) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(name); e != nil {
		e.status = StatusDisabled
	}
}

// Enable returns a disabled backend to rotation.
func (r *Router) Enable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(name); e != nil && e.status == StatusDisabled {
		e.status = StatusAvailable
	}
}

// find returns the entry for name. Caller holds r.mu.
func (r *Router) find(name string) *entry {
	for _, e := range r.entries {
		if e.backend.Name == name {
			return e
		}
	}
	return nil
}

// cooldownFor maps an error kind to its configured cooldown duration.
func (r *Router) cooldownFor(kind llm.ErrorKind) time.Duration {
	sec := 0
	switch kind {
	case llm.KindRateLimited:
		sec = r.cooldowns.RateLimitedSec
	case llm.KindServerError:
		sec = r.cooldowns.ServerErrorSec
	case llm.KindTimeout:
		sec = r.cooldowns.TimeoutSec
	case llm.KindAuthError:
		sec = r.cooldowns.AuthErrorSec
	case llm.KindQuotaExhausted:
		sec = r.cooldowns.QuotaExhaustedSec
	default:
		sec = r.cooldowns.UnknownSec
	}
	if sec <= 0 {
		sec = 30
	}
	return time.Duration(sec) * time.Second
}

// RunProber periodically re-probes backends whose cooldown has
// expired and returns them to rotation on a successful ping. It
// blocks until ctx is cancelled, so run it on its own goroutine.
func (r *Router) RunProber(ctx context.Context) {
	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeExpired(ctx)
		}
	}
}

// ProbeExpired pings every backend whose cooldown has lapsed. Exposed
// separately from RunProber so callers and tests can force a pass.
func (r *Router) ProbeExpired(ctx context.Context) {
	r.mu.RLock()
	var due []Backend
	now := r.now()
	for _, e := range r.entries {
		if e.status == StatusCoolingDown && now.After(e.until) {
			due = append(due, e.backend)
		}
	}
	r.mu.RUnlock()

	for _, b := range due {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := b.Client.Ping(probeCtx)
		cancel()
		if err != nil {
			r.logger.Debug("recovery probe failed", "backend", b.Name, "error", err)
			r.ReportFailure(b.Name, err)
			continue
		}
		r.ReportSuccess(b.Name)
	}
}

// Generate picks a backend and performs the call, reporting the
// outcome and walking the fallback chain on failure, bounded by the
// attempt limit. Returns the response together with the backend that
// produced it.
func (r *Router) Generate(ctx context.Context, req llm.Request) (*llm.Response, *Backend, error) {
	return r.generate(ctx, req, nil)
}

// GenerateStream is Generate with streamed fragments.
func (r *Router) GenerateStream(ctx context.Context, req llm.Request, cb llm.StreamCallback) (*llm.Response, *Backend, error) {
	return r.generate(ctx, req, cb)
}

// GenerateWith performs the call against a specific backend, still
// reporting the outcome into the health table. Used when a run has a
// pinned backend or a specialist substitution in effect.
func (r *Router) GenerateWith(ctx context.Context, b *Backend, req llm.Request, cb llm.StreamCallback) (*llm.Response, error) {
	if req.Model == "" {
		req.Model = b.Model
	}

	var resp *llm.Response
	var err error
	if cb != nil {
		resp, err = b.Client.GenerateStream(ctx, req, cb)
	} else {
		resp, err = b.Client.Generate(ctx, req)
	}
	if err != nil {
		// A user-initiated cancellation is not the backend's fault.
		if !errors.Is(ctx.Err(), context.Canceled) {
			r.ReportFailure(b.Name, err)
		}
		return nil, err
	}
	r.ReportSuccess(b.Name)
	return resp, nil
}

func (r *Router) generate(ctx context.Context, req llm.Request, cb llm.StreamCallback) (*llm.Response, *Backend, error) {
	var lastErr error
	tried := make(map[string]bool)

	for {
		if len(tried) >= r.maxAttempts {
			return nil, nil, fmt.Errorf("gave up after %d backends, last error: %w", len(tried), lastErr)
		}
		b, err := r.Select()
		if err != nil {
			if lastErr != nil {
				return nil, nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
			}
			return nil, nil, err
		}
		if tried[b.Name] {
			// Select keeps returning a backend we already failed on
			// this attempt; nothing further to try.
			return nil, nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
		}
		tried[b.Name] = true

		resp, err := r.GenerateWith(ctx, b, req, cb)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			continue
		}
		return resp, b, nil
	}
}
