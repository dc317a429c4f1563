package run

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmullen/conductor/internal/checkpoint"
	"github.com/nmullen/conductor/internal/config"
	"github.com/nmullen/conductor/internal/guardrail"
	"github.com/nmullen/conductor/internal/llm"
)

// Resumer is the slice of the checkpoint store the manager needs to
// reconstruct interrupted runs.
type Resumer interface {
	Latest(runID string) (*checkpoint.Checkpoint, error)
	Count(runID string) (int, error)
}

// Manager owns run lifecycles: it starts loop goroutines, tracks
// their progress through per-turn snapshots, and handles cancellation
// and resumption. All exported methods are safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	loop   *Loop
	store  Resumer
	logger *slog.Logger

	mu      sync.RWMutex
	active  map[string]*handle
	records map[string]Run
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. store may be nil, which disables resume.
func NewManager(cfg *config.Config, loop *Loop, store Resumer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		loop:    loop,
		store:   store,
		logger:  logger,
		active:  make(map[string]*handle),
		records: make(map[string]Run),
	}
	loop.OnTurn = m.record
	return m
}

// StartRun creates a run for the task and begins executing it on its
// own goroutine. The returned snapshot reflects the run at creation.
func (m *Manager) StartRun(task, plan, specialty string) (Run, error) {
	if task == "" {
		return Run{}, fmt.Errorf("task must not be empty")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Run{}, fmt.Errorf("generate run id: %w", err)
	}

	r := &Run{
		ID:        id.String(),
		CreatedAt: time.Now().UTC(),
		Status:    StatusActive,
		Task:      task,
		Plan:      plan,
		Specialty: specialty,
		Counters:  guardrail.NewCounters(m.cfg.Budgets.MaxTurns),
		Messages:  []llm.Message{{Role: "user", Content: task}},
	}
	m.logger.Info("run starting", "run_id", r.ID, "task_len", len(task))
	if err := m.start(r); err != nil {
		return Run{}, err
	}
	return m.snapshot(r.ID), nil
}

// ResumeRun reconstructs a run from its latest checkpoint and
// continues executing it. The returned snapshot reports how many
// turns and checkpoints were recovered.
func (m *Manager) ResumeRun(runID string) (Run, error) {
	if m.store == nil {
		return Run{}, fmt.Errorf("no checkpoint store configured")
	}

	// Fast path only: the authoritative already-active check happens in
	// start, atomically with registration, so concurrent resumes of the
	// same run activate exactly one loop.
	m.mu.RLock()
	_, isActive := m.active[runID]
	m.mu.RUnlock()
	if isActive {
		return Run{}, fmt.Errorf("run %s is already active", runID)
	}

	cp, err := m.store.Latest(runID)
	if err != nil {
		return Run{}, fmt.Errorf("load checkpoint for %s: %w", runID, err)
	}
	var r Run
	if err := cp.Decode(&r); err != nil {
		return Run{}, fmt.Errorf("decode checkpoint %s/%d: %w", runID, cp.Seq, err)
	}
	count, err := m.store.Count(runID)
	if err != nil {
		return Run{}, fmt.Errorf("count checkpoints for %s: %w", runID, err)
	}

	if r.Status == StatusCompleted {
		return Run{}, fmt.Errorf("run %s already completed", runID)
	}
	r.Status = StatusActive
	r.StopReason = ""
	r.Reason = ""
	r.RecoveredTurns = r.TurnCount
	r.RecoveredCheckpoints = count
	if r.Counters == nil {
		r.Counters = guardrail.NewCounters(m.cfg.Budgets.MaxTurns)
	}
	// The turn budget may have been reconfigured since the checkpoint.
	r.Counters.TurnBudget = m.cfg.Budgets.MaxTurns

	m.logger.Info("run resuming",
		"run_id", runID,
		"recovered_turns", r.RecoveredTurns,
		"recovered_checkpoints", r.RecoveredCheckpoints,
		"checkpoint_seq", cp.Seq)
	if err := m.start(&r); err != nil {
		return Run{}, err
	}
	return m.snapshot(runID), nil
}

// start registers the run and launches its loop goroutine. The check
// and the registration happen under one write lock so two callers can
// never drive the same run concurrently, whatever raced before the
// call.
func (m *Manager) start(r *Run) error {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.active[r.ID]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("run %s is already active", r.ID)
	}
	m.active[r.ID] = h
	m.records[r.ID] = snapshotRun(r)
	m.mu.Unlock()

	go func() {
		defer cancel()
		if err := m.loop.Execute(ctx, r); err != nil {
			m.logger.Error("run loop error", "run_id", r.ID, "error", err)
		}
		m.mu.Lock()
		m.records[r.ID] = snapshotRun(r)
		delete(m.active, r.ID)
		m.mu.Unlock()
		close(h.done)
	}()
	return nil
}

// CancelRun requests cancellation of an active run. The loop observes
// the cancellation at its next suspension point; in-flight tool calls
// get the configured grace period before being abandoned.
func (m *Manager) CancelRun(runID string) error {
	m.mu.RLock()
	h, ok := m.active[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run %s is not active", runID)
	}
	m.logger.Info("run cancellation requested", "run_id", runID)
	h.cancel()
	return nil
}

// Get returns the latest snapshot of a run.
func (m *Manager) Get(runID string) (Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[runID]
	return r, ok
}

// List returns snapshots of all known runs, newest first.
func (m *Manager) List() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of runs currently executing.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Wait blocks until the run's loop goroutine exits. Returns false if
// the run is not active.
func (m *Manager) Wait(runID string) bool {
	m.mu.RLock()
	h, ok := m.active[runID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	<-h.done
	return true
}

// Shutdown cancels every active run and waits for the loops to
// record their interrupted state, bounded by the context.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	handles := make([]*handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return
		}
	}
}

// record stores a fresh snapshot. Installed as the loop's per-turn hook.
func (m *Manager) record(r *Run) {
	m.mu.Lock()
	m.records[r.ID] = snapshotRun(r)
	m.mu.Unlock()
}

// snapshot returns the stored copy for the given id.
func (m *Manager) snapshot(runID string) Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[runID]
}

// snapshotRun copies the run deeply enough that readers never observe
// the loop goroutine's in-place mutations.
func snapshotRun(r *Run) Run {
	cp := *r
	cp.Turns = append([]Turn(nil), r.Turns...)
	cp.Messages = append([]llm.Message(nil), r.Messages...)
	cp.PendingNudges = append([]string(nil), r.PendingNudges...)
	if r.Counters != nil {
		c := *r.Counters
		c.RecentTools = append([]string(nil), r.Counters.RecentTools...)
		cp.Counters = &c
	}
	return cp
}
