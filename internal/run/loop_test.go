package run

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nmullen/conductor/internal/checkpoint"
	"github.com/nmullen/conductor/internal/config"
	"github.com/nmullen/conductor/internal/events"
	"github.com/nmullen/conductor/internal/guardrail"
	"github.com/nmullen/conductor/internal/llm"
	"github.com/nmullen/conductor/internal/router"
	"github.com/nmullen/conductor/internal/tools"
)

// fakeGen scripts model responses. The last response repeats once the
// script is exhausted.
type fakeGen struct {
	mu        sync.Mutex
	responses []string
	calls     int
	block     bool
	backend   router.Backend
}

func newFakeGen(responses ...string) *fakeGen {
	return &fakeGen{
		responses: responses,
		backend:   router.Backend{Name: "primary", Model: "test-model"},
	}
}

func (f *fakeGen) Select() (*router.Backend, error) {
	b := f.backend
	return &b, nil
}

func (f *fakeGen) SelectFor(specialty string) (*router.Backend, error) {
	return f.Select()
}

func (f *fakeGen) GenerateWith(ctx context.Context, b *router.Backend, req llm.Request, cb llm.StreamCallback) (*llm.Response, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	text := f.responses[i]
	f.mu.Unlock()

	if cb != nil {
		// Deliver in two fragments to keep the streaming path honest.
		mid := len(text) / 2
		cb(text[:mid])
		cb(text[mid:])
	}
	return &llm.Response{Text: text, InputTokens: 10, OutputTokens: 5}, nil
}

// fakeInvoker returns a fixed result per tool name.
type fakeInvoker struct {
	mu      sync.Mutex
	results map[string]tools.Result
	calls   []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]any) tools.Result {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if res, ok := f.results[name]; ok {
		res.Tool = name
		return res
	}
	return tools.Result{Kind: tools.ResultOK, Tool: name, Payload: "done"}
}

func (f *fakeInvoker) List() []tools.Descriptor {
	return []tools.Descriptor{{Name: "exec", Description: "run a command"}}
}

// fakeSaver records checkpoint writes.
type fakeSaver struct {
	mu       sync.Mutex
	triggers []checkpoint.Trigger
	statuses []string
	seq      int
}

func (f *fakeSaver) Save(runID string, trigger checkpoint.Trigger, status string, turnCount int, state any) (*checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.triggers = append(f.triggers, trigger)
	f.statuses = append(f.statuses, status)
	return &checkpoint.Checkpoint{RunID: runID, Seq: f.seq, Trigger: trigger, TurnCount: turnCount}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return cfg
}

func newTestLoop(cfg *config.Config, gen Generator, inv Invoker, store Saver) *Loop {
	monitor := guardrail.New(
		cfg.Guardrails.MaxConsecutiveFailures,
		cfg.Guardrails.RepetitionWindow,
		cfg.Guardrails.RepetitionLimit,
		nil)
	return NewLoop(cfg, gen, inv, monitor, store, nil, nil)
}

func newTestRun(cfg *config.Config, task string) *Run {
	return &Run{
		ID:        "run-test",
		CreatedAt: time.Now(),
		Status:    StatusActive,
		Task:      task,
		Counters:  guardrail.NewCounters(cfg.Budgets.MaxTurns),
		Messages:  []llm.Message{{Role: "user", Content: task}},
	}
}

const execCall = `{"name": "exec", "arguments": {"command": "ls"}}`

func TestRunAnswersOnFirstTurn(t *testing.T) {
	cfg := testConfig()
	gen := newFakeGen("The answer is 42.")
	l := newTestLoop(cfg, gen, &fakeInvoker{}, nil)
	r := newTestRun(cfg, "what is the answer")

	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if r.Status != StatusCompleted || r.StopReason != StopAnswered {
		t.Errorf("status = %v/%v, want completed/Answered", r.Status, r.StopReason)
	}
	if r.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", r.TurnCount)
	}
	if r.Answer != "The answer is 42." {
		t.Errorf("Answer = %q", r.Answer)
	}
	if r.Reason == "" {
		t.Error("terminal run has no human-readable reason")
	}
}

func TestBudgetExceededAfterExactlyMaxTurns(t *testing.T) {
	cfg := testConfig()
	cfg.Budgets.MaxTurns = 10

	// The model calls a tool every turn and never answers.
	gen := newFakeGen("working on it " + execCall)
	l := newTestLoop(cfg, gen, &fakeInvoker{}, nil)
	r := newTestRun(cfg, "never finishes")
	r.Counters.TurnBudget = 10

	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if r.Status != StatusFailed {
		t.Errorf("Status = %v, want failed", r.Status)
	}
	if r.StopReason != StopBudgetExceeded {
		t.Errorf("StopReason = %v, want BudgetExceeded", r.StopReason)
	}
	if r.TurnCount != 10 {
		t.Errorf("TurnCount = %d, want exactly 10", r.TurnCount)
	}
	if len(r.Turns) != 10 {
		t.Errorf("len(Turns) = %d, want 10", len(r.Turns))
	}
}

func TestForceStopAfterThreeToolFailures(t *testing.T) {
	cfg := testConfig()
	gen := newFakeGen(
		"try 1 "+execCall,
		"try 2 "+execCall,
		"try 3 "+execCall,
		"I could not finish: the command keeps failing.")
	inv := &fakeInvoker{results: map[string]tools.Result{
		"exec": {Kind: tools.ResultError, Message: "exit 1"},
	}}
	l := newTestLoop(cfg, gen, inv, nil)
	r := newTestRun(cfg, "doomed task")

	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if r.Status != StatusCompleted || r.StopReason != StopForceStop {
		t.Errorf("status = %v/%v, want completed/ForceStop", r.Status, r.StopReason)
	}
	// Stopped on the third failure: exactly 3 turns, no 4th tool attempt.
	if r.TurnCount != 3 {
		t.Errorf("TurnCount = %d, want 3", r.TurnCount)
	}
	if got := len(inv.calls); got != 3 {
		t.Errorf("tool invoked %d times, want 3", got)
	}
	if !strings.Contains(r.Answer, "could not finish") {
		t.Errorf("Answer = %q, want the explanation turn's text", r.Answer)
	}
	last := r.Turns[len(r.Turns)-1]
	if last.Verdict.Verdict != guardrail.VerdictForceStop {
		t.Errorf("final verdict = %v", last.Verdict.Verdict)
	}
}

func TestParseErrorFeedsCorrectionBack(t *testing.T) {
	cfg := testConfig()
	gen := newFakeGen(
		`let me try {"name": 42, "arguments": {}}`,
		"Fine, here is the answer without tools.")
	l := newTestLoop(cfg, gen, &fakeInvoker{}, nil)
	r := newTestRun(cfg, "task")

	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if r.Status != StatusCompleted {
		t.Fatalf("Status = %v, want completed", r.Status)
	}
	if r.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", r.TurnCount)
	}
	if len(r.Turns[0].ParseErrors) != 1 {
		t.Fatalf("ParseErrors = %v, want one entry", r.Turns[0].ParseErrors)
	}

	var sawCorrection bool
	for _, m := range r.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "could not be parsed") {
			sawCorrection = true
		}
	}
	if !sawCorrection {
		t.Error("no correction observation was fed back to the model")
	}
}

func TestCheckpointCadence(t *testing.T) {
	cfg := testConfig()
	cfg.Budgets.MaxTurns = 5
	cfg.Budgets.CheckpointEvery = 2

	gen := newFakeGen("loop " + execCall)
	saver := &fakeSaver{}
	l := newTestLoop(cfg, gen, &fakeInvoker{}, saver)
	r := newTestRun(cfg, "task")
	r.Counters.TurnBudget = 5

	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Periodic snapshots at turns 2 and 4, then one immediately on the
	// budget-exceeded failure.
	want := []checkpoint.Trigger{
		checkpoint.TriggerPeriodic,
		checkpoint.TriggerPeriodic,
		checkpoint.TriggerFailure,
	}
	if len(saver.triggers) != len(want) {
		t.Fatalf("triggers = %v, want %v", saver.triggers, want)
	}
	for i := range want {
		if saver.triggers[i] != want[i] {
			t.Errorf("triggers[%d] = %v, want %v", i, saver.triggers[i], want[i])
		}
	}
	if saver.statuses[2] != string(StatusFailed) {
		t.Errorf("failure checkpoint status = %q", saver.statuses[2])
	}
}

func TestWallClockDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Budgets.MaxWallClockSec = 1

	gen := newFakeGen("never used")
	gen.block = true
	l := newTestLoop(cfg, gen, &fakeInvoker{}, nil)
	r := newTestRun(cfg, "slow task")

	start := time.Now()
	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if r.Status != StatusFailed || r.StopReason != StopDeadlineExceeded {
		t.Errorf("status = %v/%v, want failed/DeadlineExceeded", r.Status, r.StopReason)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("deadline took %v to fire", elapsed)
	}
}

func TestTransitionsLoggedInOrder(t *testing.T) {
	cfg := testConfig()
	gen := newFakeGen("use the tool "+execCall, "all done")
	l := newTestLoop(cfg, gen, &fakeInvoker{}, nil)
	r := newTestRun(cfg, "task")

	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantFirst := []Phase{PhaseThinking, PhaseDeciding, PhaseActing, PhaseObserving}
	got := r.Turns[0].Transitions
	if len(got) != len(wantFirst) {
		t.Fatalf("turn 1 transitions = %v", got)
	}
	for i, p := range wantFirst {
		if got[i].Phase != p {
			t.Errorf("turn 1 transition %d = %v, want %v", i, got[i].Phase, p)
		}
	}

	wantLast := []Phase{PhaseThinking, PhaseDeciding, PhaseAnswering, PhaseDone}
	got = r.Turns[1].Transitions
	if len(got) != len(wantLast) {
		t.Fatalf("turn 2 transitions = %v", got)
	}
	for i, p := range wantLast {
		if got[i].Phase != p {
			t.Errorf("turn 2 transition %d = %v, want %v", i, got[i].Phase, p)
		}
	}
}

func TestToolEventsCarryResultKind(t *testing.T) {
	cfg := testConfig()
	gen := newFakeGen("use the tool "+execCall, "all done")
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	monitor := guardrail.New(3, 6, 4, nil)
	l := NewLoop(cfg, gen, &fakeInvoker{}, monitor, nil, bus, nil)
	r := newTestRun(cfg, "task")

	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var kinds []string
	for drained := false; !drained; {
		select {
		case e := <-ch:
			if e.Kind == events.KindToolDone {
				k, _ := e.Data["kind"].(string)
				kinds = append(kinds, k)
			}
		default:
			drained = true
		}
	}
	if len(kinds) != 1 || kinds[0] != string(tools.ResultOK) {
		t.Errorf("tool_done kinds = %v, want [ok]", kinds)
	}
}

func TestBudgetNudgeReachesPrompt(t *testing.T) {
	cfg := testConfig()
	cfg.Budgets.MaxTurns = 4

	gen := newFakeGen("still going " + execCall)
	l := newTestLoop(cfg, gen, &fakeInvoker{}, nil)
	r := newTestRun(cfg, "task")
	r.Counters.TurnBudget = 4

	if err := l.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The 50% nudge fires after turn 2 and must appear in some later
	// turn's verdict.
	var nudged bool
	for _, turn := range r.Turns {
		for _, n := range turn.Verdict.Nudges {
			if strings.Contains(n, "turns") {
				nudged = true
			}
		}
	}
	if !nudged {
		t.Error("no budget nudge recorded across the run")
	}
}
