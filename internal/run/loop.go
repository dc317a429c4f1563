package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nmullen/conductor/internal/checkpoint"
	"github.com/nmullen/conductor/internal/config"
	"github.com/nmullen/conductor/internal/decoder"
	"github.com/nmullen/conductor/internal/events"
	"github.com/nmullen/conductor/internal/guardrail"
	"github.com/nmullen/conductor/internal/llm"
	"github.com/nmullen/conductor/internal/router"
	"github.com/nmullen/conductor/internal/tools"
)

// Generator is the slice of the provider router the loop needs.
type Generator interface {
	Select() (*router.Backend, error)
	SelectFor(specialty string) (*router.Backend, error)
	GenerateWith(ctx context.Context, b *router.Backend, req llm.Request, cb llm.StreamCallback) (*llm.Response, error)
}

// Invoker is the slice of the tool registry the loop needs.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) tools.Result
	List() []tools.Descriptor
}

// Saver persists run snapshots. A nil Saver disables checkpointing.
type Saver interface {
	Save(runID string, trigger checkpoint.Trigger, status string, turnCount int, state any) (*checkpoint.Checkpoint, error)
}

// Loop executes runs. One Loop serves many runs concurrently; all
// per-run mutable state lives on the Run itself.
type Loop struct {
	cfg      *config.Config
	gen      Generator
	registry Invoker
	monitor  *guardrail.Monitor
	store    Saver
	bus      *events.Bus
	logger   *slog.Logger

	// OnTurn, if set, is called after every completed turn with the
	// run in a consistent state. Used by the manager for snapshots.
	OnTurn func(*Run)
}

// NewLoop wires a loop from its collaborators. bus and store may be nil.
func NewLoop(cfg *config.Config, gen Generator, registry Invoker, monitor *guardrail.Monitor, store Saver, bus *events.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		gen:      gen,
		registry: registry,
		monitor:  monitor,
		store:    store,
		bus:      bus,
		logger:   logger,
	}
}

// Execute drives the run until it reaches a terminal status. It
// returns the error that terminated the run abnormally, or nil when
// the run concluded through the state machine (including failures the
// run itself records, like a blown budget).
func (l *Loop) Execute(ctx context.Context, r *Run) error {
	deadline := time.Duration(l.cfg.Budgets.MaxWallClockSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if r.Backend == "" {
		b, err := l.gen.Select()
		if err != nil {
			l.fail(r, StopNoProvider, err.Error())
			return nil
		}
		r.Backend = b.Name
	}

	l.bus.Emit(events.SourceRun, events.KindRunStart, map[string]any{
		"run_id":   r.ID,
		"task_len": len(r.Task),
		"backend":  r.Backend,
	})
	start := time.Now()

	for !r.Terminal() && r.TurnCount < l.cfg.Budgets.MaxTurns {
		if err := l.turn(ctx, r); err != nil {
			l.handleTurnError(r, err)
		}
	}

	// The turn budget is a hard ceiling: a run that is still active
	// after the final turn fails, it does not get one more chance.
	if !r.Terminal() {
		l.fail(r, StopBudgetExceeded,
			fmt.Sprintf("turn budget of %d exhausted without a final answer", l.cfg.Budgets.MaxTurns))
	}

	switch r.Status {
	case StatusFailed:
		l.checkpointNow(r, checkpoint.TriggerFailure)
	case StatusInterrupted:
		l.checkpointNow(r, checkpoint.TriggerInterrupted)
	}

	l.bus.Emit(events.SourceRun, events.KindRunComplete, map[string]any{
		"run_id":           r.ID,
		"status":           string(r.Status),
		"stop_reason":      string(r.StopReason),
		"turns":            r.TurnCount,
		"total_tokens_in":  r.TotalTokensIn,
		"total_tokens_out": r.TotalTokensOut,
		"total_cost_usd":   r.TotalCostUSD,
		"elapsed_ms":       time.Since(start).Milliseconds(),
	})
	l.logger.Info("run finished",
		"run_id", r.ID,
		"status", r.Status,
		"stop_reason", r.StopReason,
		"turns", r.TurnCount)
	return nil
}

// turn executes one Think/Decide/Act/Observe cycle.
func (l *Loop) turn(ctx context.Context, r *Run) error {
	t := Turn{Index: r.TurnCount + 1, StartedAt: time.Now()}
	r.TurnCount++
	defer func() {
		t.Duration = time.Since(t.StartedAt)
		r.Turns = append(r.Turns, t)
		l.maybeCheckpoint(r)
		if l.OnTurn != nil {
			l.OnTurn(r)
		}
	}()

	l.bus.Emit(events.SourceRun, events.KindTurnStart, map[string]any{
		"run_id": r.ID, "turn": t.Index,
	})

	// Thinking: one model call, streamed through the decoder.
	t.enter(PhaseThinking)
	dec := decoder.New()
	resp, backend, err := l.generate(ctx, r, &t, func(fragment string) {
		dec.Feed(fragment)
	})
	if err != nil {
		return err
	}
	t.Backend = backend.Name
	t.Output = resp.Text
	t.TokensIn = resp.InputTokens
	t.TokensOut = resp.OutputTokens
	t.CostUSD = backend.Cost(resp.InputTokens, resp.OutputTokens)
	r.TotalTokensIn += resp.InputTokens
	r.TotalTokensOut += resp.OutputTokens
	r.TotalCostUSD += t.CostUSD
	r.Messages = append(r.Messages, llm.Message{Role: "assistant", Content: resp.Text})

	// Deciding: drain the decoder.
	t.enter(PhaseDeciding)
	decoded, prose := dec.Finish()
	t.Prose = prose
	calls := t.recordCalls(decoded)

	// A turn with no tool calls and no parse errors is the final answer.
	if len(calls) == 0 && len(t.ParseErrors) == 0 {
		t.enter(PhaseAnswering)
		r.Answer = prose
		r.finish(StatusCompleted, StopAnswered, "model produced a final answer")
		t.enter(PhaseDone)
		return nil
	}

	// Parse errors go back to the model as corrections; they are not
	// tool failures and do not touch the guardrail counters.
	for _, reason := range t.ParseErrors {
		r.Messages = append(r.Messages, llm.Message{
			Role:    "tool",
			Content: "A tool call in your previous output could not be parsed: " + reason + ". Re-emit it as a single JSON object with \"name\" and \"arguments\".",
		})
	}

	// Acting: dispatch calls sequentially in source order.
	t.enter(PhaseActing)
	for _, call := range calls {
		l.bus.Emit(events.SourceRun, events.KindToolCall, map[string]any{
			"run_id": r.ID, "turn": t.Index, "tool": call.Name,
		})
		res := l.registry.Invoke(ctx, call.Name, call.Arguments)
		t.Results = append(t.Results, res)
		l.bus.Emit(events.SourceRun, events.KindToolDone, map[string]any{
			"run_id":      r.ID,
			"turn":        t.Index,
			"tool":        call.Name,
			"kind":        string(res.Kind),
			"duration_ms": res.Duration.Milliseconds(),
		})
		if ctx.Err() != nil {
			break
		}
	}

	// Observing: fold results into the conversation.
	t.enter(PhaseObserving)
	for _, res := range t.Results {
		r.Messages = append(r.Messages, llm.Message{Role: "tool", Content: observationText(res)})
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Guardrails run once per turn, after observing.
	r.Counters.TurnsUsed = r.TurnCount
	verdict := l.monitor.Observe(r.Counters, t.Results)
	t.Verdict = verdict
	if verdict.Verdict != guardrail.VerdictOK {
		l.bus.Emit(events.SourceRun, events.KindGuardrail, map[string]any{
			"run_id":  r.ID,
			"turn":    t.Index,
			"verdict": verdict.Verdict.String(),
			"reason":  verdict.Reason,
		})
	}
	r.PendingNudges = append(r.PendingNudges, verdict.Nudges...)

	if verdict.Verdict == guardrail.VerdictForceStop {
		l.answerAfterForceStop(ctx, r, &t, verdict)
	}
	return nil
}

// generate picks a backend and performs the model call, honoring the
// specialist substitution and restoration policy.
func (l *Loop) generate(ctx context.Context, r *Run, t *Turn, cb llm.StreamCallback) (*llm.Response, *router.Backend, error) {
	b, err := l.gen.SelectFor(r.Specialty)
	if err != nil {
		return nil, nil, err
	}
	// A specialist substitution is scoped to the request by default.
	// Only the "run" policy lets it displace the pinned backend.
	if b.Name != r.Backend && l.cfg.RestoreSpecialist == "run" && b.Specialty != "" {
		r.Backend = b.Name
	}

	l.bus.Emit(events.SourceRun, events.KindLLMCall, map[string]any{
		"run_id": r.ID, "turn": t.Index, "backend": b.Name, "model": b.Model,
	})

	genCtx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.Budgets.GenerateTimeout)*time.Second)
	defer cancel()

	resp, err := l.gen.GenerateWith(genCtx, b, llm.Request{Messages: l.prompt(r)}, cb)
	if err != nil {
		// The router has already cooled this backend down; walk the
		// fallback chain once before giving up on the turn.
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		fb, ferr := l.gen.Select()
		if ferr != nil {
			return nil, nil, ferr
		}
		if fb.Name == b.Name {
			return nil, nil, err
		}
		resp, err = l.gen.GenerateWith(genCtx, fb, llm.Request{Messages: l.prompt(r)}, cb)
		if err != nil {
			return nil, nil, err
		}
		b = fb
	}

	l.bus.Emit(events.SourceRun, events.KindLLMResponse, map[string]any{
		"run_id":     r.ID,
		"turn":       t.Index,
		"backend":    b.Name,
		"model":      b.Model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"cost_usd":   b.Cost(resp.InputTokens, resp.OutputTokens),
	})
	return resp, b, nil
}

// prompt assembles the message list for the next model call: system
// text, tool descriptions, the conversation so far, and any queued
// nudges as synthetic system observations.
func (l *Loop) prompt(r *Run) []llm.Message {
	msgs := make([]llm.Message, 0, len(r.Messages)+len(r.PendingNudges)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: l.systemText()})
	msgs = append(msgs, r.Messages...)
	for _, nudge := range r.PendingNudges {
		msgs = append(msgs, llm.Message{Role: "system", Content: nudge})
	}
	r.PendingNudges = nil
	return msgs
}

// systemText renders the system prompt with the available tools.
func (l *Loop) systemText() string {
	var b strings.Builder
	if l.cfg.SystemText != "" {
		b.WriteString(l.cfg.SystemText)
	} else {
		b.WriteString("You are an autonomous agent. Work the task step by step. " +
			"To use a tool, emit a JSON object {\"name\": ..., \"arguments\": {...}} in your output. " +
			"When the task is done, reply with your final answer and no tool calls.")
	}
	if l.registry == nil {
		return b.String()
	}
	descs := l.registry.List()
	if len(descs) == 0 {
		return b.String()
	}
	b.WriteString("\n\nAvailable tools:\n")
	for _, d := range descs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return b.String()
}

// answerAfterForceStop makes one final model call asking for a status
// explanation, with tool dispatch disabled. The circuit breaker never
// allows another tool attempt.
func (l *Loop) answerAfterForceStop(ctx context.Context, r *Run, t *Turn, verdict guardrail.Decision) {
	t.enter(PhaseAnswering)
	r.Messages = append(r.Messages, llm.Message{
		Role: "system",
		Content: "Tool execution has been halted after repeated failures (" + verdict.Reason +
			"). Do not attempt more tool calls. Summarize what you accomplished, what failed, and what remains.",
	})

	// Explanation goes through the regular chain, not any specialist.
	b, err := l.gen.Select()
	if err == nil {
		genCtx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.Budgets.GenerateTimeout)*time.Second)
		resp, gerr := l.gen.GenerateWith(genCtx, b, llm.Request{Messages: l.prompt(r)}, nil)
		cancel()
		if gerr == nil {
			// Strip any tool calls the model tries anyway.
			_, prose := decoder.Decode(resp.Text)
			r.Answer = prose
			r.Messages = append(r.Messages, llm.Message{Role: "assistant", Content: resp.Text})
			r.TotalTokensIn += resp.InputTokens
			r.TotalTokensOut += resp.OutputTokens
			r.TotalCostUSD += b.Cost(resp.InputTokens, resp.OutputTokens)
		}
	}
	if r.Answer == "" {
		r.Answer = "Run stopped by the circuit breaker: " + verdict.Reason
	}
	r.finish(StatusCompleted, StopForceStop, "circuit breaker: "+verdict.Reason)
	t.enter(PhaseDone)
}

// handleTurnError maps an error that escaped a turn to a terminal status.
func (l *Loop) handleTurnError(r *Run, err error) {
	var npe *router.NoProviderAvailableError
	switch {
	case errors.Is(err, context.Canceled):
		r.finish(StatusInterrupted, StopCancelled, "run cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		l.fail(r, StopDeadlineExceeded,
			fmt.Sprintf("wall-clock budget of %ds exhausted", l.cfg.Budgets.MaxWallClockSec))
	case errors.As(err, &npe):
		l.fail(r, StopNoProvider, err.Error())
	default:
		l.fail(r, StopProviderError, "model call failed: "+err.Error())
	}
}

func (l *Loop) fail(r *Run, code StopReason, reason string) {
	r.finish(StatusFailed, code, reason)
	l.logger.Warn("run failed", "run_id", r.ID, "stop_reason", code, "reason", reason)
}

// maybeCheckpoint writes a periodic snapshot every N turns.
func (l *Loop) maybeCheckpoint(r *Run) {
	every := l.cfg.Budgets.CheckpointEvery
	if l.store == nil || every <= 0 || r.TurnCount%every != 0 {
		return
	}
	l.writeCheckpoint(r, checkpoint.TriggerPeriodic)
}

// checkpointNow writes a snapshot immediately, used on failure and
// interruption so no terminal state is lost.
func (l *Loop) checkpointNow(r *Run, trigger checkpoint.Trigger) {
	if l.store == nil {
		return
	}
	l.writeCheckpoint(r, trigger)
}

func (l *Loop) writeCheckpoint(r *Run, trigger checkpoint.Trigger) {
	cp, err := l.store.Save(r.ID, trigger, string(r.Status), r.TurnCount, r)
	if err != nil {
		l.logger.Error("checkpoint save failed", "run_id", r.ID, "error", err)
		return
	}
	l.bus.Emit(events.SourceCheckpoint, events.KindCheckpoint, map[string]any{
		"run_id":    r.ID,
		"seq":       cp.Seq,
		"trigger":   string(trigger),
		"byte_size": cp.ByteSize,
	})
}

// observationText renders a tool result for the model. The result kind
// is always explicit so the model can distinguish a timeout from an
// error from a rejected call.
func observationText(res tools.Result) string {
	switch res.Kind {
	case tools.ResultOK:
		return fmt.Sprintf("[%s] %s", res.Tool, res.Payload)
	case tools.ResultTimeout:
		return fmt.Sprintf("[%s] timed out: %s", res.Tool, res.Message)
	case tools.ResultInvalid:
		return fmt.Sprintf("[%s] rejected: %s", res.Tool, res.Message)
	default:
		return fmt.Sprintf("[%s] error: %s", res.Tool, res.Message)
	}
}
