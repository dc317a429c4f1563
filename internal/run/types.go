// Package run drives the agent loop: Think, Act, Observe, Answer.
package run

import (
	"time"

	"github.com/nmullen/conductor/internal/decoder"
	"github.com/nmullen/conductor/internal/guardrail"
	"github.com/nmullen/conductor/internal/llm"
	"github.com/nmullen/conductor/internal/tools"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// StopReason is the machine-readable code attached to a terminal run.
type StopReason string

const (
	StopAnswered         StopReason = "Answered"
	StopBudgetExceeded   StopReason = "BudgetExceeded"
	StopDeadlineExceeded StopReason = "DeadlineExceeded"
	StopForceStop        StopReason = "ForceStop"
	StopNoProvider       StopReason = "NoProviderAvailable"
	StopProviderError    StopReason = "ProviderError"
	StopCancelled        StopReason = "Cancelled"
)

// Phase is one state of the per-turn state machine.
type Phase string

const (
	PhaseThinking  Phase = "thinking"
	PhaseDeciding  Phase = "deciding"
	PhaseActing    Phase = "acting"
	PhaseObserving Phase = "observing"
	PhaseAnswering Phase = "answering"
	PhaseDone      Phase = "done"
)

// Transition records entry into a phase. Transitions are appended to
// the turn before the phase's external calls are made, so a crash
// mid-turn leaves a resumable record of intent.
type Transition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// ToolCallRecord is a decoded tool request as it appeared in the
// model's output.
type ToolCallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Raw       string         `json:"raw,omitempty"`
}

// Turn is one loop iteration. Turns are append-only within a run; the
// sequence is the run's audit trail.
type Turn struct {
	Index       int                `json:"index"`
	Transitions []Transition       `json:"transitions"`
	Backend     string             `json:"backend,omitempty"`
	Output      string             `json:"output"`
	Prose       string             `json:"prose,omitempty"`
	Calls       []ToolCallRecord   `json:"calls,omitempty"`
	Results     []tools.Result     `json:"results,omitempty"`
	ParseErrors []string           `json:"parse_errors,omitempty"`
	Verdict     guardrail.Decision `json:"verdict"`
	TokensIn    int                `json:"tokens_in"`
	TokensOut   int                `json:"tokens_out"`
	CostUSD     float64            `json:"cost_usd"`
	StartedAt   time.Time          `json:"started_at"`
	Duration    time.Duration      `json:"duration"`
}

// enter appends a phase transition.
func (t *Turn) enter(p Phase) {
	t.Transitions = append(t.Transitions, Transition{Phase: p, At: time.Now()})
}

// Run is one task execution. It is owned exclusively by its loop
// goroutine while active; other components read it only through
// Manager snapshots.
type Run struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`

	// StopReason and Reason are set exactly once, when the run goes
	// terminal. Reason is the human-readable form.
	StopReason StopReason `json:"stop_reason,omitempty"`
	Reason     string     `json:"reason,omitempty"`

	Task      string `json:"task"`
	Plan      string `json:"plan,omitempty"`
	Specialty string `json:"specialty,omitempty"`

	// Backend is the originally selected backend for the run. A
	// specialist substitution never overwrites it unless the restore
	// policy is "run".
	Backend string `json:"backend,omitempty"`

	TurnCount int    `json:"turn_count"`
	Turns     []Turn `json:"turns"`
	Answer    string `json:"answer,omitempty"`

	TotalTokensIn  int     `json:"total_tokens_in"`
	TotalTokensOut int     `json:"total_tokens_out"`
	TotalCostUSD   float64 `json:"total_cost_usd"`

	Counters *guardrail.Counters `json:"counters"`
	Messages []llm.Message       `json:"messages"`

	// Nudges queued for injection into the next prompt.
	PendingNudges []string `json:"pending_nudges,omitempty"`

	// RecoveredTurns and RecoveredCheckpoints report what a resume
	// reconstructed. Zero on a fresh run.
	RecoveredTurns       int `json:"recovered_turns,omitempty"`
	RecoveredCheckpoints int `json:"recovered_checkpoints,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status != StatusActive
}

// finish sets the terminal status, reason code, and human-readable
// explanation. It is a no-op if the run is already terminal.
func (r *Run) finish(status Status, code StopReason, reason string) {
	if r.Terminal() {
		return
	}
	r.Status = status
	r.StopReason = code
	r.Reason = reason
}

// recordCalls converts decoder results into the turn's audit fields.
func (t *Turn) recordCalls(results []decoder.Result) []decoder.ToolCall {
	var calls []decoder.ToolCall
	for _, res := range results {
		if res.Err != nil {
			t.ParseErrors = append(t.ParseErrors, res.Err.Reason)
			continue
		}
		calls = append(calls, *res.Call)
		t.Calls = append(t.Calls, ToolCallRecord{
			Name:      res.Call.Name,
			Arguments: res.Call.Arguments,
			Raw:       res.Call.Raw,
		})
	}
	return calls
}
