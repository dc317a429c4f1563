// Package guardrail watches a run's tool outcomes and budget
// consumption and decides when the loop must stop or change course.
package guardrail

import (
	"fmt"
	"log/slog"

	"github.com/nmullen/conductor/internal/tools"
)

// Verdict is the monitor's per-turn decision, ordered by severity.
type Verdict int

const (
	// VerdictOK means the run may continue unchanged.
	VerdictOK Verdict = iota
	// VerdictNudge injects a synthetic observation into the next
	// prompt without changing loop state.
	VerdictNudge
	// VerdictForceStrategyChange tells the model to stop repeating
	// the same tool. Carried as a nudge, not a hard stop.
	VerdictForceStrategyChange
	// VerdictForceStop terminates the loop. The loop must transition
	// to its answering phase, never retry another tool call.
	VerdictForceStop
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictNudge:
		return "nudge"
	case VerdictForceStrategyChange:
		return "force_strategy_change"
	case VerdictForceStop:
		return "force_stop"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision is the outcome of one Observe call.
type Decision struct {
	Verdict Verdict  `json:"verdict"`
	Reason  string   `json:"reason,omitempty"`
	Nudges  []string `json:"nudges,omitempty"`
}

// Counters is the per-run mutable guardrail state. It is created at
// run start, mutated once per turn by the monitor, and serialized into
// checkpoints so a resumed run picks up exactly where it left off.
type Counters struct {
	ConsecutiveFailures int      `json:"consecutive_failures"`
	RecentTools         []string `json:"recent_tools"`
	TurnsUsed           int      `json:"turns_used"`
	TurnBudget          int      `json:"turn_budget"`
	Nudged50            bool     `json:"nudged_50"`
	Nudged80            bool     `json:"nudged_80"`
}

// NewCounters creates counters for a fresh run with the given turn budget.
func NewCounters(turnBudget int) *Counters {
	return &Counters{TurnBudget: turnBudget}
}

// Monitor applies the circuit breaker, repetition guard, and budget
// nudges. It holds only configuration; all mutable state lives in the
// per-run Counters, so one Monitor is safe to share across runs.
type Monitor struct {
	maxConsecutiveFailures int
	windowSize             int
	repetitionLimit        int
	logger                 *slog.Logger
}

// New creates a Monitor. Zero values fall back to the defaults of
// 3 consecutive failures and 4 repeats within a window of 6.
func New(maxConsecutiveFailures, windowSize, repetitionLimit int, logger *slog.Logger) *Monitor {
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = 3
	}
	if windowSize <= 0 {
		windowSize = 6
	}
	if repetitionLimit <= 0 {
		repetitionLimit = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		maxConsecutiveFailures: maxConsecutiveFailures,
		windowSize:             windowSize,
		repetitionLimit:        repetitionLimit,
		logger:                 logger,
	}
}

// Observe folds one completed turn's tool results into the counters
// and returns a verdict. It runs once per turn, after the results are
// recorded and before the next model call. The caller sets
// c.TurnsUsed before calling.
//
// Results whose kind is "invalid" never ran a handler, so they neither
// trip the circuit breaker nor occupy a repetition slot.
func (m *Monitor) Observe(c *Counters, results []tools.Result) Decision {
	for _, res := range results {
		if res.Kind == tools.ResultInvalid {
			continue
		}
		if res.Failed() {
			c.ConsecutiveFailures++
		} else {
			c.ConsecutiveFailures = 0
		}
		c.RecentTools = append(c.RecentTools, res.Tool)
		if len(c.RecentTools) > m.windowSize {
			c.RecentTools = c.RecentTools[len(c.RecentTools)-m.windowSize:]
		}
	}

	d := Decision{Verdict: VerdictOK}

	if c.ConsecutiveFailures >= m.maxConsecutiveFailures {
		d.Verdict = VerdictForceStop
		d.Reason = fmt.Sprintf("%d consecutive tool failures", c.ConsecutiveFailures)
		m.logger.Warn("circuit breaker tripped",
			"consecutive_failures", c.ConsecutiveFailures)
		return d
	}

	if tool, count := m.dominantTool(c.RecentTools); count >= m.repetitionLimit {
		d.Verdict = VerdictForceStrategyChange
		d.Reason = fmt.Sprintf("tool %q used %d times in the last %d calls", tool, count, len(c.RecentTools))
		d.Nudges = append(d.Nudges, fmt.Sprintf(
			"You have called %q %d times in your last %d tool calls without finishing. Change your approach.",
			tool, count, len(c.RecentTools)))
		m.logger.Info("repetition guard triggered", "tool", tool, "count", count)
	}

	if nudge := m.budgetNudge(c); nudge != "" {
		if d.Verdict < VerdictNudge {
			d.Verdict = VerdictNudge
		}
		d.Nudges = append(d.Nudges, nudge)
	}

	return d
}

// dominantTool returns the most frequent name in the window and its count.
func (m *Monitor) dominantTool(window []string) (string, int) {
	counts := make(map[string]int, len(window))
	best, bestCount := "", 0
	for _, name := range window {
		counts[name]++
		if counts[name] > bestCount {
			best, bestCount = name, counts[name]
		}
	}
	return best, bestCount
}

// budgetNudge emits a one-shot wrap-up warning when turn consumption
// crosses 50% and again at 80%.
func (m *Monitor) budgetNudge(c *Counters) string {
	if c.TurnBudget <= 0 {
		return ""
	}
	used := float64(c.TurnsUsed) / float64(c.TurnBudget)

	if used >= 0.8 && !c.Nudged80 {
		c.Nudged80 = true
		c.Nudged50 = true
		return fmt.Sprintf("You have used %d of %d turns. Wrap up now: finish the task or report what remains.",
			c.TurnsUsed, c.TurnBudget)
	}
	if used >= 0.5 && !c.Nudged50 {
		c.Nudged50 = true
		return fmt.Sprintf("You have used %d of %d turns. Start wrapping up soon.",
			c.TurnsUsed, c.TurnBudget)
	}
	return ""
}
