package guardrail

import (
	"strings"
	"testing"

	"github.com/nmullen/conductor/internal/tools"
)

func okResult(tool string) tools.Result {
	return tools.Result{Kind: tools.ResultOK, Tool: tool, Payload: "fine"}
}

func errResult(tool string) tools.Result {
	return tools.Result{Kind: tools.ResultError, Tool: tool, Message: "boom"}
}

func timeoutResult(tool string) tools.Result {
	return tools.Result{Kind: tools.ResultTimeout, Tool: tool}
}

func TestCircuitBreakerTripsOnThird(t *testing.T) {
	m := New(3, 6, 4, nil)
	c := NewCounters(30)

	// Failures arrive one per turn. The verdict must arrive on the
	// third, not the second.
	c.TurnsUsed = 1
	if d := m.Observe(c, []tools.Result{errResult("exec")}); d.Verdict == VerdictForceStop {
		t.Fatal("ForceStop after 1 failure")
	}
	c.TurnsUsed = 2
	if d := m.Observe(c, []tools.Result{timeoutResult("exec")}); d.Verdict == VerdictForceStop {
		t.Fatal("ForceStop after 2 failures")
	}
	c.TurnsUsed = 3
	d := m.Observe(c, []tools.Result{errResult("exec")})
	if d.Verdict != VerdictForceStop {
		t.Fatalf("verdict after 3 failures = %v, want ForceStop", d.Verdict)
	}
	if d.Reason == "" {
		t.Error("ForceStop decision missing a reason")
	}
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	m := New(3, 6, 4, nil)
	c := NewCounters(30)

	m.Observe(c, []tools.Result{errResult("exec")})
	m.Observe(c, []tools.Result{errResult("exec")})
	m.Observe(c, []tools.Result{okResult("read_file")})
	if c.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d after success, want 0", c.ConsecutiveFailures)
	}

	// Two more failures after the reset must not stop.
	m.Observe(c, []tools.Result{errResult("exec")})
	d := m.Observe(c, []tools.Result{errResult("exec")})
	if d.Verdict == VerdictForceStop {
		t.Error("ForceStop after reset with only 2 consecutive failures")
	}
}

func TestValidationResultsDoNotTripBreaker(t *testing.T) {
	m := New(3, 6, 4, nil)
	c := NewCounters(30)

	invalid := tools.Result{Kind: tools.ResultInvalid, Tool: "exec", Message: "missing field"}
	for i := 0; i < 5; i++ {
		if d := m.Observe(c, []tools.Result{invalid}); d.Verdict == VerdictForceStop {
			t.Fatal("validation rejections tripped the circuit breaker")
		}
	}
	if c.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", c.ConsecutiveFailures)
	}
	if len(c.RecentTools) != 0 {
		t.Errorf("RecentTools = %v, validation rejections must not occupy window slots", c.RecentTools)
	}
}

func TestRepetitionGuardFourOfSix(t *testing.T) {
	m := New(3, 6, 4, nil)
	c := NewCounters(30)

	// 3 of the last 6 must not trigger. The sequence starts with a
	// non-repeated tool so the next exec pushes nothing out: the window
	// then really holds 4.
	seq := []string{"read_file", "exec", "list_dir", "exec", "write_file", "exec"}
	var d Decision
	for i, name := range seq {
		c.TurnsUsed = i + 1
		d = m.Observe(c, []tools.Result{okResult(name)})
	}
	if d.Verdict == VerdictForceStrategyChange {
		t.Fatal("ForceStrategyChange with only 3 of 6 repeats")
	}

	// A 4th occurrence inside the window triggers.
	c.TurnsUsed++
	d = m.Observe(c, []tools.Result{okResult("exec")})
	if d.Verdict != VerdictForceStrategyChange {
		t.Fatalf("verdict = %v, want ForceStrategyChange (window %v)", d.Verdict, c.RecentTools)
	}
	if len(d.Nudges) == 0 || !strings.Contains(d.Nudges[0], "exec") {
		t.Errorf("nudge does not name the repeated tool: %v", d.Nudges)
	}
}

func TestRepetitionWindowSlides(t *testing.T) {
	m := New(3, 6, 4, nil)
	c := NewCounters(100)

	// 4 exec calls, then 6 distinct ones push them out of the window.
	names := []string{"exec", "exec", "exec", "exec", "a", "b", "c", "d", "e", "f"}
	var d Decision
	for i, name := range names {
		c.TurnsUsed = i + 1
		d = m.Observe(c, []tools.Result{okResult(name)})
	}
	if d.Verdict == VerdictForceStrategyChange {
		t.Errorf("window did not slide: %v", c.RecentTools)
	}
	if len(c.RecentTools) != 6 {
		t.Errorf("window size = %d, want 6", len(c.RecentTools))
	}
}

func TestBudgetNudgesFireOnce(t *testing.T) {
	m := New(3, 6, 4, nil)
	c := NewCounters(10)

	nudgesAt := map[int]int{}
	for turn := 1; turn <= 10; turn++ {
		c.TurnsUsed = turn
		d := m.Observe(c, nil)
		if len(d.Nudges) > 0 {
			nudgesAt[turn] = len(d.Nudges)
		}
	}

	if _, ok := nudgesAt[5]; !ok {
		t.Error("no nudge at 50% of budget")
	}
	if _, ok := nudgesAt[8]; !ok {
		t.Error("no nudge at 80% of budget")
	}
	if len(nudgesAt) != 2 {
		t.Errorf("nudges fired at turns %v, want exactly turns 5 and 8", nudgesAt)
	}
}

func TestBudgetNudgeSkipsStraightTo80(t *testing.T) {
	m := New(3, 6, 4, nil)
	c := NewCounters(10)

	// A resumed run may land past both thresholds at once. Only the
	// stronger warning fires, and nothing repeats afterwards.
	c.TurnsUsed = 9
	d := m.Observe(c, nil)
	if len(d.Nudges) != 1 {
		t.Fatalf("nudges = %v, want exactly one", d.Nudges)
	}
	if !strings.Contains(d.Nudges[0], "Wrap up now") {
		t.Errorf("nudge = %q, want the 80%% warning", d.Nudges[0])
	}

	c.TurnsUsed = 10
	if d := m.Observe(c, nil); len(d.Nudges) != 0 {
		t.Errorf("nudge repeated: %v", d.Nudges)
	}
}

func TestForceStopOutranksRepetition(t *testing.T) {
	m := New(3, 6, 4, nil)
	c := NewCounters(30)

	// One success then three failures of the same tool puts 4 "exec"
	// in the window and the failure counter at 3, so both guards hold.
	// The hard stop wins.
	c.TurnsUsed = 1
	m.Observe(c, []tools.Result{okResult("exec")})
	var d Decision
	for turn := 2; turn <= 4; turn++ {
		c.TurnsUsed = turn
		d = m.Observe(c, []tools.Result{errResult("exec")})
	}
	if d.Verdict != VerdictForceStop {
		t.Fatalf("verdict = %v, want ForceStop", d.Verdict)
	}
}
