package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type runState struct {
	Task                string   `json:"task"`
	TurnCount           int      `json:"turn_count"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	RecentTools         []string `json:"recent_tools"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLatestRoundTrip(t *testing.T) {
	s := openTestStore(t)

	saved := runState{
		Task:                "summarize the report",
		TurnCount:           7,
		ConsecutiveFailures: 2,
		RecentTools:         []string{"read_file", "exec", "exec"},
	}
	cp, err := s.Save("run-1", TriggerPeriodic, "active", saved.TurnCount, saved)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if cp.Seq != 1 {
		t.Errorf("first Seq = %d, want 1", cp.Seq)
	}
	if cp.ByteSize <= 0 {
		t.Errorf("ByteSize = %d", cp.ByteSize)
	}

	latest, err := s.Latest("run-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	var restored runState
	if err := latest.Decode(&restored); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// A resume must see exactly the counters and turn count that were
	// live before the crash.
	if restored.TurnCount != saved.TurnCount {
		t.Errorf("TurnCount = %d, want %d", restored.TurnCount, saved.TurnCount)
	}
	if restored.ConsecutiveFailures != saved.ConsecutiveFailures {
		t.Errorf("ConsecutiveFailures = %d, want %d", restored.ConsecutiveFailures, saved.ConsecutiveFailures)
	}
	if len(restored.RecentTools) != 3 || restored.RecentTools[2] != "exec" {
		t.Errorf("RecentTools = %v", restored.RecentTools)
	}
	if restored.Task != saved.Task {
		t.Errorf("Task = %q", restored.Task)
	}
}

func TestSequenceNumbersSupersede(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 3; i++ {
		cp, err := s.Save("run-1", TriggerPeriodic, "active", i*5, runState{TurnCount: i * 5})
		if err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
		if cp.Seq != i {
			t.Errorf("Seq = %d, want %d", cp.Seq, i)
		}
	}

	latest, err := s.Latest("run-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Seq != 3 || latest.TurnCount != 15 {
		t.Errorf("Latest = seq %d, turns %d; want seq 3, turns 15", latest.Seq, latest.TurnCount)
	}

	// Earlier checkpoints are superseded, not deleted.
	n, err := s.Count("run-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestRunsAreIsolated(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Save("run-a", TriggerPeriodic, "active", 5, runState{Task: "a"}); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if _, err := s.Save("run-b", TriggerFailure, "failed", 2, runState{Task: "b"}); err != nil {
		t.Fatalf("Save b: %v", err)
	}

	// Sequence numbering is per run.
	cp, err := s.Save("run-b", TriggerPeriodic, "active", 4, runState{Task: "b"})
	if err != nil {
		t.Fatalf("Save b2: %v", err)
	}
	if cp.Seq != 2 {
		t.Errorf("run-b second Seq = %d, want 2", cp.Seq)
	}

	latest, err := s.Latest("run-a")
	if err != nil {
		t.Fatalf("Latest a: %v", err)
	}
	var st runState
	if err := latest.Decode(&st); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if st.Task != "a" {
		t.Errorf("run-a state leaked: Task = %q", st.Task)
	}
}

func TestLatestUnknownRun(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Latest("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest = %v, want ErrNotFound", err)
	}
}

func TestListOmitsState(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Save("run-1", TriggerPeriodic, "active", 5, runState{Task: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save("run-1", TriggerInterrupted, "interrupted", 8, runState{Task: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	list, err := s.List("run-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Seq != 2 || list[0].Trigger != TriggerInterrupted {
		t.Errorf("newest first violated: %+v", list[0])
	}

	var st runState
	if err := list[0].Decode(&st); err == nil {
		t.Error("Decode on a metadata-only listing should fail")
	}
}

func TestPruneKeepsResumePoint(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.Save("run-1", TriggerPeriodic, "active", i, runState{TurnCount: i}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	// Everything is "old" relative to a zero cutoff, but the newest
	// two per run must survive.
	deleted, err := s.Prune(-time.Hour, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	latest, err := s.Latest("run-1")
	if err != nil {
		t.Fatalf("Latest after prune: %v", err)
	}
	if latest.Seq != 5 {
		t.Errorf("Latest.Seq = %d, want 5", latest.Seq)
	}
}
