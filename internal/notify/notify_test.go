package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/nmullen/conductor/internal/run"
)

func TestSummaryMarkdown(t *testing.T) {
	r := run.Run{
		ID:             "0198a5b2-1111-2222-3333-444455556666",
		Status:         run.StatusFailed,
		StopReason:     run.StopBudgetExceeded,
		Reason:         "turn budget of 10 exhausted without a final answer",
		Task:           "audit the logs",
		TurnCount:      10,
		TotalTokensIn:  1200,
		TotalTokensOut: 340,
		TotalCostUSD:   0.0421,
		Backend:        "primary",
	}

	md := summaryMarkdown(r)
	for _, want := range []string{
		"Run 0198a5b2",
		"audit the logs",
		"failed (BudgetExceeded)",
		"Turns: 10",
		"1200 in / 340 out",
		"$0.0421",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("summary missing %q:\n%s", want, md)
		}
	}
}

func TestComposeMessageStructure(t *testing.T) {
	msg, err := composeMessage(
		"Conductor <conductor@example.com>",
		[]string{"ops@example.com"},
		"[conductor] run abc: completed",
		"# Done\n\nEverything **worked**.")
	if err != nil {
		t.Fatalf("composeMessage: %v", err)
	}

	s := string(msg)
	for _, want := range []string{
		"conductor@example.com",
		"ops@example.com",
		"Subject: [conductor] run abc: completed",
		"multipart/alternative",
		"text/plain",
		"text/html",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestMarkdownToPlain(t *testing.T) {
	got := markdownToPlain("# Title\n\nSome **bold** and a [link](https://example.com).")
	if strings.ContainsAny(got, "#*[]") {
		t.Errorf("formatting not stripped: %q", got)
	}
	if !strings.Contains(got, "link (https://example.com)") {
		t.Errorf("link not flattened: %q", got)
	}
}

func TestDisabledNotifierIsNoOp(t *testing.T) {
	var n *Notifier
	// Must not panic.
	n.RunComplete(context.Background(), run.Run{ID: "x"})
}
