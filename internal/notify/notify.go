// Package notify emails run-completion summaries to configured
// recipients.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nmullen/conductor/internal/config"
	"github.com/nmullen/conductor/internal/run"
)

// Notifier sends run summaries over SMTP. A disabled Notifier is safe
// to call and does nothing.
type Notifier struct {
	cfg    config.NotifyConfig
	logger *slog.Logger
}

// New creates a Notifier from configuration.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{cfg: cfg, logger: logger}
}

// RunComplete emails a summary of a terminal run. Failures are logged,
// not returned: notification must never affect run outcomes.
func (n *Notifier) RunComplete(ctx context.Context, r run.Run) {
	if n == nil || !n.cfg.Enabled {
		return
	}

	subject := fmt.Sprintf("[conductor] run %s: %s", shortID(r.ID), r.Status)
	msg, err := composeMessage(n.cfg.From, n.cfg.To, subject, summaryMarkdown(r))
	if err != nil {
		n.logger.Error("notify compose failed", "run_id", r.ID, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := sendMail(sendCtx, n.cfg.SMTP, n.cfg.From, n.cfg.To, msg); err != nil {
		n.logger.Error("notify send failed", "run_id", r.ID, "error", err)
		return
	}
	n.logger.Info("run summary emailed", "run_id", r.ID, "recipients", len(n.cfg.To))
}

// summaryMarkdown renders a run into the email body.
func summaryMarkdown(r run.Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", shortID(r.ID))
	fmt.Fprintf(&b, "**Task:** %s\n\n", r.Task)
	fmt.Fprintf(&b, "**Status:** %s (%s)\n\n", r.Status, r.StopReason)
	if r.Reason != "" {
		fmt.Fprintf(&b, "**Reason:** %s\n\n", r.Reason)
	}
	fmt.Fprintf(&b, "- Turns: %d\n", r.TurnCount)
	fmt.Fprintf(&b, "- Tokens: %d in / %d out\n", r.TotalTokensIn, r.TotalTokensOut)
	fmt.Fprintf(&b, "- Cost: $%.4f\n", r.TotalCostUSD)
	if r.Backend != "" {
		fmt.Fprintf(&b, "- Backend: %s\n", r.Backend)
	}

	if r.Answer != "" {
		fmt.Fprintf(&b, "\n## Answer\n\n%s\n", r.Answer)
	}

	var failures int
	for _, t := range r.Turns {
		for _, res := range t.Results {
			if res.Failed() {
				failures++
			}
		}
	}
	if failures > 0 {
		fmt.Fprintf(&b, "\n%d tool call(s) failed during the run.\n", failures)
	}

	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
