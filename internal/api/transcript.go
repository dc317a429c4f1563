package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nmullen/conductor/internal/run"
	"github.com/nmullen/conductor/internal/tools"
)

// handleRunTranscript renders a run's full turn history. Markdown by
// default; HTML when the client asks for it via ?format=html or an
// Accept header.
func (s *Server) handleRunTranscript(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found", s.logger)
		return
	}

	md := transcriptMarkdown(snap)

	wantHTML := r.URL.Query().Get("format") == "html" ||
		strings.Contains(r.Header.Get("Accept"), "text/html")
	if !wantHTML {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, md)
		return
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		writeError(w, http.StatusInternalServerError, "render transcript: "+err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>run %s</title></head>
<body style="font-family: sans-serif; max-width: 60em; margin: 2em auto;">
%s
</body></html>`, snap.ID, buf.String())
}

// transcriptMarkdown renders the audit trail as markdown.
func transcriptMarkdown(r run.Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", r.ID)
	fmt.Fprintf(&b, "**Task:** %s\n\n", r.Task)
	fmt.Fprintf(&b, "**Status:** %s", r.Status)
	if r.StopReason != "" {
		fmt.Fprintf(&b, " (%s: %s)", r.StopReason, r.Reason)
	}
	b.WriteString("\n\n")
	if r.Plan != "" {
		fmt.Fprintf(&b, "**Plan:** %s\n\n", r.Plan)
	}

	for _, t := range r.Turns {
		fmt.Fprintf(&b, "## Turn %d\n\n", t.Index)
		if t.Backend != "" {
			fmt.Fprintf(&b, "_%s, %d in / %d out_\n\n", t.Backend, t.TokensIn, t.TokensOut)
		}
		if t.Prose != "" {
			fmt.Fprintf(&b, "%s\n\n", t.Prose)
		}
		for i, call := range t.Calls {
			fmt.Fprintf(&b, "**Tool call:** `%s`\n\n", call.Name)
			if i < len(t.Results) {
				res := t.Results[i]
				fmt.Fprintf(&b, "**Result (%s):**\n\n```\n%s\n```\n\n", res.Kind, resultText(res))
			}
		}
		for _, pe := range t.ParseErrors {
			fmt.Fprintf(&b, "**Malformed tool call:** %s\n\n", pe)
		}
		if t.Verdict.Reason != "" {
			fmt.Fprintf(&b, "_Guardrail: %s (%s)_\n\n", t.Verdict.Verdict, t.Verdict.Reason)
		}
	}

	if r.Answer != "" {
		fmt.Fprintf(&b, "## Answer\n\n%s\n", r.Answer)
	}
	return b.String()
}

func resultText(res tools.Result) string {
	if res.Kind == tools.ResultOK {
		return truncate(res.Payload, 4000)
	}
	return truncate(res.Message, 4000)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
