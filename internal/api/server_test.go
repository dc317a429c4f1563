package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nmullen/conductor/internal/config"
	"github.com/nmullen/conductor/internal/events"
	"github.com/nmullen/conductor/internal/guardrail"
	"github.com/nmullen/conductor/internal/llm"
	"github.com/nmullen/conductor/internal/router"
	"github.com/nmullen/conductor/internal/run"
	"github.com/nmullen/conductor/internal/tools"
)

// scriptedGen answers immediately so runs complete within a turn.
type scriptedGen struct {
	text string
}

func (g *scriptedGen) Select() (*router.Backend, error) {
	return &router.Backend{Name: "primary", Model: "test-model"}, nil
}

func (g *scriptedGen) SelectFor(specialty string) (*router.Backend, error) {
	return g.Select()
}

func (g *scriptedGen) GenerateWith(ctx context.Context, b *router.Backend, req llm.Request, cb llm.StreamCallback) (*llm.Response, error) {
	if cb != nil {
		cb(g.text)
	}
	return &llm.Response{Text: g.text, InputTokens: 7, OutputTokens: 3}, nil
}

type noopInvoker struct{}

func (noopInvoker) Invoke(ctx context.Context, name string, args map[string]any) tools.Result {
	return tools.Result{Kind: tools.ResultOK, Tool: name, Payload: "ok"}
}

func (noopInvoker) List() []tools.Descriptor { return nil }

type okClient struct{}

func (okClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "ok"}, nil
}

func (okClient) GenerateStream(ctx context.Context, req llm.Request, cb llm.StreamCallback) (*llm.Response, error) {
	return &llm.Response{Text: "ok"}, nil
}

func (okClient) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *run.Manager) {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	monitor := guardrail.New(
		cfg.Guardrails.MaxConsecutiveFailures,
		cfg.Guardrails.RepetitionWindow,
		cfg.Guardrails.RepetitionLimit,
		nil)
	loop := run.NewLoop(cfg, &scriptedGen{text: "All done."}, noopInvoker{}, monitor, nil, nil, nil)
	manager := run.NewManager(cfg, loop, nil, nil)

	rtr := router.New(nil, cfg.Cooldowns, []router.Backend{
		{Name: "primary", Model: "test-model", Client: okClient{}},
	})

	return NewServer("", 0, manager, rtr, events.New(), nil), manager
}

// waitTerminal polls until the run leaves the active state.
func waitTerminal(t *testing.T, m *run.Manager, id string) run.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := m.Get(id); ok && r.Terminal() {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return run.Run{}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	} else {
		rdr = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if ct := rec.Header().Get("Content-Type"); strings.Contains(ct, "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid JSON response: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func TestCreateAndGetRun(t *testing.T) {
	s, m := newTestServer(t)
	h := s.Handler()

	rec, body := doJSON(t, h, "POST", "/api/runs", `{"task": "say hello"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("create response has no id: %v", body)
	}

	waitTerminal(t, m, id)

	rec, body = doJSON(t, h, "GET", "/api/runs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if got := body["status"]; got != "completed" {
		t.Errorf("status = %v, want completed", got)
	}
	if got := body["stop_reason"]; got != "Answered" {
		t.Errorf("stop_reason = %v, want Answered", got)
	}
	if got := body["answer"]; got != "All done." {
		t.Errorf("answer = %v, want %q", got, "All done.")
	}
}

func TestCreateRunRequiresTask(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Handler(), "POST", "/api/runs", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateRunRejectsBadJSON(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Handler(), "POST", "/api/runs", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetUnknownRun(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Handler(), "GET", "/api/runs/nonexistent", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	s, m := newTestServer(t)
	h := s.Handler()

	_, first := doJSON(t, h, "POST", "/api/runs", `{"task": "first"}`)
	_, second := doJSON(t, h, "POST", "/api/runs", `{"task": "second"}`)
	waitTerminal(t, m, first["id"].(string))
	waitTerminal(t, m, second["id"].(string))

	rec, body := doJSON(t, h, "GET", "/api/runs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	runs, ok := body["runs"].([]any)
	if !ok || len(runs) != 2 {
		t.Fatalf("runs = %v, want 2 entries", body["runs"])
	}
}

func TestCancelInactiveRunConflicts(t *testing.T) {
	s, m := newTestServer(t)
	h := s.Handler()

	_, body := doJSON(t, h, "POST", "/api/runs", `{"task": "quick"}`)
	id := body["id"].(string)
	waitTerminal(t, m, id)

	rec, _ := doJSON(t, h, "DELETE", "/api/runs/"+id, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestResumeUnknownRunConflicts(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Handler(), "POST", "/api/runs/nonexistent/resume", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestProviders(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Handler(), "GET", "/api/providers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	providers, ok := body["providers"].([]any)
	if !ok || len(providers) != 1 {
		t.Fatalf("providers = %v, want 1 entry", body["providers"])
	}
	p := providers[0].(map[string]any)
	if p["name"] != "primary" || p["status"] != "available" {
		t.Errorf("provider = %v", p)
	}
}

func TestTranscript(t *testing.T) {
	s, m := newTestServer(t)
	h := s.Handler()

	_, body := doJSON(t, h, "POST", "/api/runs", `{"task": "write a haiku"}`)
	id := body["id"].(string)
	waitTerminal(t, m, id)

	req := httptest.NewRequest("GET", "/api/runs/"+id+"/transcript", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/markdown") {
		t.Errorf("Content-Type = %s, want markdown", ct)
	}
	md := rec.Body.String()
	for _, want := range []string{"# Run " + id, "write a haiku", "## Answer", "All done."} {
		if !strings.Contains(md, want) {
			t.Errorf("transcript missing %q", want)
		}
	}

	// HTML rendering on request.
	req = httptest.NewRequest("GET", "/api/runs/"+id+"/transcript?format=html", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %s, want html", ct)
	}
	if !strings.Contains(rec.Body.String(), "<h1") {
		t.Errorf("HTML transcript missing rendered heading")
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Handler(), "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestVersion(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Handler(), "GET", "/api/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := body["version"]; !ok {
		t.Errorf("version missing from %v", body)
	}
}
