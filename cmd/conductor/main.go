// Conductor is an agent orchestration engine.
//
// It runs autonomous agent tasks against a configurable chain of model
// backends, with tool dispatch, guardrails, checkpointing, and an
// operational HTTP API. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	conductor serve                Start the orchestration server
//	conductor run <task>           Submit a task to a running server
//	conductor resume <run-id>      Resume an interrupted run
//	conductor status [run-id]      Show run status (all runs if omitted)
//	conductor cancel <run-id>      Cancel an active run
//	conductor version              Print version and build information
//	conductor -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nmullen/conductor/internal/api"
	"github.com/nmullen/conductor/internal/buildinfo"
	"github.com/nmullen/conductor/internal/checkpoint"
	"github.com/nmullen/conductor/internal/config"
	"github.com/nmullen/conductor/internal/events"
	"github.com/nmullen/conductor/internal/guardrail"
	"github.com/nmullen/conductor/internal/llm"
	"github.com/nmullen/conductor/internal/mqtt"
	"github.com/nmullen/conductor/internal/notify"
	"github.com/nmullen/conductor/internal/router"
	"github.com/nmullen/conductor/internal/run"
	"github.com/nmullen/conductor/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [realMain]. This
// keeps os.Exit, os.Stdout, and os.Args out of the application logic so
// that the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := realMain(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// realMain is the real entry point for the conductor command. All
// OS-level dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// realMain returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error and
// exiting.
func realMain(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call
	// realMain concurrently from tests. Our argument surface is small
	// enough that manual parsing is clearer than a CLI framework.
	var configPath string
	var serverURL string
	var specialty string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-server" && i+1 < len(args):
			serverURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-server="):
			serverURL = strings.TrimPrefix(args[i], "-server=")
		case args[i] == "-specialty" && i+1 < len(args):
			specialty = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-specialty="):
			specialty = strings.TrimPrefix(args[i], "-specialty=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	if serverURL == "" {
		serverURL = "http://localhost:8321"
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "run":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: conductor run <task>")
		}
		return runSubmit(ctx, stdout, serverURL, strings.Join(cmdArgs, " "), specialty)
	case "resume":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: conductor resume <run-id>")
		}
		return runResume(ctx, stdout, serverURL, cmdArgs[0])
	case "status":
		id := ""
		if len(cmdArgs) > 0 {
			id = cmdArgs[0]
		}
		return runStatus(ctx, stdout, serverURL, id)
	case "cancel":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: conductor cancel <run-id>")
		}
		return runCancel(ctx, stdout, serverURL, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Conductor - Agent Orchestration Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: conductor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve             Start the orchestration server")
	fmt.Fprintln(w, "  run <task>        Submit a task to a running server")
	fmt.Fprintln(w, "  resume <run-id>   Resume an interrupted run from its checkpoint")
	fmt.Fprintln(w, "  status [run-id]   Show run status (all runs if omitted)")
	fmt.Fprintln(w, "  cancel <run-id>   Cancel an active run")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>      Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -server <url>       Server URL for client commands (default: http://localhost:8321)")
	fmt.Fprintln(w, "  -specialty <name>   Request a specialist backend for \"run\"")
	fmt.Fprintln(w, "  -o, --output fmt    Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./conductor.yaml, ~/.config/conductor/config.yaml, /etc/conductor/config.yaml")
	return nil
}

// runServe handles the "conductor serve" subcommand. It is the primary
// operating mode: loads config, opens the checkpoint store, builds the
// provider router and tool registry, starts the API server, and blocks
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Active runs are cancelled and write interrupted checkpoints
//  3. A shutdown checkpoint is persisted for each interrupted run
//  4. The HTTP server drains in-flight requests
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting conductor", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"providers", len(cfg.Providers),
		"max_turns", cfg.Budgets.MaxTurns,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Provider router ---
	// One backend per configured provider. The first entry is the
	// primary; the rest form the fallback chain in order.
	backends := make([]router.Backend, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		var client llm.Client
		switch p.Kind {
		case "ollama":
			client = llm.NewOllamaClient(p.BaseURL, logger)
		case "anthropic":
			client = llm.NewAnthropicClient(p.APIKey, logger)
		default:
			// Unreachable: config.Validate rejects unknown kinds.
			return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
		backends = append(backends, router.Backend{
			Name:             p.Name,
			Model:            p.Model,
			Specialty:        p.Specialty,
			Client:           client,
			InputUSDPerMTok:  p.InputUSDPerMTok,
			OutputUSDPerMTok: p.OutputUSDPerMTok,
		})
	}
	rtr := router.New(logger, cfg.Cooldowns, backends)
	rtr.SetMaxAttempts(cfg.Budgets.ProviderAttempts)
	logger.Info("provider router initialized", "backends", len(backends), "primary", backends[0].Name)

	// --- Tool registry ---
	registry := tools.NewRegistry(
		cfg.ToolTimeoutDuration(),
		time.Duration(cfg.Budgets.CancelGraceSec)*time.Second,
		logger,
	)
	if err := tools.RegisterBuiltins(registry, tools.BuiltinConfig{
		WorkspacePath: cfg.Workspace.Path,
		Shell: tools.ShellExecConfig{
			Enabled:         cfg.ShellExec.Enabled,
			WorkingDir:      cfg.ShellExec.WorkingDir,
			AllowedPrefixes: cfg.ShellExec.AllowedPrefixes,
			DeniedPatterns:  cfg.ShellExec.DeniedPatterns,
			DefaultTimeout:  time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second,
		},
		FetchEnabled:  cfg.Fetch.Enabled,
		FetchMaxBytes: int64(cfg.Fetch.MaxBytes),
	}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	logger.Info("tool registry initialized", "tools", len(registry.List()))

	// --- Checkpoint store ---
	store, err := checkpoint.Open(filepath.Join(cfg.DataDir, "checkpoints.db"))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()
	logger.Info("checkpoint store opened", "path", filepath.Join(cfg.DataDir, "checkpoints.db"))

	// --- Guardrail monitor ---
	monitor := guardrail.New(
		cfg.Guardrails.MaxConsecutiveFailures,
		cfg.Guardrails.RepetitionWindow,
		cfg.Guardrails.RepetitionLimit,
		logger,
	)

	// --- Event bus, loop, manager ---
	bus := events.New()
	rtr.SetBus(bus)
	loop := run.NewLoop(cfg, rtr, registry, monitor, store, bus, logger)
	manager := run.NewManager(cfg, loop, store, logger)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Cooldown recovery prober ---
	go rtr.RunProber(ctx)

	// --- MQTT event publisher ---
	// Optional: relays run events to an MQTT broker for external
	// observers and dashboards.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPub = mqtt.New(cfg.MQTT, "conductor", bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt publishing disabled")
	}

	// --- Run-completion notification ---
	// Subscribes to the event bus and emails a summary when a run
	// reaches a terminal state.
	if cfg.Notify.Enabled {
		notifier := notify.New(cfg.Notify, logger)
		ch := bus.Subscribe(64)
		go func() {
			defer bus.Unsubscribe(ch)
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-ch:
					if !ok {
						return
					}
					if e.Kind != events.KindRunComplete {
						continue
					}
					id, _ := e.Data["run_id"].(string)
					if snap, ok := manager.Get(id); ok {
						notifier.RunComplete(ctx, snap)
					}
				}
			}
		}()
		logger.Info("run notifications enabled", "recipients", len(cfg.Notify.To))
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, manager, rtr, bus, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Give active runs a bounded window to observe cancellation and
		// write their interrupted checkpoints.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		manager.Shutdown(stopCtx)

		// A final shutdown checkpoint per interrupted run marks a clean
		// stop, distinguishing it from a crash on restart.
		for _, r := range manager.List() {
			if r.Status != run.StatusInterrupted {
				continue
			}
			if _, err := store.Save(r.ID, checkpoint.TriggerShutdown, string(r.Status), r.TurnCount, r); err != nil {
				logger.Error("shutdown checkpoint failed", "run_id", r.ID, "error", err)
			}
		}

		if mqttPub != nil {
			offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offCancel()
			if err := mqttPub.Stop(offCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("conductor stopped")
	return nil
}

// runSubmit handles "conductor run <task>": it POSTs the task to a
// running server and prints the created run's id.
func runSubmit(ctx context.Context, stdout io.Writer, serverURL, task, specialty string) error {
	body := map[string]string{"task": task}
	if specialty != "" {
		body["specialty"] = specialty
	}
	var out map[string]any
	if err := apiCall(ctx, "POST", serverURL+"/api/runs", body, &out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "run %s started\n", out["id"])
	return nil
}

// runResume handles "conductor resume <run-id>".
func runResume(ctx context.Context, stdout io.Writer, serverURL, runID string) error {
	var out map[string]any
	if err := apiCall(ctx, "POST", serverURL+"/api/runs/"+runID+"/resume", nil, &out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "run %s resumed (%v turns recovered)\n", out["id"], out["recovered_turns"])
	return nil
}

// runStatus handles "conductor status [run-id]".
func runStatus(ctx context.Context, stdout io.Writer, serverURL, runID string) error {
	if runID != "" {
		var out map[string]any
		if err := apiCall(ctx, "GET", serverURL+"/api/runs/"+runID, nil, &out); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%-38s %-12s turns=%v", out["id"], out["status"], out["turn_count"])
		if sr, ok := out["stop_reason"]; ok {
			fmt.Fprintf(stdout, " stop=%v", sr)
		}
		fmt.Fprintln(stdout)
		return nil
	}

	var out struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := apiCall(ctx, "GET", serverURL+"/api/runs", nil, &out); err != nil {
		return err
	}
	if len(out.Runs) == 0 {
		fmt.Fprintln(stdout, "no runs")
		return nil
	}
	for _, r := range out.Runs {
		fmt.Fprintf(stdout, "%-38s %-12s turns=%v\n", r["id"], r["status"], r["turn_count"])
	}
	return nil
}

// runCancel handles "conductor cancel <run-id>".
func runCancel(ctx context.Context, stdout io.Writer, serverURL, runID string) error {
	var out map[string]any
	if err := apiCall(ctx, "DELETE", serverURL+"/api/runs/"+runID, nil, &out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "run %s cancelling\n", runID)
	return nil
}

// apiCall performs one JSON request against the server API, decoding
// the response into out. Error responses surface their message.
func apiCall(ctx context.Context, method, url string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = strings.NewReader(string(data))
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
