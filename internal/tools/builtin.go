package tools

import (
	"context"
	"fmt"
)

// BuiltinConfig selects which built-in tools are registered and how
// they are constrained.
type BuiltinConfig struct {
	WorkspacePath string
	Shell         ShellExecConfig
	FetchEnabled  bool
	FetchMaxBytes int64
}

// RegisterBuiltins adds the standard tool set to the registry.
// Registration failures are real configuration errors (duplicate
// names), not ignorable.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	ft := NewFileTools(cfg.WorkspacePath)
	if ft.Enabled() {
		if err := registerFileTools(r, ft); err != nil {
			return err
		}
	}

	shell := NewShellExec(cfg.Shell)
	if shell.Enabled() {
		if err := r.Register(&Tool{
			Name:        "exec",
			Description: "Execute a shell command and return its stdout, stderr, and exit code as JSON.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The shell command to execute",
					},
					"timeout_sec": map[string]any{
						"type":        "integer",
						"description": "Optional timeout in seconds",
					},
				},
				"required": []any{"command"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return shell.Exec(ctx, stringArg(args, "command"), intArg(args, "timeout_sec"))
			},
		}); err != nil {
			return err
		}
	}

	if cfg.FetchEnabled {
		fetcher := NewFetcher(cfg.FetchMaxBytes)
		if err := r.Register(&Tool{
			Name:        "web_fetch",
			Description: "Download a web page and return its readable text content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The URL to fetch",
					},
				},
				"required": []any{"url"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return fetcher.Fetch(ctx, stringArg(args, "url"))
			},
		}); err != nil {
			return err
		}
	}

	return nil
}

func registerFileTools(r *Registry, ft *FileTools) error {
	specs := []*Tool{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace. Paths are relative to the workspace root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path of the file to read",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "1-indexed first line to return",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of lines to return",
					},
				},
				"required": []any{"path"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return ft.Read(stringArg(args, "path"), intArg(args, "offset"), intArg(args, "limit"))
			},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path of the file to write",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Full file content",
					},
				},
				"required": []any{"path", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return ft.Write(stringArg(args, "path"), stringArg(args, "content"))
			},
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a workspace directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path, defaults to the workspace root",
					},
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return ft.List(stringArg(args, "path"))
			},
		},
	}

	for _, t := range specs {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	return nil
}

// stringArg extracts a string argument, returning "" when absent.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg extracts an integer argument. JSON numbers decode as float64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
