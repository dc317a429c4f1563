// Package config handles conductor configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./conductor.yaml, ~/.config/conductor/config.yaml,
// /etc/conductor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"conductor.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "conductor", "config.yaml"))
	}

	paths = append(paths, "/etc/conductor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all conductor configuration.
type Config struct {
	Listen      ListenConfig     `yaml:"listen"`
	Providers   []ProviderConfig `yaml:"providers"`
	Cooldowns   CooldownConfig   `yaml:"cooldowns"`
	Budgets     BudgetConfig     `yaml:"budgets"`
	Guardrails  GuardrailConfig  `yaml:"guardrails"`
	Workspace   WorkspaceConfig  `yaml:"workspace"`
	ShellExec   ShellExecConfig  `yaml:"shell_exec"`
	Fetch       FetchConfig      `yaml:"fetch"`
	MQTT        MQTTConfig       `yaml:"mqtt"`
	Notify      NotifyConfig     `yaml:"notify"`
	DataDir     string           `yaml:"data_dir"`
	SystemText  string           `yaml:"system_text"`
	LogLevel    string           `yaml:"log_level"`
	ToolTimeout int              `yaml:"tool_timeout_sec"` // default per-tool timeout

	// RestoreSpecialist controls when a temporarily substituted
	// specialist backend reverts to the run's configured backend:
	// "request" (default, revert after the single call) or "run"
	// (keep the specialist until the run completes).
	RestoreSpecialist string `yaml:"restore_specialist"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig defines one model backend. The first entry is the
// primary; subsequent entries form the fallback chain in order.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // ollama, anthropic
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// Specialty marks this backend for a request class (e.g. "coding").
	// Specialist backends are substituted per-request and are not part
	// of the ordinary fallback chain unless also listed there.
	Specialty string `yaml:"specialty"`

	// Pricing in USD per million tokens, used for run cost accounting.
	InputUSDPerMTok  float64 `yaml:"input_usd_per_mtok"`
	OutputUSDPerMTok float64 `yaml:"output_usd_per_mtok"`
}

// CooldownConfig maps classified provider error kinds to cooldown
// durations in seconds. The table is configuration, not per-provider
// logic: a rate-limited backend cools for RateLimitedSec regardless of
// which provider it is.
type CooldownConfig struct {
	RateLimitedSec    int `yaml:"rate_limited_sec"`
	ServerErrorSec    int `yaml:"server_error_sec"`
	TimeoutSec        int `yaml:"timeout_sec"`
	AuthErrorSec      int `yaml:"auth_error_sec"`
	QuotaExhaustedSec int `yaml:"quota_exhausted_sec"`
	UnknownSec        int `yaml:"unknown_sec"`
	ProbeIntervalSec  int `yaml:"probe_interval_sec"`
}

// BudgetConfig bounds a run. Both limits are hard ceilings: exceeding
// either forces the run to a failed terminal state.
type BudgetConfig struct {
	MaxTurns         int `yaml:"max_turns"`
	MaxWallClockSec  int `yaml:"max_wall_clock_sec"`
	CheckpointEvery  int `yaml:"checkpoint_every"`
	GenerateTimeout  int `yaml:"generate_timeout_sec"` // per model call
	CancelGraceSec   int `yaml:"cancel_grace_sec"`     // tool cancellation grace
	ProviderAttempts int `yaml:"provider_attempts"`    // max backends tried per call
}

// GuardrailConfig tunes the guardrail monitor.
type GuardrailConfig struct {
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	RepetitionWindow       int `yaml:"repetition_window"`
	RepetitionLimit        int `yaml:"repetition_limit"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file tool paths are relative to this directory.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// FetchConfig tunes the built-in web_fetch tool.
type FetchConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxBytes int  `yaml:"max_bytes"`
}

// MQTTConfig defines the optional run-event publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// NotifyConfig defines run-completion email notification.
type NotifyConfig struct {
	Enabled bool       `yaml:"enabled"`
	From    string     `yaml:"from"`
	To      []string   `yaml:"to"`
	SMTP    SMTPConfig `yaml:"smtp"`
}

// SMTPConfig defines the outbound mail server.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	StartTLS bool   `yaml:"starttls"` // true for port 587, false for implicit TLS on 465
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8321
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = 60
	}
	if c.RestoreSpecialist == "" {
		c.RestoreSpecialist = "request"
	}

	if c.Cooldowns.RateLimitedSec == 0 {
		c.Cooldowns.RateLimitedSec = 60
	}
	if c.Cooldowns.ServerErrorSec == 0 {
		c.Cooldowns.ServerErrorSec = 30
	}
	if c.Cooldowns.TimeoutSec == 0 {
		c.Cooldowns.TimeoutSec = 15
	}
	if c.Cooldowns.AuthErrorSec == 0 {
		c.Cooldowns.AuthErrorSec = 3600
	}
	if c.Cooldowns.QuotaExhaustedSec == 0 {
		c.Cooldowns.QuotaExhaustedSec = 1800
	}
	if c.Cooldowns.UnknownSec == 0 {
		c.Cooldowns.UnknownSec = 30
	}
	if c.Cooldowns.ProbeIntervalSec == 0 {
		c.Cooldowns.ProbeIntervalSec = 15
	}

	if c.Budgets.MaxTurns == 0 {
		c.Budgets.MaxTurns = 30
	}
	if c.Budgets.MaxWallClockSec == 0 {
		c.Budgets.MaxWallClockSec = 1800
	}
	if c.Budgets.CheckpointEvery == 0 {
		c.Budgets.CheckpointEvery = 5
	}
	if c.Budgets.GenerateTimeout == 0 {
		c.Budgets.GenerateTimeout = 300
	}
	if c.Budgets.CancelGraceSec == 0 {
		c.Budgets.CancelGraceSec = 5
	}
	if c.Budgets.ProviderAttempts == 0 {
		c.Budgets.ProviderAttempts = 3
	}

	if c.Guardrails.MaxConsecutiveFailures == 0 {
		c.Guardrails.MaxConsecutiveFailures = 3
	}
	if c.Guardrails.RepetitionWindow == 0 {
		c.Guardrails.RepetitionWindow = 6
	}
	if c.Guardrails.RepetitionLimit == 0 {
		c.Guardrails.RepetitionLimit = 4
	}

	if c.ShellExec.DefaultTimeoutSec == 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 512 * 1024
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "conductor"
	}
	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = 587
		c.Notify.SMTP.StartTLS = true
	}
}

// Validate checks for configuration errors that would otherwise
// surface as confusing runtime failures.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be configured")
	}
	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d] has no name", i)
		}
		if names[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = true
		switch p.Kind {
		case "ollama", "anthropic":
		default:
			return fmt.Errorf("config: provider %q has unknown kind %q (valid: ollama, anthropic)", p.Name, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("config: provider %q has no model", p.Name)
		}
	}
	switch c.RestoreSpecialist {
	case "request", "run":
	default:
		return fmt.Errorf("config: restore_specialist must be \"request\" or \"run\", got %q", c.RestoreSpecialist)
	}
	if c.Notify.Enabled {
		if c.Notify.From == "" || len(c.Notify.To) == 0 {
			return fmt.Errorf("config: notify enabled but from/to not set")
		}
		if c.Notify.SMTP.Host == "" {
			return fmt.Errorf("config: notify enabled but smtp host not set")
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt enabled but broker not set")
	}
	return nil
}

// ToolTimeoutDuration returns the default per-tool timeout.
func (c *Config) ToolTimeoutDuration() time.Duration {
	return time.Duration(c.ToolTimeout) * time.Second
}
