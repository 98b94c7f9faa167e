// Package config loads, validates, and persists the daemon configuration.
package config

import (
	"fmt"
	"regexp"
)

// Config represents the main courier configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Tool subprocess configuration
	Tool ToolConfig `json:"tool" mapstructure:"tool"`

	// Queue behavior
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Telegram adapter
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Mail adapter
	Mail MailConfig `json:"mail" mapstructure:"mail"`

	// Gateway event stream
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ToolConfig holds the conversational tool subprocess settings
type ToolConfig struct {
	Command          string   `json:"command" mapstructure:"command"`
	SystemPrompt     string   `json:"system_prompt" mapstructure:"system_prompt"`
	BaseCapabilities []string `json:"base_capabilities,omitempty" mapstructure:"base_capabilities"`

	// CapabilitiesPath, when set, points at a JSON allowlist file that
	// overrides BaseCapabilities and is hot-reloaded on change.
	CapabilitiesPath string `json:"capabilities_path" mapstructure:"capabilities_path"`

	ProgressIntervalSec int `json:"progress_interval_sec" mapstructure:"progress_interval_sec"`
	TimeoutSec          int `json:"timeout_sec" mapstructure:"timeout_sec"`
	KillGraceSec        int `json:"kill_grace_sec" mapstructure:"kill_grace_sec"`
}

// QueueConfig holds task queue settings
type QueueConfig struct {
	// WarnAfterMs is how long a task may sit queued before the caller
	// is notified. Zero disables notifications.
	WarnAfterMs int `json:"warn_after_ms" mapstructure:"warn_after_ms"`
}

// TelegramConfig holds Telegram adapter settings
type TelegramConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	BotToken     string  `json:"bot_token" mapstructure:"bot_token"`
	AllowedUsers []int64 `json:"allowed_users,omitempty" mapstructure:"allowed_users"`
}

// MailConfig holds mail adapter settings
type MailConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// GatewayConfig holds websocket gateway settings
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// MetricsConfig holds prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Port    int  `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds opentelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Tool: ToolConfig{
			Command:             "claude",
			BaseCapabilities:    []string{"Read", "Glob", "Grep", "WebFetch", "WebSearch"},
			ProgressIntervalSec: 120,
			TimeoutSec:          1800,
			KillGraceSec:        5,
		},
		Queue: QueueConfig{
			WarnAfterMs: 10000,
		},
		Mail: MailConfig{
			Schedule: "* * * * *",
		},
		Gateway: GatewayConfig{
			Port: 8791,
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "courier",
		},
	}
}

// telegramTokenRegex matches the <bot_id>:<token> shape of bot tokens
var telegramTokenRegex = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validate checks cross-field constraints the schema cannot express
func (c *Config) Validate() error {
	if c.Tool.Command == "" {
		return fmt.Errorf("tool command cannot be empty")
	}
	if c.Tool.TimeoutSec <= 0 {
		return fmt.Errorf("tool timeout must be positive, got %d", c.Tool.TimeoutSec)
	}
	if c.Tool.ProgressIntervalSec <= 0 {
		return fmt.Errorf("progress interval must be positive, got %d", c.Tool.ProgressIntervalSec)
	}
	if c.Tool.TimeoutSec <= c.Tool.ProgressIntervalSec {
		return fmt.Errorf("tool timeout (%ds) must exceed the progress interval (%ds)",
			c.Tool.TimeoutSec, c.Tool.ProgressIntervalSec)
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram is enabled but bot_token is empty")
		}
		if !telegramTokenRegex.MatchString(c.Telegram.BotToken) {
			return fmt.Errorf("invalid Telegram bot token format")
		}
		if len(c.Telegram.AllowedUsers) == 0 {
			return fmt.Errorf("telegram is enabled but allowed_users is empty")
		}
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
		}
		if c.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway is enabled but shared_secret is empty")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	return nil
}
