package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/courier/internal/logger"
)

// Config is the courier configuration document.
type Config struct {
	DataDir  string         `json:"data_dir" mapstructure:"data_dir"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `json:"tracing" mapstructure:"tracing"`
	Agents   AgentsConfig   `json:"agents" mapstructure:"agents"`
	Dispatch DispatchConfig `json:"dispatch" mapstructure:"dispatch"`
	Channels ChannelsConfig `json:"channels" mapstructure:"channels"`
	Pairing  PairingConfig  `json:"pairing" mapstructure:"pairing"`
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// AgentsConfig controls how CLI agents are launched.
type AgentsConfig struct {
	DefaultProvider string                   `json:"default_provider" mapstructure:"default_provider"`
	DefaultModel    string                   `json:"default_model" mapstructure:"default_model"`
	Workspace       string                   `json:"workspace" mapstructure:"workspace"`
	TimeoutSeconds  int                      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	KillGraceMillis int                      `json:"kill_grace_ms" mapstructure:"kill_grace_ms"`
	Backends        map[string]BackendConfig `json:"backends" mapstructure:"backends"`
}

// BackendConfig overrides the built-in command line for one provider.
type BackendConfig struct {
	Command    string            `json:"command" mapstructure:"command"`
	Args       []string          `json:"args" mapstructure:"args"`
	ResumeArgs []string          `json:"resume_args" mapstructure:"resume_args"`
	Env        map[string]string `json:"env" mapstructure:"env"`
}

type DispatchConfig struct {
	Mode                 string `json:"mode" mapstructure:"mode"` // live, buffered
	TypingIntervalMillis int    `json:"typing_interval_ms" mapstructure:"typing_interval_ms"`
	SendTimeoutSeconds   int    `json:"send_timeout_seconds" mapstructure:"send_timeout_seconds"`
	VerboseTools         bool   `json:"verbose_tools" mapstructure:"verbose_tools"` // deliver tool results too
}

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	BotToken       string  `json:"bot_token" mapstructure:"bot_token"`
	DMPolicy       string  `json:"dm_policy" mapstructure:"dm_policy"` // pairing, allowlist, open, disabled
	Allowlist      []int64 `json:"allowlist" mapstructure:"allowlist"`
	TextChunkLimit int     `json:"text_chunk_limit" mapstructure:"text_chunk_limit"`
	PollTimeout    int     `json:"poll_timeout" mapstructure:"poll_timeout"` // seconds
}

// GatewayConfig holds the websocket gateway configuration.
type GatewayConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	Host           string `json:"host" mapstructure:"host"`
	Port           int    `json:"port" mapstructure:"port"`
	SharedSecret   string `json:"shared_secret" mapstructure:"shared_secret"`
	DMPolicy       string `json:"dm_policy" mapstructure:"dm_policy"`
	TextChunkLimit int    `json:"text_chunk_limit" mapstructure:"text_chunk_limit"`
}

type PairingConfig struct {
	Dir            string `json:"dir" mapstructure:"dir"`
	WatchAllowlist bool   `json:"watch_allowlist" mapstructure:"watch_allowlist"`
}

// SessionsConfig controls session persistence and the opt-in retention sweep.
type SessionsConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	TranscriptDir string `json:"transcript_dir" mapstructure:"transcript_dir"`
	RetentionCron string `json:"retention_cron" mapstructure:"retention_cron"`
	MaxIdleHours  int    `json:"max_idle_hours" mapstructure:"max_idle_hours"`
}

var (
	ErrInvalidConfig = errors.New("invalid config")

	dmPolicies    = []string{"pairing", "allowlist", "open", "disabled"}
	dispatchModes = []string{"live", "buffered"}
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "courier",
		},
		Agents: AgentsConfig{
			DefaultProvider: "claude-cli",
			TimeoutSeconds:  600,
			KillGraceMillis: 5000,
			Backends:        map[string]BackendConfig{},
		},
		Dispatch: DispatchConfig{
			Mode:                 "live",
			TypingIntervalMillis: 4000,
			SendTimeoutSeconds:   30,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				DMPolicy:       "pairing",
				TextChunkLimit: 4096,
				PollTimeout:    60,
			},
			Gateway: GatewayConfig{
				Host:           "127.0.0.1",
				Port:           8089,
				DMPolicy:       "open",
				TextChunkLimit: 8000,
			},
		},
		Pairing: PairingConfig{
			WatchAllowlist: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// IsConfigured reports whether a channel is enabled and has the settings it
// needs to deliver.
func (c *Config) IsConfigured(channelID string) bool {
	switch channelID {
	case "telegram":
		return c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.BotToken) != ""
	case "gateway":
		return c.Channels.Gateway.Enabled
	}
	return false
}

// DMPolicy returns the direct-message policy for a channel.
func (c *Config) DMPolicy(channelID string) string {
	var policy string
	switch channelID {
	case "telegram":
		policy = c.Channels.Telegram.DMPolicy
	case "gateway":
		policy = c.Channels.Gateway.DMPolicy
	}
	if policy == "" {
		return "pairing"
	}
	return policy
}

func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agents.TimeoutSeconds) * time.Second
}

func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Agents.KillGraceMillis) * time.Millisecond
}

func (c *Config) TypingInterval() time.Duration {
	return time.Duration(c.Dispatch.TypingIntervalMillis) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Dispatch.SendTimeoutSeconds) * time.Second
}

func (c *Config) MaxIdle() time.Duration {
	return time.Duration(c.Sessions.MaxIdleHours) * time.Hour
}

// LoggerConfig maps the logging section onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Console:   c.Logging.Console,
		Pretty:    c.Logging.Pretty,
		Redaction: c.Logging.Redaction,
		Secrets:   []string{c.Channels.Telegram.BotToken, c.Channels.Gateway.SharedSecret},
		MaxSize:   c.Logging.MaxSize,
		MaxAge:    c.Logging.MaxAge,
		Compress:  c.Logging.Compress,
	}
}

// Validate checks semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	v := NewValidator()
	var errs []error

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateOneOf("dispatch mode", c.Dispatch.Mode, dispatchModes); err != nil {
		errs = append(errs, err)
	}
	if c.Agents.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("agents.timeout_seconds must not be negative, got %d", c.Agents.TimeoutSeconds))
	}
	for id, backend := range c.Agents.Backends {
		if strings.TrimSpace(backend.Command) == "" && len(backend.Args) > 0 {
			errs = append(errs, fmt.Errorf("agents.backends.%s: args given without command", id))
		}
	}

	tg := c.Channels.Telegram
	if tg.Enabled {
		if err := v.ValidateTelegramToken(tg.BotToken); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.ValidateOneOf("telegram dm_policy", tg.DMPolicy, dmPolicies); tg.DMPolicy != "" && err != nil {
		errs = append(errs, err)
	}

	gw := c.Channels.Gateway
	if gw.Enabled && (gw.Port <= 0 || gw.Port > 65535) {
		errs = append(errs, fmt.Errorf("channels.gateway.port out of range: %d", gw.Port))
	}
	if err := v.ValidateOneOf("gateway dm_policy", gw.DMPolicy, dmPolicies); gw.DMPolicy != "" && err != nil {
		errs = append(errs, err)
	}

	if c.Sessions.RetentionCron != "" {
		if err := v.ValidateCron(c.Sessions.RetentionCron); err != nil {
			errs = append(errs, err)
		}
		if c.Sessions.MaxIdleHours <= 0 {
			errs = append(errs, errors.New("sessions.max_idle_hours is required when retention_cron is set"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
