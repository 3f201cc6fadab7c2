package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. COURIER_DISPATCH_MODE.
	EnvPrefix   = "COURIER"
	defaultName = "courier.json"
	defaultHome = ".courier"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file (JSON or YAML, by extension), applies COURIER_*
// environment overrides and fills derived paths. A missing file yields the
// defaults with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, errors.New("cannot determine config path")
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		if err := validateFile(configPath); err != nil {
			return nil, err
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fillPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultHome, defaultName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// validateFile runs the schema check against the file contents alone so that
// string-typed environment overrides never trip type constraints.
func validateFile(path string) error {
	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := NewValidator().ValidateDocument(fv.AllSettings()); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	v.SetDefault("logging.audit_file", d.Logging.AuditFile)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("agents.default_provider", d.Agents.DefaultProvider)
	v.SetDefault("agents.default_model", d.Agents.DefaultModel)
	v.SetDefault("agents.workspace", d.Agents.Workspace)
	v.SetDefault("agents.timeout_seconds", d.Agents.TimeoutSeconds)
	v.SetDefault("agents.kill_grace_ms", d.Agents.KillGraceMillis)

	v.SetDefault("dispatch.mode", d.Dispatch.Mode)
	v.SetDefault("dispatch.typing_interval_ms", d.Dispatch.TypingIntervalMillis)
	v.SetDefault("dispatch.send_timeout_seconds", d.Dispatch.SendTimeoutSeconds)
	v.SetDefault("dispatch.verbose_tools", d.Dispatch.VerboseTools)

	v.SetDefault("channels.telegram.enabled", d.Channels.Telegram.Enabled)
	v.SetDefault("channels.telegram.bot_token", d.Channels.Telegram.BotToken)
	v.SetDefault("channels.telegram.dm_policy", d.Channels.Telegram.DMPolicy)
	v.SetDefault("channels.telegram.text_chunk_limit", d.Channels.Telegram.TextChunkLimit)
	v.SetDefault("channels.telegram.poll_timeout", d.Channels.Telegram.PollTimeout)

	v.SetDefault("channels.gateway.enabled", d.Channels.Gateway.Enabled)
	v.SetDefault("channels.gateway.host", d.Channels.Gateway.Host)
	v.SetDefault("channels.gateway.port", d.Channels.Gateway.Port)
	v.SetDefault("channels.gateway.shared_secret", d.Channels.Gateway.SharedSecret)
	v.SetDefault("channels.gateway.dm_policy", d.Channels.Gateway.DMPolicy)
	v.SetDefault("channels.gateway.text_chunk_limit", d.Channels.Gateway.TextChunkLimit)

	v.SetDefault("pairing.dir", d.Pairing.Dir)
	v.SetDefault("pairing.watch_allowlist", d.Pairing.WatchAllowlist)

	v.SetDefault("sessions.db_path", d.Sessions.DBPath)
	v.SetDefault("sessions.transcript_dir", d.Sessions.TranscriptDir)
	v.SetDefault("sessions.retention_cron", d.Sessions.RetentionCron)
	v.SetDefault("sessions.max_idle_hours", d.Sessions.MaxIdleHours)
}

func fillPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultHome)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "courier.log")
	}
	if cfg.Pairing.Dir == "" {
		cfg.Pairing.Dir = filepath.Join(cfg.DataDir, "credentials")
	}
	if cfg.Sessions.DBPath == "" {
		cfg.Sessions.DBPath = filepath.Join(cfg.DataDir, "sessions.db")
	}
	if cfg.Sessions.TranscriptDir == "" {
		cfg.Sessions.TranscriptDir = filepath.Join(cfg.DataDir, "transcripts")
	}
	if cfg.Agents.Workspace == "" {
		cfg.Agents.Workspace = filepath.Join(cfg.DataDir, "workspace")
	}
	return nil
}
