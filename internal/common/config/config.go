// Package config provides configuration management for Agentdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for Agentdeck.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Claude    ClaudeConfig    `mapstructure:"claude" yaml:"claude"`
	AutoAbort AutoAbortConfig `mapstructure:"autoAbort" yaml:"autoAbort"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	DataDir   string          `mapstructure:"dataDir" yaml:"dataDir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	ReadTimeout  int    `mapstructure:"readTimeout" yaml:"readTimeout"`   // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout" yaml:"writeTimeout"` // in seconds
}

// ClaudeConfig holds settings for locating and spawning the Claude Code CLI.
type ClaudeConfig struct {
	// Dir is the Claude home directory holding projects/<projectDir>/<session>.jsonl
	// journals. Defaults to ~/.claude.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// Executable overrides Claude CLI binary discovery when set.
	Executable string `mapstructure:"executable" yaml:"executable"`

	// PermissionMode is the default permission mode for new sessions
	// (default, acceptEdits, plan, bypassPermissions).
	PermissionMode string `mapstructure:"permissionMode" yaml:"permissionMode"`
}

// AutoAbortConfig controls the idle-session abort daemon.
type AutoAbortConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	IdleMinutes int  `mapstructure:"idleMinutes" yaml:"idleMinutes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputPath string `mapstructure:"outputPath" yaml:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleThreshold returns the auto-abort idle threshold as a time.Duration.
func (a *AutoAbortConfig) IdleThreshold() time.Duration {
	return time.Duration(a.IdleMinutes) * time.Minute
}

// ProjectsDir returns the directory holding per-project journal directories.
func (c *ClaudeConfig) ProjectsDir() string {
	return filepath.Join(c.Dir, "projects")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3400)
	v.SetDefault("server.password", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // 0: SSE connections stay open

	v.SetDefault("claude.dir", filepath.Join(home, ".claude"))
	v.SetDefault("claude.executable", "")
	v.SetDefault("claude.permissionMode", "default")

	v.SetDefault("autoAbort.enabled", true)
	v.SetDefault("autoAbort.idleMinutes", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("dataDir", filepath.Join(home, ".agentdeck"))
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDECK_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithViper(nil)
}

// LoadWithViper reads configuration using the given viper instance.
// Pass nil to create a fresh one. Callers may pre-bind CLI flags.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// CLAUDE_EXECUTABLE is honored for parity with the CLI's own env handling.
	_ = v.BindEnv("claude.executable", "AGENTDECK_CLAUDE_EXECUTABLE", "CLAUDE_EXECUTABLE")
	_ = v.BindEnv("claude.dir", "AGENTDECK_CLAUDE_DIR", "CLAUDE_CONFIG_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(v.GetString("dataDir"))
	v.AddConfigPath(".")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Claude.Dir == "" {
		errs = append(errs, "claude.dir is required")
	}
	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is required")
	}
	if cfg.AutoAbort.IdleMinutes <= 0 {
		errs = append(errs, "autoAbort.idleMinutes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	switch mode := cfg.Claude.PermissionMode; mode {
	case "default", "acceptEdits", "plan", "bypassPermissions":
	default:
		errs = append(errs, fmt.Sprintf("claude.permissionMode %q is not a valid permission mode", mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// WriteDefault writes a default config file to <dataDir>/config.yaml if one
// does not already exist. Returns the path written, or "" when skipped.
func WriteDefault(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}
