// Package config provides configuration management for the leapcompare CLI.
package config

import (
	"time"

	"github.com/leapstack-labs/leapcompare/internal/catalog"
)

// Config holds all CLI and server configuration.
type Config struct {
	Verbose      bool             `koanf:"verbose" yaml:"verbose"`
	OutputFormat string           `koanf:"output" yaml:"output"`
	Log          LogConfig        `koanf:"log" yaml:"log"`
	Server       ServerConfig     `koanf:"server" yaml:"server"`
	State        StateConfig      `koanf:"state" yaml:"state"`
	Compare      CompareConfig    `koanf:"compare" yaml:"compare"`
	Resumable    ResumableConfig  `koanf:"resumable" yaml:"resumable"`
	OpenRouter   OpenRouterConfig `koanf:"openrouter" yaml:"openrouter"`
	Echo         EchoConfig       `koanf:"echo" yaml:"echo"`
	Models       []catalog.Model  `koanf:"models" yaml:"models"`

	// ConfigFile is the file the config was read from, if any.
	ConfigFile string `koanf:"-" yaml:"-"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // text, json
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr" yaml:"addr"`
	SessionName     string        `koanf:"session_name" yaml:"session_name"`
	SessionSecret   string        `koanf:"session_secret" yaml:"session_secret"`
	TrustUserHeader bool          `koanf:"trust_user_header" yaml:"trust_user_header"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StateConfig selects the persistence backend.
type StateConfig struct {
	Driver string `koanf:"driver" yaml:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn" yaml:"dsn"`
}

// CompareConfig holds run limits.
type CompareConfig struct {
	MaxModels         int           `koanf:"max_models" yaml:"max_models"`
	MaxPromptBytes    int           `koanf:"max_prompt_bytes" yaml:"max_prompt_bytes"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" yaml:"heartbeat_interval"`
	ModelTimeout      time.Duration `koanf:"model_timeout" yaml:"model_timeout"`
}

// ResumableConfig enables re-attachable streams.
type ResumableConfig struct {
	Enabled   bool          `koanf:"enabled" yaml:"enabled"`
	Retention time.Duration `koanf:"retention" yaml:"retention"`
}

// OpenRouterConfig configures the OpenRouter adapter.
type OpenRouterConfig struct {
	APIKey  string `koanf:"api_key" yaml:"api_key"`
	BaseURL string `koanf:"base_url" yaml:"base_url"`
	Referer string `koanf:"referer" yaml:"referer"`
	Title   string `koanf:"title" yaml:"title"`
}

// EchoConfig configures the local echo adapter.
type EchoConfig struct {
	Delay     time.Duration `koanf:"delay" yaml:"delay"`
	Reasoning bool          `koanf:"reasoning" yaml:"reasoning"`
}

const redacted = "********"

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.OpenRouter.APIKey != "" {
		out.OpenRouter.APIKey = redacted
	}
	if out.Server.SessionSecret != "" {
		out.Server.SessionSecret = redacted
	}
	return &out
}
