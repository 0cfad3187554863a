package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/leapstack-labs/leapcompare/internal/state"
)

var outputModes = []string{"auto", "text", "markdown", "json"}

// Validate checks the loaded configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := state.ParseDialect(c.State.Driver); err != nil {
		errs = append(errs, fmt.Errorf("state.driver: %w", err))
	}
	if c.State.DSN == "" {
		errs = append(errs, errors.New("state.dsn is required"))
	}
	if c.Compare.MaxModels < 1 {
		errs = append(errs, fmt.Errorf("compare.max_models must be at least 1, got %d", c.Compare.MaxModels))
	}
	if c.Compare.MaxPromptBytes < 1 {
		errs = append(errs, fmt.Errorf("compare.max_prompt_bytes must be positive"))
	}
	if c.Compare.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("compare.heartbeat_interval must be positive"))
	}
	if c.Compare.ModelTimeout < 0 {
		errs = append(errs, fmt.Errorf("compare.model_timeout must not be negative"))
	}
	if c.Resumable.Enabled && c.Resumable.Retention <= 0 {
		errs = append(errs, fmt.Errorf("resumable.retention must be positive"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !slices.Contains(outputModes, c.OutputFormat) {
		errs = append(errs, fmt.Errorf("output must be one of %v, got %q", outputModes, c.OutputFormat))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
