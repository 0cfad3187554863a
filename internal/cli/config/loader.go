package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	intconfig "github.com/leapstack-labs/leapcompare/internal/config"
	"github.com/leapstack-labs/leapcompare/internal/state"
	"github.com/spf13/pflag"
)

// loggerKey is used to store logger in context.
type loggerKey struct{}

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: LEAPCOMPARE_SERVER__ADDR sets server.addr.
const EnvPrefix = "LEAPCOMPARE_"

// Package-level koanf instance and config file tracking
var (
	k              = koanf.New(".")
	configFileUsed string
	currentConfig  *Config
)

// flagKeys maps CLI flag names to config keys where they differ from the
// flag name with dashes replaced.
var flagKeys = map[string]string{
	"addr":         "server.addr",
	"state-driver": "state.driver",
	"state-dsn":    "state.dsn",
	"max-models":   "compare.max_models",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"resumable":    "resumable.enabled",
}

func defaults() map[string]any {
	return map[string]any{
		"verbose":                    false,
		"output":                     intconfig.DefaultOutput,
		"log.level":                  intconfig.DefaultLogLevel,
		"log.format":                 intconfig.DefaultLogFormat,
		"server.addr":                intconfig.DefaultAddr,
		"server.session_name":        intconfig.DefaultSessionName,
		"server.trust_user_header":   false,
		"server.shutdown_timeout":    intconfig.DefaultShutdownTimeout.String(),
		"state.driver":               intconfig.DefaultStateDriver,
		"state.dsn":                  intconfig.DefaultStateDSN,
		"compare.max_models":         4,
		"compare.max_prompt_bytes":   32 << 10,
		"compare.heartbeat_interval": "15s",
		"compare.model_timeout":      "0s",
		"resumable.enabled":          false,
		"resumable.retention":        "10m",
		"openrouter.base_url":        "https://openrouter.ai/api/v1",
		"openrouter.title":           "leapcompare",
		"echo.delay":                 intconfig.DefaultEchoDelay.String(),
		"echo.reasoning":             false,
	}
}

// findConfigFile resolves the config file to read.
// Priority: explicit path > nearest leapcompare.yaml/.yml upward from CWD.
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	if root := intconfig.FindProjectRoot(cwd); root != "" {
		return intconfig.FindConfigFile(root)
	}
	return ""
}

// ResetConfig resets the koanf instance. Used for testing.
func ResetConfig() {
	k = koanf.New(".")
	configFileUsed = ""
	currentConfig = nil
}

// LoadConfig loads configuration from defaults, file, environment and flags.
// Precedence (highest to lowest): flags > env vars > config file > defaults
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k = koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	configFileUsed = findConfigFile(cfgFile)
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFileUsed, err)
		}
	}

	// 3. Environment: LEAPCOMPARE_COMPARE__MAX_MODELS -> compare.max_models
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags, only those explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ConfigFile = configFileUsed

	cfg.OpenRouter.APIKey = intconfig.ExpandEnv(cfg.OpenRouter.APIKey)
	if cfg.OpenRouter.APIKey == "" {
		cfg.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	cfg.Server.SessionSecret = intconfig.ExpandEnv(cfg.Server.SessionSecret)
	cfg.State.DSN = intconfig.ExpandEnv(cfg.State.DSN)

	// relative sqlite paths are anchored at the config file's directory
	if d, _ := state.ParseDialect(cfg.State.Driver); d == state.DialectSQLite && configFileUsed != "" && !flagChanged(flags, "state-dsn") {
		cfg.State.DSN = resolvePathRelativeTo(cfg.State.DSN, filepath.Dir(configFileUsed))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	currentConfig = &cfg
	return &cfg, nil
}

func flagChanged(flags *pflag.FlagSet, name string) bool {
	if flags == nil {
		return false
	}
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) || strings.HasPrefix(path, "file:") {
		return path
	}
	return filepath.Join(baseDir, path)
}

// GetConfigFileUsed returns the path to the config file being used, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// GetCurrentConfig returns the configuration from the last LoadConfig call.
func GetCurrentConfig() *Config {
	return currentConfig
}

// LoggerKey returns the context key used for storing the logger.
// This allows the commands package to retrieve the logger from context
// without creating an import cycle with the cli package.
func LoggerKey() any {
	return loggerKey{}
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Log.Level)
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
