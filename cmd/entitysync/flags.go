package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	StartTimeout    time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// parseFlags reads flags from args, falling back to ENTITYSYNC_* variables.
func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPaths string
	fs.StringVar(&configPaths, "config",
		getEnv("ENTITYSYNC_CONFIG", "configs/entitysync.yaml"),
		"Comma-separated config layers, later ones win (env: ENTITYSYNC_CONFIG)")
	fs.StringVar(&configPaths, "c",
		getEnv("ENTITYSYNC_CONFIG", "configs/entitysync.yaml"),
		"Shorthand for -config")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("ENTITYSYNC_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: ENTITYSYNC_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("ENTITYSYNC_LOG_FORMAT", "json"),
		"Log format: json, text (env: ENTITYSYNC_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("ENTITYSYNC_DEBUG", false),
		"Enable debug logging (env: ENTITYSYNC_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("ENTITYSYNC_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: ENTITYSYNC_SHUTDOWN_TIMEOUT)")

	fs.DurationVar(&cfg.StartTimeout, "start-timeout",
		getEnvDuration("ENTITYSYNC_START_TIMEOUT", 2*time.Minute),
		"Time allowed for the first bootstrap of every store (env: ENTITYSYNC_START_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs, stderr)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, p := range strings.Split(configPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, p)
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if len(cfg.ConfigPaths) == 0 {
		return fmt.Errorf("no config file given")
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %s", cfg.ShutdownTimeout)
	}
	if cfg.StartTimeout <= 0 {
		return fmt.Errorf("start timeout must be positive: %s", cfg.StartTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - optimistic entity sync for CRM stores

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run against NATS with the KV backend
  %[1]s --config=configs/entitysync.yaml

  # Layer a production override on a base file
  %[1]s --config=configs/base.yaml,configs/prod.json

  # Validate configuration only
  %[1]s --validate --log-format=text

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
