package config

import (
	"context"
	"log"
	"os"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// NewLogger returns a console logger on a terminal and a JSON logger otherwise,
// unless the format is set explicitly
func NewLogger(cfg LogConfig) logger.Logger {
	log.SetFlags(0)
	level := logger.ParseLevel(cfg.Level, logger.LevelInfo)
	format := cfg.Format
	if format == "" || format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			format = "console"
		}
	}
	if format == "json" {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}

// NewTelemetry returns the process logger and its shutdown function. Logs
// are exported to the collector when one is configured.
func NewTelemetry(ctx context.Context, cfg *Config, serviceName string) (logger.Logger, func(), error) {
	console := NewLogger(cfg.Log)
	if cfg.OTLP.URL == "" {
		return console, func() {}, nil
	}
	log, shutdown, err := telemetry.New(ctx, telemetry.Config{
		URL:         cfg.OTLP.URL,
		ServiceName: serviceName,
		Token:       cfg.OTLP.Token,
		Secret:      cfg.OTLP.Secret,
	}, console)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating telemetry")
	}
	return log, shutdown, nil
}
