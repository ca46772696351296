// Package logging builds the zerolog loggers used across the gateway.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level      string
	Format     string // "json" or "console"
	Output     string // "stdout", "stderr", or file path
	TimeFormat string
	NoColor    bool
}

// DefaultConfig returns the logging configuration used before settings load.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
	}
}

// ConfigFromEnv overlays LOG_LEVEL and LOG_FORMAT on the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	return cfg
}

// New creates the bootstrap logger from the environment.
func New(serviceName, version string) zerolog.Logger {
	return NewWithConfig(serviceName, version, ConfigFromEnv())
}

// NewWithConfig creates a logger for the gateway process. An output file that
// cannot be opened falls back to stdout and is reported on the new logger.
func NewWithConfig(serviceName, version string, config Config) zerolog.Logger {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = config.TimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	output, openErr := openOutput(config.Output)
	if isConsole(config.Format) {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor,
		}
	}

	logger := zerolog.New(output).
		Level(parseLogLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Caller().
		Logger()
	if openErr != nil {
		logger.Warn().Err(openErr).Msg("Logging to stdout instead")
	}
	return logger
}

func openOutput(dest string) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(dest)) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stdout, fmt.Errorf("open log file %s: %w", dest, err)
	}
	return file, nil
}

func isConsole(format string) bool {
	switch strings.ToLower(format) {
	case "console", "text":
		return true
	}
	return false
}

// parseLogLevel maps a configured level onto zerolog, defaulting to info.
func parseLogLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zerolog.WarnLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// WithComponent tags every entry with the gateway component that wrote it.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithMachineContext adds the machine id and its transport kind.
func WithMachineContext(logger zerolog.Logger, machineID int, transport string) zerolog.Logger {
	return logger.With().
		Int("machine_id", machineID).
		Str("transport", transport).
		Logger()
}

// WithSlot adds the batch slot being written.
func WithSlot(logger zerolog.Logger, slot int, address uint16) zerolog.Logger {
	return logger.With().
		Int("slot", slot).
		Uint16("address", address).
		Logger()
}

func WithRequestContext(logger zerolog.Logger, requestID, method, path string) zerolog.Logger {
	return logger.With().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Logger()
}
