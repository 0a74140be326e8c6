// Package logging builds the zerolog loggers used by the bridge.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Format     string // "json" or "console"
	Output     string // "stdout", "stderr", or file path
	TimeFormat string
	NoColor    bool

	// Writer overrides Output when set
	Writer io.Writer
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
	}
}

// NewWithConfig creates a logger tagged with the service name and version.
// Unknown levels fall back to info.
func NewWithConfig(serviceName, version string, config LogConfig) (zerolog.Logger, error) {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = config.TimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	output := config.Writer
	if output == nil {
		var err error
		if output, err = openOutput(config.Output); err != nil {
			return zerolog.Nop(), err
		}
	}

	if config.Format == "console" || config.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor,
		}
	}

	return zerolog.New(output).
		Level(parseLogLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger(), nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

func parseLogLevel(level string) zerolog.Level {
	if strings.EqualFold(level, "warning") {
		return zerolog.WarnLevel
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// WithUnitContext adds remote unit context to the logger.
func WithUnitContext(logger zerolog.Logger, address string, unitID byte) zerolog.Logger {
	return logger.With().
		Str("address", address).
		Uint8("unit_id", unitID).
		Logger()
}

// WithBlockContext adds poll block context to the logger.
func WithBlockContext(logger zerolog.Logger, block, kind string) zerolog.Logger {
	return logger.With().
		Str("block", block).
		Str("kind", kind).
		Logger()
}
