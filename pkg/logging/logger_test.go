package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nexus-edge/robust-modbus/pkg/logging"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", line, err)
	}
	return entry
}

func TestNewWithConfigJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := logging.DefaultLogConfig()
	cfg.Writer = &buf

	logger, err := logging.NewWithConfig("robust-modbus", "1.2.3", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info().Msg("hello")

	entry := decodeLine(t, &buf)
	if entry["service"] != "robust-modbus" {
		t.Errorf("expected service field, got %v", entry["service"])
	}
	if entry["version"] != "1.2.3" {
		t.Errorf("expected version field, got %v", entry["version"])
	}
	if entry["message"] != "hello" {
		t.Errorf("expected message 'hello', got %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("expected level info, got %v", entry["level"])
	}
}

func TestNewWithConfigLevels(t *testing.T) {
	tests := []struct {
		level      string
		debugShown bool
		warnShown  bool
	}{
		{"trace", true, true},
		{"debug", true, true},
		{"info", false, true},
		{"warning", false, true},
		{"error", false, false},
		{"WARN", false, true},
		{"bogus", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := logging.NewWithConfig("svc", "v", logging.LogConfig{Level: tt.level, Writer: &buf})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			logger.Debug().Msg("debug")
			if got := buf.Len() > 0; got != tt.debugShown {
				t.Errorf("debug shown = %v, want %v", got, tt.debugShown)
			}
			buf.Reset()

			logger.Warn().Msg("warn")
			if got := buf.Len() > 0; got != tt.warnShown {
				t.Errorf("warn shown = %v, want %v", got, tt.warnShown)
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	base, err := logging.NewWithConfig("svc", "v", logging.LogConfig{Writer: &buf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger := logging.WithUnitContext(base, "plc:502", 7)
	logger = logging.WithBlockContext(logger, "temps", "holding_registers")
	logger.Error().Int("attempt", 2).Err(errors.New("boom")).Msg("failed")

	entry := decodeLine(t, &buf)
	checks := map[string]interface{}{
		"address": "plc:502",
		"unit_id": float64(7),
		"block":   "temps",
		"kind":    "holding_registers",
		"attempt": float64(2),
		"error":   "boom",
		"message": "failed",
	}
	for k, want := range checks {
		if entry[k] != want {
			t.Errorf("field %s: expected %v, got %v", k, want, entry[k])
		}
	}
}

func TestNewWithConfigFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	logger, err := logging.NewWithConfig("svc", "v", logging.LogConfig{Output: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info().Msg("to file")

	_, err = logging.NewWithConfig("svc", "v", logging.LogConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	if err == nil {
		t.Error("expected error for unwritable log path")
	}
}
