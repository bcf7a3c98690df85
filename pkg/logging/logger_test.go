package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("default level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("default pretty = true, want false")
	}
}

func TestSetupWritesToConfiguredOutput(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		emit  func(l zerolog.Logger, msg string)
	}{
		{"debug", LevelDebug, func(l zerolog.Logger, m string) { l.Debug().Msg(m) }},
		{"info", LevelInfo, func(l zerolog.Logger, m string) { l.Info().Msg(m) }},
		{"warn", LevelWarn, func(l zerolog.Logger, m string) { l.Warn().Msg(m) }},
		{"error", LevelError, func(l zerolog.Logger, m string) { l.Error().Msg(m) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Output: buf})

			msg := "event at " + tt.name
			tt.emit(logger, msg)

			if !strings.Contains(buf.String(), msg) {
				t.Errorf("output missing %q: %q", msg, buf.String())
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if result := parseLevel(tt.input); result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLoggerCarriesComponentField(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("batch-dispatcher")
	logger.Info().Str("id", "r1").Msg("chunk dispatched")

	output := buf.String()
	if !strings.Contains(output, `"component":"batch-dispatcher"`) {
		t.Errorf("output missing component field: %q", output)
	}
	if !strings.Contains(output, "chunk dispatched") {
		t.Errorf("output missing message: %q", output)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})

	logger := NewLogger("retry")

	logger.Debug().Msg("suppressed debug")
	logger.Info().Msg("suppressed info")
	logger.Warn().Msg("visible warn")
	logger.Error().Msg("visible error")

	output := buf.String()
	for _, suppressed := range []string{"suppressed debug", "suppressed info"} {
		if strings.Contains(output, suppressed) {
			t.Errorf("%q should be filtered out at warn level", suppressed)
		}
	}
	for _, visible := range []string{"visible warn", "visible error"} {
		if !strings.Contains(output, visible) {
			t.Errorf("%q should pass the warn level filter", visible)
		}
	}
}
