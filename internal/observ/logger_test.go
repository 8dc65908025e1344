package observ

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		logger, err := NewLogger(env, "warn")
		if err != nil {
			t.Fatalf("%s: %v", env, err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			t.Errorf("%s: info should be disabled at warn level", env)
		}
		if !logger.Core().Enabled(zapcore.ErrorLevel) {
			t.Errorf("%s: error should be enabled", env)
		}
	}
}
