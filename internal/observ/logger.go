package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceField is attached to every entry.
const ServiceField = "service"

// NewLogger creates a structured logger based on environment. Production
// emits JSON; anything else gets the colored console encoder.
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	config.InitialFields = map[string]any{ServiceField: "push-service"}

	return config.Build()
}

// ParseLevel falls back to info for unknown names.
func ParseLevel(level string) zapcore.Level {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return zapLevel
}
