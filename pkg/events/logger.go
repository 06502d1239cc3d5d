package events

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig holds the logger configuration.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error)
	Level string `json:"level,omitempty" yaml:"level,omitempty"`

	// Environment determines output format (development = console, production = JSON)
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// DefaultLogConfig returns a LogConfig with sensible defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Environment: "development",
	}
}

// NewLogger builds a zap logger writing to stderr.
func NewLogger(cfg LogConfig) *zap.Logger {
	var encoder zapcore.Encoder
	if cfg.Environment == "production" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), parseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller())
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
