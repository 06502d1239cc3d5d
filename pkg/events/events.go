// Package events provides the structured event interface used by the recovery and
// retry paths, and the zap-backed logger that implements it.
package events

import (
	"sort"

	"go.uber.org/zap"
)

// Event categories.
const (
	CategoryRecovery = "recovery"
	CategoryRetry    = "retry"
	CategorySession  = "session"
	CategorySignIn   = "sign_in"
	CategoryConfig   = "config"
	CategoryAPI      = "api"
)

// Logger receives structured events. Implementations must not block.
type Logger interface {
	LogEvent(category string, fields map[string]any)
}

// Nop discards every event.
type Nop struct{}

// LogEvent is a no-op.
func (Nop) LogEvent(string, map[string]any) {}

// ZapLogger writes events through zap. Events whose fields contain an "error" key are
// logged at warn level, everything else at info.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps l. A nil logger yields a no-op zap logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{logger: l}
}

// LogEvent implements Logger.
func (z *ZapLogger) LogEvent(category string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys)+1)
	zf = append(zf, zap.String("category", category))
	_, hasErr := fields["error"]
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}

	if hasErr {
		z.logger.Warn(category, zf...)
		return
	}
	z.logger.Info(category, zf...)
}

// Func adapts a function to Logger.
type Func func(category string, fields map[string]any)

// LogEvent implements Logger.
func (f Func) LogEvent(category string, fields map[string]any) {
	f(category, fields)
}
