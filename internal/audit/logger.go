package audit

import (
	"go.uber.org/zap"
)

// Logger records external-effect dispatches (tool calls, workflow
// invocations) with hashed, redacted payloads. Raw inputs never reach the
// log stream.
type Logger struct {
	hasher *Hasher
	logger *zap.Logger
}

// NewLogger creates an audit logger on top of the given zap logger.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{hasher: NewHasher(), logger: logger.Named("audit")}
}

// Dispatch logs an outbound side effect before it executes.
func (l *Logger) Dispatch(kind, name, actor, requestID string, payload interface{}) {
	l.logger.Info("external effect dispatched",
		zap.String("kind", kind),
		zap.String("name", name),
		zap.String("actor", actor),
		zap.String("request_id", requestID),
		zap.String("payload_hash", l.hasher.Hash(payload)),
	)
}

// Outcome logs the result of a previously dispatched side effect.
func (l *Logger) Outcome(kind, name, actor, requestID, status string, durationMs int64, payload interface{}) {
	l.logger.Info("external effect completed",
		zap.String("kind", kind),
		zap.String("name", name),
		zap.String("actor", actor),
		zap.String("request_id", requestID),
		zap.String("status", status),
		zap.Int64("duration_ms", durationMs),
		zap.String("payload_hash", l.hasher.Hash(payload)),
	)
}
