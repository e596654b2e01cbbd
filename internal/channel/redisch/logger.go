package redisch

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// NewLogger adapts l to watermill.LoggerAdapter. Watermill's info logs are
// chatty, so they go to debug.
func NewLogger(l *zap.Logger) watermill.LoggerAdapter {
	if l == nil {
		l = zap.NewNop()
	}
	return zapAdapter{l: l}
}

type zapAdapter struct{ l *zap.Logger }

func (z zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	z.l.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (z zapAdapter) Info(msg string, fields watermill.LogFields) {
	z.l.Debug(msg, zapFields(fields)...)
}

func (z zapAdapter) Debug(msg string, fields watermill.LogFields) {
	z.l.Debug(msg, zapFields(fields)...)
}

func (z zapAdapter) Trace(msg string, fields watermill.LogFields) {
	z.l.Debug(msg, zapFields(fields)...)
}

func (z zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zapAdapter{l: z.l.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
