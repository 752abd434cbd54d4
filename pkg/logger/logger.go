package logger

import (
	"context"

	"go.uber.org/zap"

	"mailpilot/pkg/trace"
)

// NewLogger builds the production zap logger. LOG_LEVEL=debug switches to the
// development encoder for local runs.
func NewLogger(level string) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if level == "debug" {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return l.With(zap.String("app", "mailpilot"))
}

// WithTrace 从 context 中提取 trace_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}
