package logger

import (
	"context"

	bcontext "github.com/buildflow/buildflow/pkg/context"
)

// ContextFields extracts the tracing fields carried by ctx
func ContextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	var fields []Field
	if id, ok := bcontext.RequestID(ctx); ok {
		fields = append(fields, WithField("request_id", id))
	}
	if id, ok := bcontext.CorrelationID(ctx); ok {
		fields = append(fields, WithField("correlation_id", id))
	}
	if op, ok := bcontext.Operation(ctx); ok {
		fields = append(fields, WithField("operation", op))
	}
	if user, ok := bcontext.UserID(ctx); ok {
		fields = append(fields, WithField("user", user))
	}
	return fields
}

// WithContext returns a logger that attaches the tracing fields of ctx to every line
func WithContext(ctx context.Context, logger Logger) Logger {
	if ctx == nil {
		return logger
	}
	return &contextualLogger{ctx: ctx, logger: logger}
}

type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, append(ContextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.logger.Error(message, append(ContextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, append(ContextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, append(ContextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, append(ContextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) WithBuild(buildID string) Logger {
	return &contextualLogger{ctx: cl.ctx, logger: cl.logger.WithBuild(buildID)}
}
