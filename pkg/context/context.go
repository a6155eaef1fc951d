// Package context carries request tracing values through event handling
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Unexported struct pointers prevent key collisions.
var (
	requestIDKey     = &struct{}{}
	correlationIDKey = &struct{}{}
	userIDKey        = &struct{}{}
	operationKey     = &struct{}{}
	startTimeKey     = &struct{}{}
)

// WithRequestID adds a request ID to the context, generating one when empty
func WithRequestID(parent context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = generateRequestID()
	}
	return context.WithValue(parent, requestIDKey, requestID)
}

// RequestID retrieves the request ID from context
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// WithCorrelationID adds a correlation ID, shared by every event derived from one intent
func WithCorrelationID(parent context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = generateCorrelationID()
	}
	return context.WithValue(parent, correlationIDKey, correlationID)
}

// CorrelationID retrieves the correlation ID from context
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok && id != ""
}

// WithUserID adds the acting user to the context
func WithUserID(parent context.Context, userID string) context.Context {
	return context.WithValue(parent, userIDKey, userID)
}

// UserID retrieves the acting user from context
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// Operation retrieves the operation name from context
func Operation(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operationKey).(string)
	return op, ok && op != ""
}

// WithStartTime records when handling started
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// Elapsed returns the time since WithStartTime, or zero when unset
func Elapsed(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

// generateRequestID creates a new unique request ID
func generateRequestID() string {
	return "req_" + uuid.New().String()
}

// generateCorrelationID creates a new unique correlation ID
func generateCorrelationID() string {
	return "cor_" + uuid.New().String()
}

// EnrichContext adds a request ID, a correlation ID if missing, and the start time
func EnrichContext(parent context.Context, operation string) context.Context {
	ctx := WithRequestID(parent, "")
	if _, ok := CorrelationID(ctx); !ok {
		ctx = WithCorrelationID(ctx, "")
	}
	if operation != "" {
		ctx = WithOperation(ctx, operation)
	}
	return WithStartTime(ctx, time.Now())
}
