package types

import (
	"context"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	cycleIDKey   contextKey = "cycle_id"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithCycleID stores the polling-cycle correlation ID in the context.
// The cycle runner sets it once per cycle so that source, engine and sink
// logs can be correlated.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey, id)
}

// GetCycleID retrieves the polling-cycle correlation ID from the context.
func GetCycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey).(string)
	return id
}
