package service

import (
	"context"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// WithTraceID attaches a trace id to ctx for log correlation across the
// loop, dispatcher, and subprocess layers. An empty traceID gets a fresh
// one.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()[:8]
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace id attached by WithTraceID, or ""
// when the context carries none.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
