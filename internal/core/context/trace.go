// Package context provides scoped values carried through context.Context:
// the trace of the current command and the transaction it runs in.
package context

import (
	"context"

	"txcoord/internal/core/id"
)

// TraceContext contains tracing information for one CLI command or HTTP request.
type TraceContext struct {
	TraceID   string
	RequestID string
}

type traceContextKey struct{}

// WithTrace adds TraceContext to context.
func WithTrace(ctx context.Context, trace *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, trace)
}

// GetTrace returns TraceContext from context.
func GetTrace(ctx context.Context) *TraceContext {
	if v, ok := ctx.Value(traceContextKey{}).(*TraceContext); ok {
		return v
	}
	return nil
}

// NewTraceContext creates a new TraceContext with generated IDs.
func NewTraceContext() *TraceContext {
	return &TraceContext{
		TraceID:   id.NewString(),
		RequestID: id.NewString(),
	}
}
