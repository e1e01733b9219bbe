// Package middleware holds the Dashboard's Echo middleware: correlation-id
// propagation and a JSON null-to-empty-array rewrite.
package middleware

import "context"

type contextKey string

// CorrelationIDKey is the context key carrying an event's correlation_id
// (or event_id, when no correlation_id was supplied) as it threads through
// validation, aggregation and audit processing and their log lines.
const CorrelationIDKey contextKey = "correlation_id"

// WithCorrelationID returns a new context carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// CorrelationID extracts the correlation ID from the context, if present.
func CorrelationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(CorrelationIDKey).(string)
	return v, ok
}
