// Package correlation carries a request-scoped correlation id that survives
// async hops such as published events and audit entries.
package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ContextWithCorrelationID is a no-op for an empty id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// EnsureCorrelationID returns ctx carrying either its existing id or a new ulid.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := ExtractCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return ContextWithCorrelationID(ctx, id), id
}

// Stamp identifies where an outbound event came from.
type Stamp struct {
	CorrelationID string
	TraceID       string
	SpanID        string
}

// StampFromContext always yields a correlation id. Trace ids are set only
// when ctx holds a valid span context.
func StampFromContext(ctx context.Context) Stamp {
	_, id := EnsureCorrelationID(ctx)
	stamp := Stamp{CorrelationID: id}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return stamp
	}
	stamp.TraceID = sc.TraceID().String()
	stamp.SpanID = sc.SpanID().String()
	return stamp
}
