package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/quota/internal/observability/context"
	"github.com/smallbiznis/quota/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries a caller supplied correlation id; events published
// while serving the request reuse it.
const CorrelationHeader = "X-Correlation-ID"

// routeParams are copied onto the span when the matched route declares them.
var routeParams = map[string]string{
	"tenant_id": "quota.tenant_id",
	"metric":    "quota.metric",
	"action":    "quota.action",
	"provider":  "quota.webhook_provider",
}

// GinMiddleware instruments inbound HTTP requests.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("quota/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		method := strings.ToUpper(c.Request.Method)
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		cid := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if cid == "" {
			cid = obscontext.RequestIDFromContext(ctx)
		}
		ctx, cid = correlation.EnsureCorrelationID(correlation.ContextWithCorrelationID(ctx, cid))
		ctx = withBaggage(ctx, "correlation_id", cid)
		span.SetAttributes(attribute.String("correlation_id", cid))
		c.Header(CorrelationHeader, cid)

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)
		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		for _, p := range c.Params {
			if key, ok := routeParams[p.Key]; ok {
				attrs = append(attrs, attribute.String(key, p.Value))
			}
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		switch {
		case status == http.StatusPaymentRequired:
			span.AddEvent("quota.limit_exceeded")
		case status == http.StatusTooManyRequests:
			span.AddEvent("quota.rate_limited")
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}

func withBaggage(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMember(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
