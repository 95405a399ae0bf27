package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordedEngine(t *testing.T, status int) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	r := gin.New()
	r.Use(GinMiddleware())
	r.POST("/tenants/:tenant_id/usage/:metric/increment", func(c *gin.Context) {
		c.Status(status)
	})
	return r, recorder
}

func attrValue(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestGinMiddlewareTagsQuotaRoute(t *testing.T) {
	r, recorder := newRecordedEngine(t, http.StatusPaymentRequired)

	req := httptest.NewRequest(http.MethodPost, "/tenants/42/usage/contacts/increment", nil)
	req.Header.Set(CorrelationHeader, "cid-123")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, "cid-123", resp.Header().Get(CorrelationHeader))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "HTTP POST /tenants/:tenant_id/usage/:metric/increment", span.Name())

	tenant, ok := attrValue(span.Attributes(), "quota.tenant_id")
	require.True(t, ok)
	assert.Equal(t, "42", tenant)
	metric, _ := attrValue(span.Attributes(), "quota.metric")
	assert.Equal(t, "contacts", metric)
	cid, _ := attrValue(span.Attributes(), "correlation_id")
	assert.Equal(t, "cid-123", cid)

	require.Len(t, span.Events(), 1)
	assert.Equal(t, "quota.limit_exceeded", span.Events()[0].Name)
	assert.NotEqual(t, "Error", span.Status().Code.String())
}

func TestGinMiddlewareGeneratesCorrelationID(t *testing.T) {
	r, recorder := newRecordedEngine(t, http.StatusInternalServerError)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/tenants/7/usage/emails/increment", nil))

	assert.NotEmpty(t, resp.Header().Get(CorrelationHeader))
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}
