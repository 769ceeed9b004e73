package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
)

func newTestService(t *testing.T) (*Service, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	svc := NewServiceWithExporter(&Config{ServiceName: "ash-test", SamplingRate: 1.0}, exporter)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc, exporter
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewService_Disabled(t *testing.T) {
	svc, err := NewService(&Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	ctx, span := svc.StartJobSpan(context.Background(), "bandit")
	span.End()
	assert.Equal(t, "", GetTraceID(ctx))
	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestService_RunAndJobSpans(t *testing.T) {
	svc, exporter := newTestService(t)

	ctx, run := svc.StartRunSpan(context.Background(), "run-1", "/src", 2)
	assert.NotEmpty(t, GetTraceID(ctx))

	_, job := svc.StartJobSpan(ctx, "bandit")
	RecordError(job, errors.New("exit 2"))
	job.End()
	run.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	jobSpan, runSpan := spans[0], spans[1]
	assert.Equal(t, "scanner.bandit", jobSpan.Name)
	assert.Equal(t, codes.Error, jobSpan.Status.Code)
	assert.Equal(t, runSpan.SpanContext.SpanID(), jobSpan.Parent.SpanID())

	v, ok := attrValue(runSpan.Attributes, "scan.run_id")
	require.True(t, ok)
	assert.Equal(t, "run-1", v.AsString())
}

func TestRecordError_Nil(t *testing.T) {
	svc, exporter := newTestService(t)

	_, span := svc.StartStoreSpan(context.Background(), "put", "redis")
	RecordError(span, nil)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, exporter := newTestService(t)

	router := gin.New()
	router.Use(svc.TracingMiddleware())
	var traceID any
	router.GET("/api/v1/progress", func(c *gin.Context) {
		traceID = c.Request.Context().Value(logging.TraceIDKey)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/progress", nil))
	require.Equal(t, http.StatusOK, w.Code)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/progress", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, spans[0].SpanContext.TraceID().String(), traceID)
}
