package tracing

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
)

// Config holds tracing configuration
type Config struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Enabled        bool    `json:"enabled"`
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ash",
		ServiceVersion: "dev",
		Environment:    "development",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SamplingRate:   1.0,
		Enabled:        false,
	}
}

// Service manages distributed tracing
type Service struct {
	tracer   oteltrace.Tracer
	config   *Config
	provider *sdktrace.TracerProvider
}

// NewService creates a tracing service that exports to Jaeger. When tracing
// is disabled the returned service hands out no-op spans.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return Noop(), nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	svc := newService(config, sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(svc.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return svc, nil
}

// NewServiceWithExporter creates an enabled service that sends spans
// synchronously to exporter. It does not touch the global provider.
func NewServiceWithExporter(config *Config, exporter sdktrace.SpanExporter) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.Enabled = true
	return newService(&cfg, sdktrace.WithSyncer(exporter))
}

// Noop returns a disabled service
func Noop() *Service {
	return &Service{
		tracer: noop.NewTracerProvider().Tracer("ash"),
		config: &Config{Enabled: false},
	}
}

func newService(config *Config, export sdktrace.TracerProviderOption) *Service {
	res := resource.NewSchemaless(
		attribute.String("service.name", config.ServiceName),
		attribute.String("service.version", config.ServiceVersion),
		attribute.String("deployment.environment", config.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)

	return &Service{
		tracer:   tp.Tracer(config.ServiceName),
		config:   config,
		provider: tp,
	}
}

// Enabled reports whether spans are recorded
func (s *Service) Enabled() bool {
	return s != nil && s.config.Enabled
}

// Shutdown flushes and stops the tracer provider
func (s *Service) Shutdown(ctx context.Context) error {
	if s != nil && s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func (s *Service) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	if s == nil {
		return Noop().tracer.Start(ctx, name, opts...)
	}
	return s.tracer.Start(ctx, name, opts...)
}

// StartRunSpan starts the root span of a scan run
func (s *Service) StartRunSpan(ctx context.Context, runID, target string, scanners int) (context.Context, oteltrace.Span) {
	return s.StartSpan(ctx, "scan.run",
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("scan.run_id", runID),
			attribute.String("scan.target", target),
			attribute.Int("scan.scanners", scanners),
		),
	)
}

// StartJobSpan starts a span for one scanner job
func (s *Service) StartJobSpan(ctx context.Context, scannerName string) (context.Context, oteltrace.Span) {
	return s.StartSpan(ctx, fmt.Sprintf("scanner.%s", scannerName),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("scanner.name", scannerName),
		),
	)
}

// StartStoreSpan starts a span for a snapshot store operation
func (s *Service) StartStoreSpan(ctx context.Context, operation, backend string) (context.Context, oteltrace.Span) {
	return s.StartSpan(ctx, fmt.Sprintf("snapshot.%s", operation),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("db.system", backend),
			attribute.String("db.operation", operation),
		),
	)
}

// StartHTTPSpan starts a span for HTTP requests
func (s *Service) StartHTTPSpan(ctx context.Context, method, path string) (context.Context, oteltrace.Span) {
	return s.StartSpan(ctx, fmt.Sprintf("%s %s", method, path),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
}

// RecordError records an error in the span and marks it failed
func RecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TracingMiddleware creates a middleware for distributed tracing
func (s *Service) TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		ctx, span := s.StartHTTPSpan(ctx, c.Request.Method, c.FullPath())
		defer span.End()
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = logging.WithTraceID(ctx, sc.TraceID().String())
		}

		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if c.Writer.Status() >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", c.Writer.Status()))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		for _, err := range c.Errors {
			RecordError(span, err.Err)
		}
	}
}

// GetTraceID returns the trace ID from the context
func GetTraceID(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
