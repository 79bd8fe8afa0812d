package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "tracedash"

// Span names.
const (
	SpanStartTrace   = "tracedash.store.start_trace"
	SpanPollFetch    = "tracedash.poller.fetch"
	SpanHTTPRequest  = "tracedash.http.request"
	SpanHTTPServer   = "tracedash.http.server"
	SpanStreamClient = "tracedash.stream.connection"
)

// Attribute keys.
const (
	AttrTraceID   = "tracedash.trace_id"
	AttrStepCount = "tracedash.step_count"
	AttrStatus    = "tracedash.status"
)

// TracingConfig selects the span exporter. Spans are only recorded when
// Enabled is set.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter       string  `yaml:"exporter" mapstructure:"exporter"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint" mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `yaml:"service_version" mapstructure:"service_version"`
}

func (c TracingConfig) withDefaults() TracingConfig {
	if c.ServiceName == "" {
		c.ServiceName = instrumentationName
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = "localhost:4318"
	}
	if c.ZipkinEndpoint == "" {
		c.ZipkinEndpoint = "http://localhost:9411/api/v2/spans"
	}
	return c
}

// TracerProvider owns the SDK provider, if any, behind the tracer handed to
// the store, pollers and HTTP layer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds a provider for config. A disabled config yields a
// no-op tracer.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}
	config = config.withDefaults()

	exporter, err := newSpanExporter(config)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", config.ServiceName),
			attribute.String("service.version", config.ServiceVersion),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider, tracer: provider.Tracer(instrumentationName)}, nil
}

func newSpanExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch strings.ToLower(config.Exporter) {
	case "", "otlp":
		exporter, err = otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		exporter, err = zipkin.New(config.ZipkinEndpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter %q", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", config.Exporter, err)
	}
	return exporter, nil
}

// Tracer returns the tracer to pass to components.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a span tagged with the dashboard trace id carried by ctx.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		attrs = append(attrs, attribute.String(AttrTraceID, traceID))
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// RecordSpanError marks span as failed with err. A nil err is ignored.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetTraceStatus tags span with the terminal status of a dashboard trace.
func SetTraceStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(AttrStatus, status))
}
