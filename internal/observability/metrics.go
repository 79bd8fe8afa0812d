package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the trace subsystem metrics
type MetricsCollector struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	// Trace lifecycle
	tracesStarted  metric.Int64Counter
	tracesFinished metric.Int64Counter

	// Steps
	stepsAppended metric.Int64Counter
	stepDuration  metric.Float64Histogram

	// Polling and fan-out
	pollErrors        metric.Int64Counter
	pollersActive     metric.Int64UpDownCounter
	subscribersActive metric.Int64UpDownCounter

	// HTTP server
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector backed by its own
// Prometheus registry so several collectors can coexist in one process.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("tracedash")

	tracesStarted, err := meter.Int64Counter(
		"tracedash.traces.started",
		metric.WithDescription("Total number of traces started"),
		metric.WithUnit("{trace}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create traces_started counter: %w", err)
	}

	tracesFinished, err := meter.Int64Counter(
		"tracedash.traces.finished",
		metric.WithDescription("Total number of traces that reached a terminal status"),
		metric.WithUnit("{trace}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create traces_finished counter: %w", err)
	}

	stepsAppended, err := meter.Int64Counter(
		"tracedash.steps.appended",
		metric.WithDescription("Total number of steps appended to traces"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create steps_appended counter: %w", err)
	}

	stepDuration, err := meter.Float64Histogram(
		"tracedash.step.duration",
		metric.WithDescription("Reported step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step_duration histogram: %w", err)
	}

	pollErrors, err := meter.Int64Counter(
		"tracedash.poll.errors",
		metric.WithDescription("Failed trace service fetches"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll_errors counter: %w", err)
	}

	pollersActive, err := meter.Int64UpDownCounter(
		"tracedash.pollers.active",
		metric.WithDescription("Number of running update pollers"),
		metric.WithUnit("{poller}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pollers_active gauge: %w", err)
	}

	subscribersActive, err := meter.Int64UpDownCounter(
		"tracedash.subscribers.active",
		metric.WithDescription("Number of registered trace subscribers"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscribers_active gauge: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"tracedash.http.server.requests",
		metric.WithDescription("HTTP requests served by the dashboard and backend routers"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}

	httpLatency, err := meter.Float64Histogram(
		"tracedash.http.server.duration",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_latency histogram: %w", err)
	}

	collector := &MetricsCollector{
		meter:             meter,
		provider:          provider,
		registry:          registry,
		tracesStarted:     tracesStarted,
		tracesFinished:    tracesFinished,
		stepsAppended:     stepsAppended,
		stepDuration:      stepDuration,
		pollErrors:        pollErrors,
		pollersActive:     pollersActive,
		subscribersActive: subscribersActive,
		httpRequests:      httpRequests,
		httpLatency:       httpLatency,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// Handler serves the collector's registry in the Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartPrometheusServer starts a standalone Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		if err := m.prometheusServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// RecordTraceStarted counts a newly started trace
func (m *MetricsCollector) RecordTraceStarted(ctx context.Context) {
	if m.tracesStarted == nil {
		return
	}
	m.tracesStarted.Add(ctx, 1)
}

// RecordTraceFinished counts a trace reaching a terminal status
func (m *MetricsCollector) RecordTraceFinished(ctx context.Context, status string) {
	if m.tracesFinished == nil {
		return
	}
	m.tracesFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStep records an appended step
func (m *MetricsCollector) RecordStep(ctx context.Context, agentType string, failed bool, duration time.Duration) {
	if m.stepsAppended == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.stepsAppended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_type", agentType),
		attribute.String("outcome", outcome),
	))
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("agent_type", agentType)))
}

// RecordPollError counts a failed fetch; kind is transient or permanent
func (m *MetricsCollector) RecordPollError(ctx context.Context, kind string) {
	if m.pollErrors == nil {
		return
	}
	m.pollErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// PollerStarted increments the active pollers gauge
func (m *MetricsCollector) PollerStarted(ctx context.Context) {
	if m.pollersActive == nil {
		return
	}
	m.pollersActive.Add(ctx, 1)
}

// PollerStopped decrements the active pollers gauge
func (m *MetricsCollector) PollerStopped(ctx context.Context) {
	if m.pollersActive == nil {
		return
	}
	m.pollersActive.Add(ctx, -1)
}

// SubscriberAdded increments the active subscribers gauge
func (m *MetricsCollector) SubscriberAdded(ctx context.Context) {
	if m.subscribersActive == nil {
		return
	}
	m.subscribersActive.Add(ctx, 1)
}

// SubscriberRemoved decrements the active subscribers gauge
func (m *MetricsCollector) SubscriberRemoved(ctx context.Context) {
	if m.subscribersActive == nil {
		return
	}
	m.subscribersActive.Add(ctx, -1)
}

// RecordHTTPServerRequest records one served request
func (m *MetricsCollector) RecordHTTPServerRequest(ctx context.Context, method, route string, status int, latency time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpLatency.Record(ctx, latency.Seconds(), attrs)
}
