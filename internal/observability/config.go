package observability

import (
	"context"
	"errors"
	"fmt"
)

// Config groups the logging, metrics and tracing settings.
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// LoggingConfig is the file form of LogConfig.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultConfig logs text at info, serves metrics from the dashboard router
// and leaves span export off.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			ZipkinEndpoint: "http://localhost:9411/api/v2/spans",
			SampleRate:     1,
			ServiceName:    instrumentationName,
			ServiceVersion: "1.0.0",
		},
	}
}

// Provider holds the components built from a Config.
type Provider struct {
	Logger  *Logger
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// New builds a Provider. Nothing is left running when it fails.
func New(config Config) (*Provider, error) {
	metrics, err := NewMetricsCollector(config.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	tracer, err := NewTracerProvider(config.Tracing)
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return &Provider{
		Logger:  NewLogger(LogConfig{Level: config.Logging.Level, Format: config.Logging.Format}),
		Metrics: metrics,
		Tracer:  tracer,
	}, nil
}

// Shutdown flushes spans and stops metric collection.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.Tracer != nil {
		errs = append(errs, p.Tracer.Shutdown(ctx))
	}
	if p.Metrics != nil {
		errs = append(errs, p.Metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
