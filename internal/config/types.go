package config

import (
	"fmt"
	"strings"
	"time"

	"tracedash/internal/dashboard"
	apperrors "tracedash/internal/errors"
	"tracedash/internal/observability"
	serverhttp "tracedash/internal/server/http"
	"tracedash/internal/trace"
	"tracedash/internal/tracesvc"
	id "tracedash/internal/utils/id"
)

// Service modes.
const (
	ServiceModeSimulated = "simulated"
	ServiceModeHTTP      = "http"
)

// Config is the full tracedash configuration.
type Config struct {
	Poller        PollerConfig             `yaml:"poller" mapstructure:"poller"`
	Service       ServiceConfig            `yaml:"service" mapstructure:"service"`
	Simulator     tracesvc.SimulatorConfig `yaml:"simulator" mapstructure:"simulator"`
	Server        ServerConfig             `yaml:"server" mapstructure:"server"`
	History       dashboard.Config         `yaml:"history" mapstructure:"history"`
	IDs           IDConfig                 `yaml:"ids" mapstructure:"ids"`
	Observability observability.Config     `yaml:"observability" mapstructure:"observability"`
}

// PollerConfig controls update polling for every trace.
type PollerConfig struct {
	Interval               time.Duration `yaml:"interval" mapstructure:"interval"`
	FetchTimeout           time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
}

// ServiceConfig selects the trace service implementation.
type ServiceConfig struct {
	Mode            string        `yaml:"mode" mapstructure:"mode"`
	BaseURL         string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	StartRetries    int           `yaml:"start_retries" mapstructure:"start_retries"`
	StartRetryDelay time.Duration `yaml:"start_retry_delay" mapstructure:"start_retry_delay"`
}

// ServerConfig holds listen addresses and router settings.
type ServerConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	BackendAddr string `yaml:"backend_addr" mapstructure:"backend_addr"`

	serverhttp.RouterConfig `yaml:",inline" mapstructure:",squash"`
}

// IDConfig selects the identifier strategy used by the simulator.
type IDConfig struct {
	Strategy string `yaml:"strategy" mapstructure:"strategy"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Poller: PollerConfig{
			Interval:     time.Second,
			FetchTimeout: 5 * time.Second,
		},
		Service: ServiceConfig{
			Mode:            ServiceModeSimulated,
			BaseURL:         "http://localhost:8090",
			Timeout:         10 * time.Second,
			StartRetries:    2,
			StartRetryDelay: 200 * time.Millisecond,
		},
		Simulator: tracesvc.DefaultSimulatorConfig(),
		Server: ServerConfig{
			Addr:        ":8080",
			BackendAddr: ":8090",
			RouterConfig: serverhttp.RouterConfig{
				AllowedOrigins:  []string{"*"},
				MaxBodyBytes:    1 << 20,
				StreamHeartbeat: 30 * time.Second,
				StartRateLimit: serverhttp.RateLimitConfig{
					RequestsPerMinute: 30,
					Burst:             5,
					EntryTTL:          15 * time.Minute,
				},
			},
		},
		History:       dashboard.DefaultConfig(),
		IDs:           IDConfig{Strategy: "uuidv7"},
		Observability: observability.DefaultConfig(),
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive, got %s", c.Poller.Interval)
	}
	if c.Poller.FetchTimeout < 0 {
		return fmt.Errorf("poller.fetch_timeout must not be negative")
	}
	if c.Poller.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("poller.max_consecutive_failures must not be negative")
	}
	switch c.Service.Mode {
	case ServiceModeSimulated:
	case ServiceModeHTTP:
		if strings.TrimSpace(c.Service.BaseURL) == "" {
			return fmt.Errorf("service.base_url is required in %s mode", ServiceModeHTTP)
		}
	default:
		return fmt.Errorf("service.mode must be %q or %q, got %q", ServiceModeSimulated, ServiceModeHTTP, c.Service.Mode)
	}
	if c.Service.StartRetries < 0 {
		return fmt.Errorf("service.start_retries must not be negative")
	}
	for name, rate := range map[string]float64{
		"simulator.transient_failure_rate": c.Simulator.TransientFailureRate,
		"simulator.step_error_rate":        c.Simulator.StepErrorRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, rate)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.IDs.Strategy)) {
	case "", "uuidv7", "ksuid":
	default:
		return fmt.Errorf("ids.strategy must be uuidv7 or ksuid, got %q", c.IDs.Strategy)
	}
	return nil
}

// TracePoller converts the poller section for the trace store.
func (c Config) TracePoller() trace.PollerConfig {
	return trace.PollerConfig{
		Interval:               c.Poller.Interval,
		FetchTimeout:           c.Poller.FetchTimeout,
		MaxConsecutiveFailures: c.Poller.MaxConsecutiveFailures,
	}
}

// StartRetry converts the start retry settings.
func (c Config) StartRetry() apperrors.RetryConfig {
	retry := apperrors.DefaultRetryConfig()
	retry.MaxAttempts = c.Service.StartRetries
	if c.Service.StartRetryDelay > 0 {
		retry.BaseDelay = c.Service.StartRetryDelay
	}
	return retry
}

// IDStrategy returns the parsed identifier strategy.
func (c Config) IDStrategy() id.Strategy {
	return id.ParseStrategy(c.IDs.Strategy)
}
