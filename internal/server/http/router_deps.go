package http

import (
	"time"

	"tracedash/internal/dashboard"
	"tracedash/internal/logging"
	"tracedash/internal/observability"
)

// RouterDeps holds the services needed to construct the dashboard router.
type RouterDeps struct {
	Session *dashboard.Session
	Obs     *observability.Provider
	Logger  logging.Logger
}

// RouterConfig holds configuration values for the HTTP routers.
type RouterConfig struct {
	AllowedOrigins  []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat" mapstructure:"stream_heartbeat"`
	Debug           bool          `yaml:"debug" mapstructure:"debug"`
	// StartRateLimit applies to POST /api/traces only.
	StartRateLimit RateLimitConfig `yaml:"start_rate_limit" mapstructure:"start_rate_limit"`
}

const (
	defaultMaxBodyBytes    int64 = 1 << 20
	defaultStreamHeartbeat       = 30 * time.Second
)

func (c RouterConfig) withDefaults() RouterConfig {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.StreamHeartbeat <= 0 {
		c.StreamHeartbeat = defaultStreamHeartbeat
	}
	return c
}
