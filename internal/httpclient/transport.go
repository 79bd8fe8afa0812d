package httpclient

import (
	"fmt"
	"net/http"
	"time"

	apperrors "tracedash/internal/errors"
	"tracedash/internal/logging"
)

// Config shapes the client used to reach a remote trace backend.
type Config struct {
	Timeout             time.Duration           `yaml:"timeout" mapstructure:"timeout"`
	MaxIdleConnsPerHost int                     `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	Breaker             apperrors.BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// DefaultConfig returns the backend client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             10 * time.Second,
		MaxIdleConnsPerHost: 16,
		Breaker:             apperrors.DefaultBreakerConfig(),
	}
}

// New returns a client whose transport refuses requests while name's
// circuit breaker is open.
func New(name string, config Config, logger logging.Logger) *http.Client {
	logger = logging.OrNop(logger)
	if name == "" {
		name = "http-client"
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	if config.MaxIdleConnsPerHost > 0 {
		base.MaxIdleConnsPerHost = config.MaxIdleConnsPerHost
	}
	logger.Debug("HTTP client %s created (timeout=%s)", name, config.Timeout)

	return &http.Client{
		Timeout: config.Timeout,
		Transport: &guardedTransport{
			name:    name,
			base:    base,
			breaker: apperrors.NewCircuitBreaker(name, config.Breaker, logger),
		},
	}
}

type guardedTransport struct {
	name    string
	base    http.RoundTripper
	breaker *apperrors.CircuitBreaker
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}

	resp, err := t.base.RoundTrip(req)
	switch {
	case err != nil && req.Context().Err() != nil:
		// The caller gave up; the backend is not to blame.
		t.breaker.Mark(nil)
	case err != nil:
		t.breaker.Mark(err)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		t.breaker.Mark(&apperrors.HTTPStatusError{StatusCode: resp.StatusCode})
	default:
		t.breaker.Mark(nil)
	}
	return resp, err
}
