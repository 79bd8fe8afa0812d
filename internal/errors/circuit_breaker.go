package errors

import (
	"fmt"
	"sync"
	"time"

	"tracedash/internal/logging"
)

// BreakerState is the position of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls when a breaker opens and how it recovers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// SuccessThreshold consecutive probe successes close it again.
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`
	// Cooldown is how long the breaker stays open before it lets a probe through.
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// DefaultBreakerConfig returns the settings used for the trace backend.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker stops calls to a backend that keeps failing. Callers ask
// Allow before a call and report the outcome with Mark.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(name string, config BreakerConfig, logger logging.Logger) *CircuitBreaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Allow returns a degraded *Error while the breaker is open. Once the
// cooldown has passed the breaker turns half-open and calls go through as
// probes.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerOpen {
		return nil
	}
	remaining := cb.config.Cooldown - cb.now().Sub(cb.openedAt)
	if remaining <= 0 {
		cb.transition(BreakerHalfOpen)
		return nil
	}
	return NewDegradedError(
		fmt.Errorf("circuit breaker %s is open", cb.name),
		fmt.Sprintf("Trace backend %q is unavailable; next attempt in %v.", cb.name, remaining.Round(time.Second)),
	)
}

// Mark records the outcome of an allowed call; nil means success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil && cb.state == BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	case err == nil:
		cb.failures = 0
	case cb.state == BreakerHalfOpen:
		cb.transition(BreakerOpen)
	case cb.state == BreakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(BreakerOpen)
		}
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	switch to {
	case BreakerOpen:
		cb.openedAt = cb.now()
		cb.logger.Warn("[%s] breaker %s -> open after %d failures", cb.name, from, cb.failures)
	case BreakerClosed:
		cb.failures = 0
		cb.logger.Info("[%s] breaker %s -> closed", cb.name, from)
	default:
		cb.logger.Info("[%s] breaker %s -> %s", cb.name, from, to)
	}
}
