package trace

import (
	"context"
	"time"
)

// Service is the I/O boundary to the agent pipeline backend.
type Service interface {
	// Start allocates a trace id for a new run. It returns an error wrapping
	// ErrServiceUnavailable when no backend is reachable.
	Start(ctx context.Context, goal string, params map[string]any) (string, error)
	// FetchUpdates returns the steps produced since the previous call and,
	// once the run has ended, its terminal status.
	FetchUpdates(ctx context.Context, traceID string) (Update, error)
	// FetchHistory returns previously recorded traces.
	FetchHistory(ctx context.Context) ([]Record, error)
}

// Metrics receives trace subsystem measurements.
type Metrics interface {
	RecordTraceStarted(ctx context.Context)
	RecordTraceFinished(ctx context.Context, status string)
	RecordStep(ctx context.Context, agentType string, failed bool, duration time.Duration)
	RecordPollError(ctx context.Context, kind string)
	PollerStarted(ctx context.Context)
	PollerStopped(ctx context.Context)
	SubscriberAdded(ctx context.Context)
	SubscriberRemoved(ctx context.Context)
}

type nopMetrics struct{}

func (nopMetrics) RecordTraceStarted(context.Context)                      {}
func (nopMetrics) RecordTraceFinished(context.Context, string)             {}
func (nopMetrics) RecordStep(context.Context, string, bool, time.Duration) {}
func (nopMetrics) RecordPollError(context.Context, string)                 {}
func (nopMetrics) PollerStarted(context.Context)                           {}
func (nopMetrics) PollerStopped(context.Context)                           {}
func (nopMetrics) SubscriberAdded(context.Context)                         {}
func (nopMetrics) SubscriberRemoved(context.Context)                       {}
