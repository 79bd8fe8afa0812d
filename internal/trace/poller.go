package trace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"tracedash/internal/async"
	apperrors "tracedash/internal/errors"
	"tracedash/internal/logging"
	"tracedash/internal/observability"
)

// PollerConfig configures update pollers.
type PollerConfig struct {
	// Interval between fetches.
	Interval time.Duration
	// FetchTimeout bounds a single FetchUpdates call; zero means no bound.
	FetchTimeout time.Duration
	// MaxConsecutiveFailures ends the poller and fails the trace after that
	// many transient fetch failures in a row; zero retries forever.
	MaxConsecutiveFailures int
}

// DefaultPollerConfig returns the dashboard defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     time.Second,
		FetchTimeout: 5 * time.Second,
	}
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollerConfig().Interval
	}
	if c.FetchTimeout < 0 {
		c.FetchTimeout = 0
	}
	if c.MaxConsecutiveFailures < 0 {
		c.MaxConsecutiveFailures = 0
	}
	return c
}

// PollerState is the state of a poller.
type PollerState int32

const (
	PollerActive PollerState = iota
	PollerStopped
)

func (s PollerState) String() string {
	if s == PollerActive {
		return "active"
	}
	return "stopped"
}

// updateSink is the subset of the store a poller may call. Every method
// re-checks that the poller is still active while the trace is locked, so a
// result cannot land once Cancel has returned.
type updateSink interface {
	applyStep(p *Poller, step Step)
	applyCompletion(p *Poller, result Result)
	applyFailure(p *Poller, reason string)
}

// Poller fetches updates for exactly one trace and forwards them to the store
// until the service reports a terminal status, the failure budget runs out,
// or Cancel is called. Results fetched after Cancel are discarded.
type Poller struct {
	traceID string
	service Service
	sink    updateSink
	config  PollerConfig
	logger  logging.Logger
	metrics Metrics
	tracer  oteltrace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	// gate orders Cancel against the apply step of a fetched result.
	gate   sync.Mutex
	state  atomic.Int32
	done   chan struct{}
	onExit func()

	failures int
}

func newPoller(traceID string, service Service, sink updateSink, config PollerConfig, logger logging.Logger, metrics Metrics, tracer oteltrace.Tracer) *Poller {
	ctx, cancel := context.WithCancel(observability.ContextWithTraceID(context.Background(), traceID))
	return &Poller{
		traceID: traceID,
		service: service,
		sink:    sink,
		config:  config.withDefaults(),
		logger:  logging.WithTraceID(logging.OrNop(logger), traceID),
		metrics: metrics,
		tracer:  tracer,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (p *Poller) start() {
	p.metrics.PollerStarted(p.ctx)
	async.Go(p.logger, "trace-poller", p.run)
}

// TraceID returns the trace the poller is bound to.
func (p *Poller) TraceID() string {
	return p.traceID
}

// State returns the current poller state.
func (p *Poller) State() PollerState {
	return PollerState(p.state.Load())
}

// Active reports whether the poller may still apply results.
func (p *Poller) Active() bool {
	return p.State() == PollerActive
}

// Done is closed once the poller goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Cancel stops the poller. It may be called any number of times, including
// after the poller stopped on its own and from inside a subscriber callback.
// It waits only for a result that is being applied at that moment; nothing
// fetched by the poller reaches the store after Cancel returns.
func (p *Poller) Cancel() {
	p.gate.Lock()
	wasActive := p.state.Swap(int32(PollerStopped)) == int32(PollerActive)
	p.gate.Unlock()
	if wasActive {
		p.logger.Debug("Poller cancelled")
	}
	p.cancel()
}

// admit locks the gate and reports whether a result may be applied. The
// caller must call release whatever the answer.
func (p *Poller) admit() bool {
	p.gate.Lock()
	return p.Active()
}

// release unlocks the gate. A terminal result stops the poller first so no
// later result is admitted.
func (p *Poller) release(terminal bool) {
	if terminal {
		p.state.Store(int32(PollerStopped))
	}
	p.gate.Unlock()
}

func (p *Poller) run() {
	defer close(p.done)
	defer func() {
		p.state.Store(int32(PollerStopped))
		p.cancel()
		p.metrics.PollerStopped(context.Background())
		if p.onExit != nil {
			p.onExit()
		}
	}()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		if p.pollOnce() {
			return
		}
	}
}

// pollOnce runs one fetch cycle and reports whether the poller should stop.
func (p *Poller) pollOnce() bool {
	ctx, span := p.tracer.Start(p.ctx, observability.SpanPollFetch,
		oteltrace.WithAttributes(attribute.String(observability.AttrTraceID, p.traceID)))
	defer span.End()

	fetchCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.config.FetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, p.config.FetchTimeout)
	}
	update, err := p.service.FetchUpdates(fetchCtx, p.traceID)
	cancel()

	if !p.Active() {
		p.logger.Debug("Discarding fetch result that resolved after cancellation")
		return true
	}
	if err != nil {
		observability.RecordSpanError(span, err)
		return p.handleFetchError(ctx, err)
	}
	p.failures = 0
	span.SetAttributes(attribute.Int(observability.AttrStepCount, len(update.Steps)))

	for _, step := range update.Steps {
		if !p.Active() {
			return true
		}
		p.sink.applyStep(p, step)
	}

	switch update.Status {
	case "", StatusRunning:
		return false
	case StatusCompleted:
		observability.SetTraceStatus(span, string(StatusCompleted))
		result := Result{}
		if update.Result != nil {
			result = *update.Result
		}
		p.sink.applyCompletion(p, result)
		return true
	case StatusFailed:
		observability.SetTraceStatus(span, string(StatusFailed))
		reason := update.Error
		if reason == "" {
			reason = "trace service reported the run as failed"
		}
		p.sink.applyFailure(p, reason)
		return true
	default:
		p.logger.Warn("Ignoring unknown trace status %q", update.Status)
		return false
	}
}

func (p *Poller) handleFetchError(ctx context.Context, err error) bool {
	if p.ctx.Err() != nil {
		return true
	}

	if apperrors.IsPermanent(err) {
		p.metrics.RecordPollError(ctx, apperrors.KindPermanent.String())
		p.logger.Error("Trace service rejected update fetch: %v", err)
		p.sink.applyFailure(p, fmt.Sprintf("trace service rejected updates: %v", err))
		return true
	}

	p.failures++
	fetchErr := &TransientFetchError{TraceID: p.traceID, Consecutive: p.failures, Err: err}
	p.metrics.RecordPollError(ctx, apperrors.KindTransient.String())
	p.logger.Warn("%v", fetchErr)

	if p.config.MaxConsecutiveFailures > 0 && p.failures >= p.config.MaxConsecutiveFailures {
		p.sink.applyFailure(p, fmt.Sprintf("poller gave up after %d consecutive fetch failures: %v", p.failures, err))
		return true
	}
	return false
}
