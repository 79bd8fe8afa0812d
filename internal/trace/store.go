package trace

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "tracedash/internal/errors"
	"tracedash/internal/logging"
	"tracedash/internal/observability"
)

// Store is the single owner of trace records. Records are published as
// immutable snapshots; every mutation builds a new snapshot, recomputes the
// aggregates and notifies subscribers before the next mutation of the same
// trace may start.
//
// Subscriber callbacks run on the mutating goroutine while the trace is
// locked. They may read the store, unsubscribe, or stop polling, but must not
// call AppendStep, CompleteTrace or FailTrace for the trace being delivered.
type Store struct {
	service    Service
	registry   *Registry
	logger     logging.Logger
	metrics    Metrics
	tracer     oteltrace.Tracer
	pollerCfg  PollerConfig
	startRetry apperrors.RetryConfig
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	pollers map[string]*Poller
	closed  bool
}

type entry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[Record]
	evicted  atomic.Bool
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithMetrics sets the metrics sink shared by the store, registry and pollers.
func WithMetrics(metrics Metrics) Option {
	return func(s *Store) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithTracer sets the OpenTelemetry tracer used for start and poll spans.
func WithTracer(tracer oteltrace.Tracer) Option {
	return func(s *Store) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithPollerConfig sets the configuration for every poller the store launches.
func WithPollerConfig(config PollerConfig) Option {
	return func(s *Store) { s.pollerCfg = config.withDefaults() }
}

// WithStartRetry sets how transient Start failures are retried.
func WithStartRetry(config apperrors.RetryConfig) Option {
	return func(s *Store) { s.startRetry = config }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store that allocates traces through service.
func NewStore(service Service, opts ...Option) *Store {
	s := &Store{
		service:    service,
		logger:     logging.NewComponentLogger("TraceStore"),
		metrics:    nopMetrics{},
		tracer:     noop.NewTracerProvider().Tracer("tracedash"),
		pollerCfg:  DefaultPollerConfig(),
		startRetry: apperrors.RetryConfig{},
		now:        time.Now,
		entries:    make(map[string]*entry),
		pollers:    make(map[string]*Poller),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = NewRegistry(s.logger, s.metrics)
	return s
}

// Registry exposes the subscription registry backing the store.
func (s *Store) Registry() *Registry {
	return s.registry
}

// StartTrace allocates a trace through the service, records it as running and
// launches its poller. On failure it returns a *StartFailure and leaves no
// state behind.
func (s *Store) StartTrace(ctx context.Context, goal string, params map[string]any) (string, error) {
	ctx, span := s.tracer.Start(ctx, observability.SpanStartTrace)
	defer span.End()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return "", &StartFailure{Goal: goal, Err: ErrStoreClosed}
	}

	traceID, err := apperrors.Do(ctx, s.startRetry, s.logger, func(ctx context.Context) (string, error) {
		return s.service.Start(ctx, goal, params)
	})
	if err == nil && traceID == "" {
		err = errors.New("trace service returned an empty trace id")
	}
	if err != nil {
		observability.RecordSpanError(span, err)
		s.logger.Warn("Failed to start trace for goal %q: %v", goal, err)
		return "", &StartFailure{Goal: goal, Err: err}
	}
	span.SetAttributes(attribute.String(observability.AttrTraceID, traceID))

	rec := &Record{
		ID:        traceID,
		Goal:      goal,
		Context:   maps.Clone(params),
		Status:    StatusRunning,
		Steps:     []Step{},
		StartTime: s.now(),
	}
	recomputeAggregates(rec)

	e := &entry{}
	e.snapshot.Store(rec)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", &StartFailure{Goal: goal, Err: ErrStoreClosed}
	}
	if _, exists := s.entries[traceID]; exists {
		s.mu.Unlock()
		return "", &StartFailure{Goal: goal, Err: errors.New("trace service reissued existing id " + traceID)}
	}
	s.entries[traceID] = e
	poller := newPoller(traceID, s.service, s, s.pollerCfg, s.logger, s.metrics, s.tracer)
	poller.onExit = func() { s.forgetPoller(traceID, poller) }
	s.pollers[traceID] = poller
	s.mu.Unlock()

	poller.start()
	s.metrics.RecordTraceStarted(ctx)
	s.logger.Info("Trace %s started for goal %q", traceID, goal)
	return traceID, nil
}

// AppendStep appends step to a running trace. Unknown or evicted traces and
// terminal traces are ignored, as are steps whose id is already recorded.
func (s *Store) AppendStep(traceID string, step Step) {
	s.appendStep(traceID, nil, step)
}

func (s *Store) applyStep(p *Poller, step Step) {
	s.appendStep(p.traceID, p, step)
}

func (s *Store) appendStep(traceID string, source *Poller, step Step) {
	var appended Step
	_, ok := s.mutate(traceID, source, func(rec *Record) bool {
		if rec.Status.IsTerminal() {
			s.logger.Debug("Dropping step %s for %s trace %s", step.ID, rec.Status, traceID)
			return false
		}
		if step.ID != "" && rec.hasStep(step.ID) {
			s.logger.Debug("Ignoring duplicate step %s for trace %s", step.ID, traceID)
			return false
		}
		appended = normalizeStep(step, s.now())
		rec.Steps = append(slices.Clip(rec.Steps), appended)
		return true
	})
	if !ok {
		return
	}
	s.metrics.RecordStep(context.Background(), appended.AgentType, appended.Failed(), time.Duration(appended.DurationMs)*time.Millisecond)
}

// CompleteTrace marks a running trace completed with result. It is a no-op
// for terminal, unknown or evicted traces.
func (s *Store) CompleteTrace(traceID string, result Result) {
	s.complete(traceID, nil, result)
}

func (s *Store) applyCompletion(p *Poller, result Result) {
	s.complete(p.traceID, p, result)
}

func (s *Store) complete(traceID string, source *Poller, result Result) {
	_, ok := s.mutate(traceID, source, func(rec *Record) bool {
		if rec.Status.IsTerminal() {
			return false
		}
		confidence := ClampConfidence(result.Confidence)
		if confidence != result.Confidence {
			s.logger.Warn("Trace %s reported out-of-range confidence %v; clamped to %v", traceID, result.Confidence, confidence)
		}
		final := result
		final.Confidence = confidence
		final.Output = maps.Clone(result.Output)

		end := s.now()
		rec.Status = StatusCompleted
		rec.EndTime = &end
		rec.OverallConfidence = confidence
		rec.Result = &final
		return true
	})
	if ok {
		s.finish(traceID, StatusCompleted)
	}
}

// FailTrace marks a running trace failed with reason. It is a no-op for
// terminal, unknown or evicted traces.
func (s *Store) FailTrace(traceID string, reason string) {
	s.fail(traceID, nil, reason)
}

func (s *Store) applyFailure(p *Poller, reason string) {
	s.fail(p.traceID, p, reason)
}

func (s *Store) fail(traceID string, source *Poller, reason string) {
	_, ok := s.mutate(traceID, source, func(rec *Record) bool {
		if rec.Status.IsTerminal() {
			return false
		}
		end := s.now()
		rec.Status = StatusFailed
		rec.EndTime = &end
		rec.FailureReason = reason
		return true
	})
	if ok {
		s.finish(traceID, StatusFailed)
	}
}

func (s *Store) finish(traceID string, status Status) {
	s.StopPolling(traceID)
	s.metrics.RecordTraceFinished(context.Background(), string(status))
	s.logger.Info("Trace %s %s", traceID, status)
}

// mutate applies fn to a copy of the current snapshot. When fn reports a
// change the aggregates are recomputed, the copy is published and
// subscribers are notified, all while the trace is locked.
//
// A non-nil source is the poller that fetched the change. It must still be
// active once the trace is locked, and its gate stays closed until the
// snapshot is published, so a concurrent Cancel either rejects the change or
// returns after it.
func (s *Store) mutate(traceID string, source *Poller, fn func(rec *Record) bool) (Record, bool) {
	e := s.lookup(traceID)
	if e == nil {
		return Record{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.evicted.Load() {
		return Record{}, false
	}
	if source != nil && !source.admit() {
		source.release(false)
		s.logger.Debug("Discarding result for trace %s fetched by a cancelled poller", traceID)
		return Record{}, false
	}

	next := *e.snapshot.Load()
	changed := fn(&next)
	if changed {
		recomputeAggregates(&next)
		e.snapshot.Store(&next)
	}
	if source != nil {
		source.release(changed && next.Status.IsTerminal())
	}
	if !changed {
		return Record{}, false
	}

	s.registry.Notify(traceID, next)
	return next, true
}

func (s *Store) lookup(traceID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[traceID]
}

// GetTrace returns the latest snapshot of traceID.
func (s *Store) GetTrace(traceID string) (Record, bool) {
	e := s.lookup(traceID)
	if e == nil {
		return Record{}, false
	}
	return *e.snapshot.Load(), true
}

// List returns the latest snapshot of every trace, newest first.
func (s *Store) List() []Record {
	s.mu.RLock()
	records := make([]Record, 0, len(s.entries))
	for _, e := range s.entries {
		records = append(records, *e.snapshot.Load())
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].StartTime.Equal(records[j].StartTime) {
			return records[i].ID > records[j].ID
		}
		return records[i].StartTime.After(records[j].StartTime)
	})
	return records
}

// Subscribe registers fn for every future snapshot of traceID.
func (s *Store) Subscribe(traceID string, fn Callback) (unsubscribe func()) {
	return s.registry.Subscribe(traceID, fn)
}

// SubscribeUntilEnd is Subscribe plus onEnd, which runs once if the trace is
// evicted or detached while the registration is still active.
func (s *Store) SubscribeUntilEnd(traceID string, fn Callback, onEnd func()) (unsubscribe func()) {
	return s.registry.SubscribeUntilEnd(traceID, fn, onEnd)
}

// Live reports whether traceID is running and still polled, i.e. whether
// subscribers can expect another snapshot.
func (s *Store) Live(traceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[traceID]
	if !ok || e.snapshot.Load().Status.IsTerminal() {
		return false
	}
	_, polled := s.pollers[traceID]
	return polled
}

// Hydrate inserts historical records without launching pollers. Records
// whose id is already known are skipped so live traces are never replaced.
// It returns the number of records inserted.
func (s *Store) Hydrate(records []Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, exists := s.entries[rec.ID]; exists {
			continue
		}
		snapshot := rec.Clone()
		if snapshot.Status == "" {
			snapshot.Status = StatusRunning
		}
		for i := range snapshot.Steps {
			snapshot.Steps[i] = normalizeStep(snapshot.Steps[i], snapshot.StartTime)
		}
		snapshot.OverallConfidence = ClampConfidence(snapshot.OverallConfidence)
		recomputeAggregates(&snapshot)

		e := &entry{}
		e.snapshot.Store(&snapshot)
		s.entries[rec.ID] = e
		inserted++
	}
	if inserted > 0 {
		s.logger.Info("Hydrated %d historical traces", inserted)
	}
	return inserted
}

// Evict removes traceID from the store, stops its poller and drops its
// subscribers. Evicting an unknown trace is a no-op.
func (s *Store) Evict(traceID string) bool {
	s.mu.Lock()
	e, ok := s.entries[traceID]
	if ok {
		delete(s.entries, traceID)
		e.evicted.Store(true)
	}
	poller := s.pollers[traceID]
	delete(s.pollers, traceID)
	s.mu.Unlock()

	if poller != nil {
		poller.Cancel()
	}
	if ok {
		s.registry.Drop(traceID)
		s.logger.Debug("Evicted trace %s", traceID)
	}
	return ok
}

// Detach stops polling traceID. If the record is left running, its
// subscribers are dropped and their end hooks run, since no further snapshot
// will come. It reports whether a poller was stopped.
func (s *Store) Detach(traceID string) bool {
	stopped := s.StopPolling(traceID)
	if rec, ok := s.GetTrace(traceID); ok && !rec.Status.IsTerminal() {
		if n := s.registry.Drop(traceID); n > 0 {
			s.logger.Debug("Ended %d subscribers of detached trace %s", n, traceID)
		}
	}
	return stopped
}

// StopPolling cancels the poller of traceID. The record is kept as is.
func (s *Store) StopPolling(traceID string) bool {
	s.mu.Lock()
	poller := s.pollers[traceID]
	delete(s.pollers, traceID)
	s.mu.Unlock()

	if poller == nil {
		return false
	}
	poller.Cancel()
	return true
}

// Poller returns the active poller for traceID, if any.
func (s *Store) Poller(traceID string) (*Poller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	poller, ok := s.pollers[traceID]
	return poller, ok
}

// ActivePollers returns the number of pollers that have not exited.
func (s *Store) ActivePollers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pollers)
}

func (s *Store) forgetPoller(traceID string, poller *Poller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollers[traceID] == poller {
		delete(s.pollers, traceID)
	}
}

// Close cancels every poller, rejects further starts and waits for the
// poller goroutines to exit or ctx to end. Pollers that already stopped on
// their own are skipped.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pollers := make([]*Poller, 0, len(s.pollers))
	for id, poller := range s.pollers {
		pollers = append(pollers, poller)
		delete(s.pollers, id)
	}
	s.mu.Unlock()

	for _, poller := range pollers {
		poller.Cancel()
	}
	for _, poller := range pollers {
		select {
		case <-poller.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
