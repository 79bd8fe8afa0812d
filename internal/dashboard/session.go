// Package dashboard is the consumer-facing facade over the trace store: it
// tracks which trace the viewer is looking at, hydrates history once and
// bounds how many finished traces stay in memory.
package dashboard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"tracedash/internal/logging"
	"tracedash/internal/trace"
)

const (
	defaultMaxRetained    = 100
	defaultHistoryTimeout = 10 * time.Second
)

// Config configures a Session.
type Config struct {
	// MaxRetained bounds the number of traces kept in memory that no longer
	// receive updates: finished ones, cleared ones that were still running and
	// running ones loaded from history. The least recently retired is evicted
	// first.
	MaxRetained int `yaml:"max_retained" mapstructure:"max_retained"`
	// HistoryTimeout bounds the FetchHistory call made on first use.
	HistoryTimeout time.Duration `yaml:"history_timeout" mapstructure:"history_timeout"`
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{MaxRetained: defaultMaxRetained, HistoryTimeout: defaultHistoryTimeout}
}

// Session owns a trace store and the "current trace" pointer of one viewer.
type Session struct {
	store   *trace.Store
	service trace.Service
	config  Config
	logger  logging.Logger

	retained *lru.Cache[string, struct{}]
	history  singleflight.Group
	loaded   atomic.Bool

	mu       sync.Mutex
	current  string
	watchers map[string]func()
}

// New creates a session backed by service. storeOpts are passed to the
// underlying trace store.
func New(service trace.Service, config Config, logger logging.Logger, storeOpts ...trace.Option) (*Session, error) {
	if service == nil {
		return nil, fmt.Errorf("trace service is required")
	}
	if config.MaxRetained <= 0 {
		config.MaxRetained = defaultMaxRetained
	}
	if config.HistoryTimeout <= 0 {
		config.HistoryTimeout = defaultHistoryTimeout
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("DashboardSession")
	}

	s := &Session{
		service:  service,
		config:   config,
		logger:   logger,
		watchers: make(map[string]func()),
	}
	s.store = trace.NewStore(service, append([]trace.Option{trace.WithLogger(logger)}, storeOpts...)...)

	retained, err := lru.NewWithEvict(config.MaxRetained, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create retention cache: %w", err)
	}
	s.retained = retained
	return s, nil
}

// Store returns the underlying trace store.
func (s *Session) Store() *trace.Store {
	return s.store
}

// StartTrace starts a trace and makes it the current one. History is loaded
// first if it has not been yet.
func (s *Session) StartTrace(ctx context.Context, goal string, params map[string]any) (string, error) {
	s.ensureHistory(ctx)

	traceID, err := s.store.StartTrace(ctx, goal, params)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.current = traceID
	s.mu.Unlock()

	s.watch(traceID)
	return traceID, nil
}

// SubscribeToTrace registers callback for every future snapshot of traceID.
func (s *Session) SubscribeToTrace(traceID string, callback trace.Callback) (unsubscribe func()) {
	return s.store.Subscribe(traceID, callback)
}

// SubscribeUntilEnd registers callback like SubscribeToTrace. onEnd runs once
// if the trace is cleared while running or evicted before unsubscribe.
func (s *Session) SubscribeUntilEnd(traceID string, callback trace.Callback, onEnd func()) (unsubscribe func()) {
	return s.store.SubscribeUntilEnd(traceID, callback, onEnd)
}

// IsLive reports whether traceID is still being polled for updates.
func (s *Session) IsLive(traceID string) bool {
	return s.store.Live(traceID)
}

// GetTrace returns the latest snapshot of traceID.
func (s *Session) GetTrace(traceID string) (trace.Record, bool) {
	return s.store.GetTrace(traceID)
}

// CurrentTraceID returns the id of the current trace, or "".
func (s *Session) CurrentTraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CurrentTrace returns the latest snapshot of the current trace.
func (s *Session) CurrentTrace() (trace.Record, bool) {
	traceID := s.CurrentTraceID()
	if traceID == "" {
		return trace.Record{}, false
	}
	return s.store.GetTrace(traceID)
}

// ClearCurrentTrace detaches the current pointer and stops polling the trace
// it pointed at. The record itself is kept; if it was still running it ends
// its subscribers and moves into retention like a finished trace. It returns
// the detached id.
func (s *Session) ClearCurrentTrace() string {
	s.mu.Lock()
	traceID := s.current
	s.current = ""
	s.mu.Unlock()

	if traceID == "" {
		return ""
	}
	if s.store.Detach(traceID) {
		s.logger.Info("Stopped polling trace %s after it was cleared", traceID)
	}
	if rec, ok := s.store.GetTrace(traceID); ok && !rec.Status.IsTerminal() {
		s.retire(traceID)
	}
	return traceID
}

// Traces returns every known trace, newest first, loading history on first use.
func (s *Session) Traces(ctx context.Context) []trace.Record {
	s.ensureHistory(ctx)
	return s.store.List()
}

// LoadHistory fetches the service history and inserts records the store does
// not know yet. Concurrent callers share one fetch. After the first success
// later calls are no-ops returning 0.
func (s *Session) LoadHistory(ctx context.Context) (int, error) {
	if s.loaded.Load() {
		return 0, nil
	}
	v, err, _ := s.history.Do("history", func() (any, error) {
		if s.loaded.Load() {
			return 0, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.HistoryTimeout)
		defer cancel()

		records, err := s.service.FetchHistory(fetchCtx)
		if err != nil {
			return 0, fmt.Errorf("fetch trace history: %w", err)
		}
		inserted := s.store.Hydrate(records)
		for i := len(records) - 1; i >= 0; i-- {
			traceID := records[i].ID
			if _, ok := s.store.GetTrace(traceID); ok && !s.store.Live(traceID) {
				s.retained.Add(traceID, struct{}{})
			}
		}
		s.loaded.Store(true)
		return inserted, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Session) ensureHistory(ctx context.Context) {
	if _, err := s.LoadHistory(ctx); err != nil {
		s.logger.Warn("Trace history unavailable: %v", err)
	}
}

// Retained returns the number of finished traces currently retained.
func (s *Session) Retained() int {
	return s.retained.Len()
}

// Close stops every poller and releases internal subscriptions.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	watchers := s.watchers
	s.watchers = make(map[string]func())
	s.current = ""
	s.mu.Unlock()

	for _, unsubscribe := range watchers {
		unsubscribe()
	}
	return s.store.Close(ctx)
}

// watch retires traceID once it finishes. The status
// is re-checked after subscribing in case the trace finished in between.
func (s *Session) watch(traceID string) {
	unsubscribe := s.store.Subscribe(traceID, func(rec trace.Record) {
		if rec.Status.IsTerminal() {
			s.retire(traceID)
		}
	})

	s.mu.Lock()
	s.watchers[traceID] = unsubscribe
	s.mu.Unlock()

	if rec, ok := s.store.GetTrace(traceID); ok && rec.Status.IsTerminal() {
		s.retire(traceID)
	}
}

// retire releases the watcher of traceID and hands it to the retention cache.
func (s *Session) retire(traceID string) {
	s.mu.Lock()
	unsubscribe, ok := s.watchers[traceID]
	delete(s.watchers, traceID)
	s.mu.Unlock()

	if ok {
		unsubscribe()
	}
	s.retained.Add(traceID, struct{}{})
}

func (s *Session) onEvict(traceID string, _ struct{}) {
	s.store.Evict(traceID)

	s.mu.Lock()
	if s.current == traceID {
		s.current = ""
	}
	s.mu.Unlock()

	s.logger.Debug("Trace %s evicted from retention", traceID)
}
