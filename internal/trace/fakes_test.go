package trace

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tracedash/internal/logging"
)

type fetchResult struct {
	update Update
	err    error
}

// fakeService hands out one scripted response per fetch. A fetch blocks until
// the test pushes a response, so every tick is driven explicitly.
type fakeService struct {
	startID    string
	startErr   error
	startCalls atomic.Int32

	updates      chan fetchResult
	inFlight     chan struct{}
	ignoreCancel bool

	history []Record
}

func newFakeService(startID string) *fakeService {
	return &fakeService{
		startID:  startID,
		updates:  make(chan fetchResult),
		inFlight: make(chan struct{}, 16),
	}
}

func (f *fakeService) Start(ctx context.Context, goal string, params map[string]any) (string, error) {
	f.startCalls.Add(1)
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.startID, nil
}

func (f *fakeService) FetchUpdates(ctx context.Context, traceID string) (Update, error) {
	select {
	case f.inFlight <- struct{}{}:
	default:
	}
	if f.ignoreCancel {
		r := <-f.updates
		return r.update, r.err
	}
	select {
	case <-ctx.Done():
		return Update{}, ctx.Err()
	case r := <-f.updates:
		return r.update, r.err
	}
}

func (f *fakeService) FetchHistory(ctx context.Context) ([]Record, error) {
	return f.history, nil
}

// push delivers one tick's response, failing the test if the poller never asks.
func (f *fakeService) push(t *testing.T, update Update, err error) {
	t.Helper()
	select {
	case f.updates <- fetchResult{update: update, err: err}:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never fetched")
	}
}

type recordingMetrics struct {
	mu          sync.Mutex
	started     int
	finished    map[string]int
	steps       int
	pollErrors  map[string]int
	pollers     int
	subscribers int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{finished: map[string]int{}, pollErrors: map[string]int{}}
}

func (m *recordingMetrics) RecordTraceStarted(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RecordTraceFinished(_ context.Context, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[status]++
}

func (m *recordingMetrics) RecordStep(context.Context, string, bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
}

func (m *recordingMetrics) RecordPollError(_ context.Context, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErrors[kind]++
}

func (m *recordingMetrics) PollerStarted(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollers++
}

func (m *recordingMetrics) PollerStopped(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollers--
}

func (m *recordingMetrics) SubscriberAdded(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers++
}

func (m *recordingMetrics) SubscriberRemoved(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers--
}

func (m *recordingMetrics) pollErrorCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollErrors[kind]
}

func (m *recordingMetrics) activePollers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollers
}

func newTestStore(t *testing.T, service Service, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		WithLogger(logging.Nop()),
		WithPollerConfig(PollerConfig{Interval: time.Millisecond}),
	}
	store := NewStore(service, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, store.Close(ctx))
	})
	return store
}

// hydrateRunning inserts a running trace that has no poller.
func hydrateRunning(store *Store, id string) {
	store.Hydrate([]Record{{ID: id, Goal: "classify doc", Status: StatusRunning, StartTime: time.Now()}})
}

// notifications collects subscriber deliveries on a buffered channel.
func notifications(store *Store, traceID string) (<-chan Record, func()) {
	ch := make(chan Record, 64)
	unsubscribe := store.Subscribe(traceID, func(rec Record) { ch <- rec })
	return ch, unsubscribe
}

func receive(t *testing.T, ch <-chan Record) Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Record{}
	}
}

func requireNoNotification(t *testing.T, ch <-chan Record) {
	t.Helper()
	select {
	case rec := <-ch:
		t.Fatalf("unexpected notification: status=%s steps=%d", rec.Status, len(rec.Steps))
	case <-time.After(20 * time.Millisecond):
	}
}
