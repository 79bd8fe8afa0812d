package dashboard

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracedash/internal/logging"
	"tracedash/internal/trace"
	"tracedash/internal/tracesvc"
)

// countingService wraps a simulator and counts or fails history fetches.
type countingService struct {
	*tracesvc.Simulator
	historyCalls atomic.Int32
	historyErr   error
	historyDelay time.Duration
	// history replaces the simulator history when set.
	history []trace.Record
}

func (c *countingService) FetchHistory(ctx context.Context) ([]trace.Record, error) {
	c.historyCalls.Add(1)
	time.Sleep(c.historyDelay)
	if c.historyErr != nil {
		return nil, c.historyErr
	}
	if c.history != nil {
		return c.history, nil
	}
	return c.Simulator.FetchHistory(ctx)
}

func newService(config tracesvc.SimulatorConfig) *countingService {
	return &countingService{Simulator: tracesvc.NewSimulator(config,
		tracesvc.WithLogger(logging.Nop()),
		tracesvc.WithRand(rand.New(rand.NewPCG(7, 11))),
	)}
}

func newTestSession(t *testing.T, service trace.Service, config Config) *Session {
	t.Helper()
	session, err := New(service, config, logging.Nop(),
		trace.WithPollerConfig(trace.PollerConfig{Interval: time.Millisecond}))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, session.Close(ctx))
	})
	return session
}

func waitStatus(t *testing.T, session *Session, traceID string, status trace.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := session.GetTrace(traceID)
		return ok && rec.Status == status
	}, 2*time.Second, 2*time.Millisecond)
}

func TestSession_StartTraceBecomesCurrent(t *testing.T) {
	session := newTestSession(t, newService(tracesvc.SimulatorConfig{StepInterval: time.Hour}), Config{})

	traceID, err := session.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)

	assert.Equal(t, traceID, session.CurrentTraceID())
	current, ok := session.CurrentTrace()
	require.True(t, ok)
	assert.Equal(t, trace.StatusRunning, current.Status)
	assert.Empty(t, current.Steps)
}

func TestSession_StartFailureKeepsCurrent(t *testing.T) {
	session := newTestSession(t, newService(tracesvc.SimulatorConfig{StepInterval: time.Hour}), Config{})
	traceID, err := session.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)

	_, err = session.StartTrace(context.Background(), "", nil)
	require.ErrorIs(t, err, trace.ErrStartFailure)
	assert.Equal(t, traceID, session.CurrentTraceID())
}

func TestSession_ClearCurrentTraceKeepsRecord(t *testing.T) {
	session := newTestSession(t, newService(tracesvc.SimulatorConfig{StepInterval: time.Hour}), Config{})
	traceID, err := session.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)
	poller, ok := session.Store().Poller(traceID)
	require.True(t, ok)

	assert.Equal(t, traceID, session.ClearCurrentTrace())

	assert.Empty(t, session.CurrentTraceID())
	_, ok = session.CurrentTrace()
	assert.False(t, ok)
	rec, ok := session.GetTrace(traceID)
	require.True(t, ok)
	assert.Equal(t, trace.StatusRunning, rec.Status)
	assert.False(t, poller.Active())
	assert.Equal(t, 1, session.Retained(), "a cleared running trace is retained like a finished one")
	assert.Empty(t, session.ClearCurrentTrace())
}

func TestSession_ClearedTracesAreEvicted(t *testing.T) {
	session := newTestSession(t, newService(tracesvc.SimulatorConfig{StepInterval: time.Hour}), Config{MaxRetained: 1})

	first, err := session.StartTrace(context.Background(), "first doc", nil)
	require.NoError(t, err)
	ended := make(chan struct{})
	unsubscribe := session.SubscribeUntilEnd(first, func(trace.Record) {}, func() { close(ended) })
	defer unsubscribe()

	session.ClearCurrentTrace()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("clearing a running trace did not end its subscribers")
	}
	assert.False(t, session.IsLive(first))

	second, err := session.StartTrace(context.Background(), "second doc", nil)
	require.NoError(t, err)
	assert.True(t, session.IsLive(second))
	session.ClearCurrentTrace()

	_, ok := session.GetTrace(first)
	assert.False(t, ok, "the older cleared trace is evicted")
	_, ok = session.GetTrace(second)
	assert.True(t, ok)
	assert.Equal(t, 1, session.Retained())
}

func TestSession_RunningHistoryRecordsAreRetained(t *testing.T) {
	service := newService(tracesvc.SimulatorConfig{StepInterval: time.Hour})
	end := time.Now()
	service.history = []trace.Record{
		{ID: "stale", Goal: "abandoned doc", Status: trace.StatusRunning, StartTime: end.Add(-2 * time.Hour)},
		{ID: "done", Goal: "finished doc", Status: trace.StatusCompleted, StartTime: end.Add(-time.Hour), EndTime: &end},
	}
	session := newTestSession(t, service, Config{})

	inserted, err := session.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 2, session.Retained())
	assert.False(t, session.IsLive("stale"))
}

func TestSession_SubscribeToTraceSeesCompletion(t *testing.T) {
	session := newTestSession(t, newService(tracesvc.SimulatorConfig{StepInterval: time.Hour}), Config{})
	traceID, err := session.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []trace.Record
	unsubscribe := session.SubscribeToTrace(traceID, func(rec trace.Record) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, rec)
	})
	defer unsubscribe()

	session.Store().AppendStep(traceID, trace.Step{ID: "s1", DurationMs: 20000, Confidence: 0.95})
	session.Store().CompleteTrace(traceID, trace.Result{Confidence: 0.89})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.EqualValues(t, 20000, seen[0].TotalDurationMs)
	assert.Equal(t, trace.StatusCompleted, seen[1].Status)
	assert.Equal(t, 1, session.Retained())
}

func TestSession_HistoryLoadedOnce(t *testing.T) {
	service := newService(tracesvc.SimulatorConfig{SeedHistory: 2, StepInterval: time.Hour})
	service.historyDelay = 20 * time.Millisecond
	session := newTestSession(t, service, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.Traces(context.Background())
		}()
	}
	wg.Wait()
	session.Traces(context.Background())

	assert.EqualValues(t, 1, service.historyCalls.Load())
	traces := session.Traces(context.Background())
	require.Len(t, traces, 2)
	assert.Equal(t, 2, session.Retained())
	assert.Zero(t, session.Store().ActivePollers())
}

func TestSession_HistoryFailureIsRetried(t *testing.T) {
	service := newService(tracesvc.SimulatorConfig{SeedHistory: 1, StepInterval: time.Hour})
	service.historyErr = errors.New("backend warming up")
	session := newTestSession(t, service, Config{})

	traceID, err := session.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, traceID)

	service.historyErr = nil
	inserted, err := session.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.EqualValues(t, 2, service.historyCalls.Load())
	assert.Len(t, session.Traces(context.Background()), 2)
}

func TestSession_RetentionEvictsOldestFinishedTrace(t *testing.T) {
	session := newTestSession(t, newService(tracesvc.SimulatorConfig{}), Config{MaxRetained: 1})

	first, err := session.StartTrace(context.Background(), "first doc", nil)
	require.NoError(t, err)
	waitStatus(t, session, first, trace.StatusCompleted)

	second, err := session.StartTrace(context.Background(), "second doc", nil)
	require.NoError(t, err)
	waitStatus(t, session, second, trace.StatusCompleted)

	require.Eventually(t, func() bool {
		_, ok := session.GetTrace(first)
		return !ok
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, session.Retained())
	assert.Equal(t, second, session.CurrentTraceID())
}

func TestSession_EvictingCurrentTraceClearsPointer(t *testing.T) {
	session := newTestSession(t, newService(tracesvc.SimulatorConfig{StepInterval: time.Hour}), Config{MaxRetained: 1})

	older, err := session.StartTrace(context.Background(), "older doc", nil)
	require.NoError(t, err)
	newer, err := session.StartTrace(context.Background(), "newer doc", nil)
	require.NoError(t, err)

	session.Store().CompleteTrace(newer, trace.Result{Confidence: 0.5})
	assert.Equal(t, newer, session.CurrentTraceID())

	session.Store().CompleteTrace(older, trace.Result{Confidence: 0.5})
	_, ok := session.GetTrace(newer)
	assert.False(t, ok)
	assert.Empty(t, session.CurrentTraceID())
	_, ok = session.GetTrace(older)
	assert.True(t, ok)
}
