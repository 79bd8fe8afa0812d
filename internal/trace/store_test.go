package trace

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tracedash/internal/errors"
)

func TestStore_StartTraceCreatesRunningRecord(t *testing.T) {
	service := newFakeService("T1")
	store := newTestStore(t, service)

	traceID, err := store.StartTrace(context.Background(), "classify doc", map[string]any{"document": "lease.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "T1", traceID)

	rec, ok := store.GetTrace("T1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Empty(t, rec.Steps)
	assert.NotNil(t, rec.Steps)
	assert.Nil(t, rec.EndTime)
	assert.Zero(t, rec.TotalDurationMs)
	assert.Zero(t, rec.OverallConfidence)
	assert.Equal(t, "lease.pdf", rec.Context["document"])
	assert.False(t, rec.StartTime.IsZero())
	assert.Equal(t, 1, store.ActivePollers())
}

func TestStore_StartFailureLeavesNoState(t *testing.T) {
	service := newFakeService("T1")
	service.startErr = fmt.Errorf("%w: dial tcp: connection refused", ErrServiceUnavailable)
	metrics := newRecordingMetrics()
	store := newTestStore(t, service, WithMetrics(metrics))

	traceID, err := store.StartTrace(context.Background(), "classify doc", nil)
	require.Error(t, err)
	assert.Empty(t, traceID)
	assert.ErrorIs(t, err, ErrStartFailure)
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	var startErr *StartFailure
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, "classify doc", startErr.Goal)

	assert.Empty(t, store.List())
	assert.Zero(t, store.ActivePollers())
	assert.Zero(t, metrics.started)
}

func TestStore_StartRetriesTransientFailures(t *testing.T) {
	service := newFakeService("T1")
	service.startErr = apperrors.NewTransientError(ErrServiceUnavailable, "")
	store := newTestStore(t, service, WithStartRetry(apperrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	_, err := store.StartTrace(context.Background(), "classify doc", nil)
	require.ErrorIs(t, err, ErrStartFailure)
	assert.EqualValues(t, 3, service.startCalls.Load())
}

func TestStore_StartAfterCloseFails(t *testing.T) {
	store := NewStore(newFakeService("T1"))
	require.NoError(t, store.Close(context.Background()))

	_, err := store.StartTrace(context.Background(), "classify doc", nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStore_AppendStepRecomputesTotal(t *testing.T) {
	store := newTestStore(t, newFakeService(""))
	hydrateRunning(store, "T1")

	store.AppendStep("T1", Step{ID: "s1", DurationMs: 20000, Confidence: 0.95})
	store.AppendStep("T1", Step{ID: "s2", DurationMs: 40000, Confidence: 0.88})

	rec, ok := store.GetTrace("T1")
	require.True(t, ok)
	assert.Len(t, rec.Steps, 2)
	assert.EqualValues(t, 60000, rec.TotalDurationMs)
	assert.Equal(t, "s1", rec.Steps[0].ID)
	assert.Equal(t, "s2", rec.Steps[1].ID)
}

func TestStore_AppendStepUnknownTraceIsNoop(t *testing.T) {
	store := newTestStore(t, newFakeService(""))

	assert.NotPanics(t, func() {
		store.AppendStep("missing", Step{ID: "s1", DurationMs: 10})
		store.CompleteTrace("missing", Result{Confidence: 1})
		store.FailTrace("missing", "boom")
	})
	_, ok := store.GetTrace("missing")
	assert.False(t, ok)
}

func TestStore_AppendStepNormalisesStep(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := newTestStore(t, newFakeService(""), WithClock(func() time.Time { return now }))
	hydrateRunning(store, "T1")

	store.AppendStep("T1", Step{
		ID:         "s1",
		Confidence: 1.7,
		DurationMs: -5,
		Result:     map[string]any{"label": "lease"},
		Error:      &StepError{Message: "ocr failed"},
	})
	store.AppendStep("T1", Step{ID: "s2", Confidence: math.NaN(), DurationMs: 10})

	rec, _ := store.GetTrace("T1")
	require.Len(t, rec.Steps, 2)

	first := rec.Steps[0]
	assert.Equal(t, 1.0, first.Confidence)
	assert.Zero(t, first.DurationMs)
	assert.Equal(t, now, first.Timestamp)
	assert.Nil(t, first.Result)
	assert.True(t, first.Failed())

	second := rec.Steps[1]
	assert.Zero(t, second.Confidence)
	assert.NotNil(t, second.Result)
	assert.False(t, second.Failed())
	assert.EqualValues(t, 10, rec.TotalDurationMs)
	assert.Equal(t, StatusRunning, rec.Status, "a step error must not end the trace")
}

func TestStore_DuplicateStepIDIgnored(t *testing.T) {
	store := newTestStore(t, newFakeService(""))
	hydrateRunning(store, "T1")
	ch, unsubscribe := notifications(store, "T1")
	defer unsubscribe()

	store.AppendStep("T1", Step{ID: "s1", DurationMs: 100})
	store.AppendStep("T1", Step{ID: "s1", DurationMs: 100})

	receive(t, ch)
	requireNoNotification(t, ch)
	rec, _ := store.GetTrace("T1")
	assert.Len(t, rec.Steps, 1)
	assert.EqualValues(t, 100, rec.TotalDurationMs)
}

func TestStore_SnapshotsAreNotMutatedByLaterAppends(t *testing.T) {
	store := newTestStore(t, newFakeService(""))
	hydrateRunning(store, "T1")

	store.AppendStep("T1", Step{ID: "s1", DurationMs: 1})
	before, _ := store.GetTrace("T1")

	store.AppendStep("T1", Step{ID: "s2", DurationMs: 2})
	after, _ := store.GetTrace("T1")

	assert.Len(t, before.Steps, 1)
	assert.EqualValues(t, 1, before.TotalDurationMs)
	assert.Len(t, after.Steps, 2)
	assert.Equal(t, "s1", after.Steps[0].ID)
}

func TestStore_CompleteTraceIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, newFakeService(""), WithClock(func() time.Time { return now }))
	hydrateRunning(store, "T1")
	ch, unsubscribe := notifications(store, "T1")
	defer unsubscribe()

	store.CompleteTrace("T1", Result{Confidence: 0.89, Summary: "lease agreement"})
	first := receive(t, ch)

	now = now.Add(time.Hour)
	store.CompleteTrace("T1", Result{Confidence: 0.1, Summary: "other"})
	requireNoNotification(t, ch)

	rec, _ := store.GetTrace("T1")
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 0.89, rec.OverallConfidence)
	require.NotNil(t, rec.EndTime)
	assert.Equal(t, *first.EndTime, *rec.EndTime)
	assert.Equal(t, "lease agreement", rec.Result.Summary)
}

func TestStore_StatusIsMonotonic(t *testing.T) {
	tests := []struct {
		name     string
		first    func(*Store)
		expected Status
	}{
		{name: "completed stays completed", first: func(s *Store) { s.CompleteTrace("T1", Result{Confidence: 0.5}) }, expected: StatusCompleted},
		{name: "failed stays failed", first: func(s *Store) { s.FailTrace("T1", "pipeline crashed") }, expected: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, newFakeService(""))
			hydrateRunning(store, "T1")
			tt.first(store)
			before, _ := store.GetTrace("T1")

			store.CompleteTrace("T1", Result{Confidence: 0.99})
			store.FailTrace("T1", "late failure")
			store.AppendStep("T1", Step{ID: "late", DurationMs: 5})

			after, _ := store.GetTrace("T1")
			assert.Equal(t, tt.expected, after.Status)
			assert.Equal(t, before, after)
		})
	}
}

func TestStore_FailTraceRecordsReason(t *testing.T) {
	store := newTestStore(t, newFakeService(""))
	hydrateRunning(store, "T1")
	store.AppendStep("T1", Step{ID: "s1", DurationMs: 30})

	store.FailTrace("T1", "risk scorer unavailable")

	rec, _ := store.GetTrace("T1")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "risk scorer unavailable", rec.FailureReason)
	assert.NotNil(t, rec.EndTime)
	assert.Zero(t, rec.OverallConfidence)
	assert.EqualValues(t, 30, rec.TotalDurationMs)
}

func TestStore_CompleteClampsConfidence(t *testing.T) {
	store := newTestStore(t, newFakeService(""))
	hydrateRunning(store, "T1")

	store.CompleteTrace("T1", Result{Confidence: 1.4})

	rec, _ := store.GetTrace("T1")
	assert.Equal(t, 1.0, rec.OverallConfidence)
	assert.Equal(t, 1.0, rec.Result.Confidence)
}

func TestStore_ConcurrentAppendsKeepTotalConsistent(t *testing.T) {
	store := newTestStore(t, newFakeService(""))
	hydrateRunning(store, "T1")

	var mu sync.Mutex
	var violations []string
	unsubscribe := store.Subscribe("T1", func(rec Record) {
		if rec.TotalDurationMs != TotalDuration(rec.Steps) {
			mu.Lock()
			violations = append(violations, fmt.Sprintf("total %d with %d steps", rec.TotalDurationMs, len(rec.Steps)))
			mu.Unlock()
		}
	})
	defer unsubscribe()

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				store.AppendStep("T1", Step{ID: fmt.Sprintf("w%d-%d", w, i), DurationMs: int64(i + 1)})
			}
		}(w)
	}
	wg.Wait()

	rec, _ := store.GetTrace("T1")
	assert.Len(t, rec.Steps, workers*perWorker)
	assert.EqualValues(t, workers*(perWorker*(perWorker+1)/2), rec.TotalDurationMs)
	assert.Empty(t, violations)
}

func TestStore_EvictRemovesRecordAndSubscribers(t *testing.T) {
	service := newFakeService("T1")
	store := newTestStore(t, service)
	_, err := store.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)

	called := 0
	store.Subscribe("T1", func(Record) { called++ })

	require.True(t, store.Evict("T1"))
	assert.False(t, store.Evict("T1"))

	_, ok := store.GetTrace("T1")
	assert.False(t, ok)
	assert.False(t, store.Registry().Has("T1"))
	assert.Zero(t, store.ActivePollers())

	store.AppendStep("T1", Step{ID: "s1"})
	assert.Zero(t, called)
}

func TestStore_EvictEndsSubscribers(t *testing.T) {
	store := newTestStore(t, newFakeService("T1"))
	_, err := store.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)

	ended := make(chan struct{})
	store.SubscribeUntilEnd("T1", func(Record) {}, func() { close(ended) })
	store.Evict("T1")

	select {
	case <-ended:
	default:
		t.Fatal("eviction did not end the subscription")
	}
}

func TestStore_DetachEndsSubscribersOfRunningTrace(t *testing.T) {
	store := newTestStore(t, newFakeService("T1"))
	_, err := store.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)
	assert.True(t, store.Live("T1"))

	ended := 0
	unsubscribe := store.SubscribeUntilEnd("T1", func(Record) {}, func() { ended++ })
	defer unsubscribe()

	assert.True(t, store.Detach("T1"))
	assert.False(t, store.Detach("T1"))
	assert.Equal(t, 1, ended)
	assert.False(t, store.Live("T1"))
	assert.Zero(t, store.Registry().Count("T1"))

	rec, ok := store.GetTrace("T1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, rec.Status)
}

func TestStore_DetachKeepsSubscribersOfFinishedTrace(t *testing.T) {
	store := newTestStore(t, newFakeService("T1"))
	_, err := store.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)
	store.CompleteTrace("T1", Result{Confidence: 0.9})

	store.SubscribeUntilEnd("T1", func(Record) {}, func() { t.Fatal("finished trace ended its subscribers") })
	assert.False(t, store.Detach("T1"))
	assert.Equal(t, 1, store.Registry().Count("T1"))
	assert.False(t, store.Live("T1"))
}

func TestStore_LiveRequiresPoller(t *testing.T) {
	store := newTestStore(t, newFakeService(""))
	hydrateRunning(store, "old")
	assert.False(t, store.Live("old"))
	assert.False(t, store.Live("missing"))
}

func TestStore_HydrateSkipsKnownTraces(t *testing.T) {
	store := newTestStore(t, newFakeService(""))
	hydrateRunning(store, "live")
	store.AppendStep("live", Step{ID: "s1", DurationMs: 5})

	end := time.Now()
	inserted := store.Hydrate([]Record{
		{ID: "live", Status: StatusCompleted},
		{ID: "old", Status: StatusCompleted, StartTime: end.Add(-time.Hour), EndTime: &end, OverallConfidence: 0.8,
			Steps: []Step{{ID: "a", DurationMs: 100}, {ID: "b", DurationMs: 250}}, TotalDurationMs: 1},
		{ID: ""},
	})
	assert.Equal(t, 1, inserted)

	live, _ := store.GetTrace("live")
	assert.Equal(t, StatusRunning, live.Status)

	old, ok := store.GetTrace("old")
	require.True(t, ok)
	assert.EqualValues(t, 350, old.TotalDurationMs, "aggregates are recomputed on hydrate")
	assert.Equal(t, 0.8, old.OverallConfidence)

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "live", list[0].ID)
}

func TestStore_CloseToleratesStoppedPollers(t *testing.T) {
	service := newFakeService("T1")
	store := NewStore(service, WithPollerConfig(PollerConfig{Interval: time.Millisecond}))

	_, err := store.StartTrace(context.Background(), "classify doc", nil)
	require.NoError(t, err)
	poller, ok := store.Poller("T1")
	require.True(t, ok)

	service.push(t, Update{Status: StatusCompleted, Result: &Result{Confidence: 0.7}}, nil)
	<-poller.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, store.Close(ctx))
	assert.NoError(t, store.Close(ctx))
}
