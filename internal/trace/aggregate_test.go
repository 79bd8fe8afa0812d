package trace

import (
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalDurationMatchesStepSumAfterEveryAppend(t *testing.T) {
	property := func(durations []uint16) bool {
		store := NewStore(newFakeService(""), WithLogger(nil))
		hydrateRunning(store, "T1")

		var sum int64
		for _, d := range durations {
			store.AppendStep("T1", Step{DurationMs: int64(d)})
			sum += int64(d)
			rec, _ := store.GetTrace("T1")
			if rec.TotalDurationMs != sum || rec.TotalDurationMs != TotalDuration(rec.Steps) {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(property, nil))
}

func TestAverageConfidence(t *testing.T) {
	assert.Zero(t, AverageConfidence(nil))
	steps := []Step{{Confidence: 0.95}, {Confidence: 0.88}, {Confidence: 0.84}}
	assert.InDelta(t, 0.89, AverageConfidence(steps), 1e-9)
}

func TestClampConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.5, 0.5},
		{-0.1, 0},
		{1.7, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampConfidence(tt.in), "input %v", tt.in)
	}
}

func TestNormalizeStep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	plain := normalizeStep(Step{DurationMs: -5}, now)
	assert.Zero(t, plain.DurationMs)
	assert.Equal(t, now, plain.Timestamp)
	assert.NotNil(t, plain.Result)

	failed := normalizeStep(Step{
		Result: map[string]any{"partial": true},
		Error:  &StepError{Code: "timeout", Message: "model timed out"},
	}, now)
	assert.Nil(t, failed.Result)
	assert.True(t, failed.Failed())

	stamped := now.Add(-time.Minute)
	assert.Equal(t, stamped, normalizeStep(Step{Timestamp: stamped}, now).Timestamp)
}

func TestRecomputeAggregatesClearsTerminalFieldsWhileRunning(t *testing.T) {
	end := time.Now()
	rec := Record{Status: StatusRunning, EndTime: &end, OverallConfidence: 0.7, Steps: []Step{{DurationMs: 3}, {DurationMs: 4}}}
	recomputeAggregates(&rec)
	assert.EqualValues(t, 7, rec.TotalDurationMs)
	assert.Nil(t, rec.EndTime)
	assert.Zero(t, rec.OverallConfidence)
}
