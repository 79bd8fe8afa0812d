package trace

import (
	"math"
	"time"
)

// TotalDuration sums the reported durations of steps in milliseconds.
func TotalDuration(steps []Step) int64 {
	var total int64
	for _, step := range steps {
		total += step.DurationMs
	}
	return total
}

// AverageConfidence returns the mean step confidence, or 0 for no steps.
func AverageConfidence(steps []Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, step := range steps {
		sum += step.Confidence
	}
	return sum / float64(len(steps))
}

// recomputeAggregates is the single place derived fields are written. Every
// mutation path runs it before publishing a snapshot.
func recomputeAggregates(rec *Record) {
	rec.TotalDurationMs = TotalDuration(rec.Steps)
	if !rec.Status.IsTerminal() {
		rec.OverallConfidence = 0
		rec.EndTime = nil
	}
}

// ClampConfidence maps v into [0,1]; NaN becomes 0.
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// normalizeStep enforces the step invariants: confidence in [0,1], a
// non-negative duration, a timestamp, and exactly one of result or error.
func normalizeStep(step Step, now time.Time) Step {
	step.Confidence = ClampConfidence(step.Confidence)
	if step.DurationMs < 0 {
		step.DurationMs = 0
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = now
	}
	if step.Error != nil {
		step.Result = nil
	} else if step.Result == nil {
		step.Result = map[string]any{}
	}
	return step
}
