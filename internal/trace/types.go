package trace

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a trace. It only ever moves from
// StatusRunning to one of the terminal states.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether s is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepError is the failure payload of a step. A step error is recorded on the
// step and does not end the trace.
type StepError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *StepError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Step is one agent's unit of work within a trace.
type Step struct {
	ID         string         `json:"id"`
	AgentType  string         `json:"agent_type"`
	Action     string         `json:"action"`
	Rationale  string         `json:"rationale,omitempty"`
	Confidence float64        `json:"confidence"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *StepError     `json:"error,omitempty"`
}

// Failed reports whether the step finished with an error.
func (s Step) Failed() bool {
	return s.Error != nil
}

// Result is the final payload reported by the trace service on completion.
type Result struct {
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}

// Record is an immutable snapshot of one agent run. Snapshots handed to
// subscribers and returned by GetTrace are shared and must be treated as
// read-only; use Clone before modifying one.
type Record struct {
	ID                string         `json:"id"`
	Goal              string         `json:"goal"`
	Context           map[string]any `json:"context,omitempty"`
	Status            Status         `json:"status"`
	Steps             []Step         `json:"steps"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	TotalDurationMs   int64          `json:"total_duration_ms"`
	OverallConfidence float64        `json:"overall_confidence"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	Result            *Result        `json:"result,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Context = maps.Clone(r.Context)
	out.Steps = make([]Step, len(r.Steps))
	for i, step := range r.Steps {
		step.Result = maps.Clone(step.Result)
		if step.Error != nil {
			stepErr := *step.Error
			step.Error = &stepErr
		}
		out.Steps[i] = step
	}
	if r.EndTime != nil {
		end := *r.EndTime
		out.EndTime = &end
	}
	if r.Result != nil {
		result := *r.Result
		result.Output = maps.Clone(r.Result.Output)
		out.Result = &result
	}
	return out
}

func (r Record) hasStep(stepID string) bool {
	return slices.ContainsFunc(r.Steps, func(s Step) bool { return s.ID == stepID })
}

// Update is one incremental response from the trace service. An empty
// Status means the run is still in progress.
type Update struct {
	Steps  []Step  `json:"steps"`
	Status Status  `json:"status,omitempty"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}
