package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"tracedash/internal/trace"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func formatStep(index int, step trace.Step) string {
	var b strings.Builder
	marker := green("✓")
	if step.Failed() {
		marker = red("✗")
	}
	fmt.Fprintf(&b, "%s %s %s %s  %s  %s\n",
		marker,
		gray(fmt.Sprintf("[%d]", index)),
		cyan(step.AgentType),
		bold(step.Action),
		formatDuration(step.DurationMs),
		gray(fmt.Sprintf("confidence %.2f", step.Confidence)),
	)
	if step.Rationale != "" {
		fmt.Fprintf(&b, "    %s\n", gray(step.Rationale))
	}
	if step.Failed() {
		fmt.Fprintf(&b, "    %s\n", red("error: "+step.Error.Error()))
	}
	return b.String()
}

func formatSummary(rec trace.Record) string {
	var b strings.Builder
	b.WriteString("\n")
	switch rec.Status {
	case trace.StatusCompleted:
		fmt.Fprintf(&b, "%s in %s across %d steps, overall confidence %.2f\n",
			green(bold("Completed")), formatDuration(rec.TotalDurationMs), len(rec.Steps), rec.OverallConfidence)
		if rec.Result != nil && rec.Result.Summary != "" {
			fmt.Fprintf(&b, "  %s\n", rec.Result.Summary)
		}
	case trace.StatusFailed:
		fmt.Fprintf(&b, "%s after %s: %s\n",
			red(bold("Failed")), formatDuration(rec.TotalDurationMs), rec.FailureReason)
	default:
		fmt.Fprintf(&b, "%s (%d steps so far)\n", rec.Status, len(rec.Steps))
	}
	return b.String()
}

// traceRenderer prints each step of one trace once, in order, and the
// summary when the trace becomes terminal.
type traceRenderer struct {
	w       io.Writer
	mu      sync.Mutex
	printed int
	final   *trace.Record
	done    chan struct{}
}

func newTraceRenderer(w io.Writer) *traceRenderer {
	return &traceRenderer{w: w, done: make(chan struct{})}
}

func (r *traceRenderer) header(traceID, goal string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s %s\n%s\n\n", bold("Trace"), traceID, gray(goal))
}

func (r *traceRenderer) update(rec trace.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return
	}
	for ; r.printed < len(rec.Steps); r.printed++ {
		fmt.Fprint(r.w, formatStep(r.printed+1, rec.Steps[r.printed]))
	}
	if rec.Status.IsTerminal() {
		r.final = &rec
		fmt.Fprint(r.w, formatSummary(rec))
		close(r.done)
	}
}

// result returns the terminal snapshot once done is closed.
func (r *traceRenderer) result() (trace.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final == nil {
		return trace.Record{}, false
	}
	return *r.final, true
}
