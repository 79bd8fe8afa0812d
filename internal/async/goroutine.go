// Package async runs pollers and subscriber callbacks so that a panic in
// one of them is logged instead of taking the dashboard down.
package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger receives panic reports.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on a new goroutine.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Call runs fn on the current goroutine. It returns false if fn panicked.
func Call(logger PanicLogger, name string, fn func()) (completed bool) {
	defer Recover(logger, name)
	fn()
	return true
}

// Recover must be deferred directly. It logs and swallows a panic.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	label := "goroutine panic"
	if name != "" {
		label = fmt.Sprintf("goroutine panic [%s]", name)
	}
	logger.Error("%s: %v\n%s", label, r, debug.Stack())
}
