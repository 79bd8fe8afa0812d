package trace

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable is returned by a Service when no backend is reachable.
	ErrServiceUnavailable = errors.New("trace service unavailable")
	// ErrStartFailure matches every *StartFailure via errors.Is.
	ErrStartFailure = errors.New("trace start failed")
	// ErrUnknownTrace is returned by a Service for an id it never issued.
	ErrUnknownTrace = errors.New("unknown trace")
	// ErrStoreClosed is wrapped in a StartFailure once the store is closed.
	ErrStoreClosed = errors.New("trace store closed")
)

// StartFailure reports that no trace could be allocated. No record and no
// poller exist when it is returned.
type StartFailure struct {
	Goal string
	Err  error
}

func (e *StartFailure) Error() string {
	return fmt.Sprintf("start trace %q: %v", e.Goal, e.Err)
}

func (e *StartFailure) Unwrap() error {
	return e.Err
}

func (e *StartFailure) Is(target error) bool {
	return target == ErrStartFailure
}

// TransientFetchError describes one failed poll cycle. It is logged and
// counted, never delivered to subscribers.
type TransientFetchError struct {
	TraceID     string
	Consecutive int
	Err         error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch updates for %s (consecutive failure %d): %v", e.TraceID, e.Consecutive, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}
