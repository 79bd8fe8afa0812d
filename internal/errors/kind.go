package errors

import (
	"errors"
	"strings"
)

// Kind classifies a failure for the retry loop, the poller's failure budget
// and the HTTP status returned to API clients.
type Kind int

const (
	// KindTransient failures may succeed when repeated.
	KindTransient Kind = iota
	// KindPermanent failures will fail again; callers give up immediately.
	KindPermanent
	// KindDegraded means the dependency is deliberately not being called,
	// for example while a circuit breaker is open.
	KindDegraded
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and an optional user-facing message to a cause.
type Error struct {
	Kind    Kind
	Err     error
	Message string
}

// Error reports the cause. Message is meant for end users and only shows
// when there is no cause.
func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Message != "":
		return e.Message
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as worth retrying.
func NewTransientError(err error, message string) *Error {
	return &Error{Kind: KindTransient, Err: err, Message: message}
}

// NewPermanentError marks err as final.
func NewPermanentError(err error, message string) *Error {
	return &Error{Kind: KindPermanent, Err: err, Message: message}
}

// NewDegradedError marks err as a refusal to call a dependency.
func NewDegradedError(err error, message string) *Error {
	return &Error{Kind: KindDegraded, Err: err, Message: message}
}

// kindOf classifies err. The outermost *Error wins over any HTTP status or
// network failure beneath it.
func kindOf(err error) (Kind, bool) {
	if err == nil {
		return 0, false
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}
	if code := StatusCode(err); code > 0 {
		return statusKind(code)
	}
	if isNetworkFailure(err) {
		return KindTransient, true
	}
	return 0, false
}

// IsTransient reports whether err is known to be worth retrying.
func IsTransient(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindTransient
}

// IsPermanent reports whether err is known to be final.
func IsPermanent(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindPermanent
}

// IsDegraded reports whether err came from a dependency that is switched off.
func IsDegraded(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindDegraded
}

// Classify returns the kind of err. Unclassified failures count as transient
// so that a backend hiccup never ends a trace on its own.
func Classify(err error) Kind {
	if kind, ok := kindOf(err); ok {
		return kind
	}
	return KindTransient
}

// FormatForUser returns the message an API client should see for err.
func FormatForUser(err error) string {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Message != "" {
		return classified.Message
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"):
		return "Trace backend is not running. Please check the service address."
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return "Trace backend timed out. Please try again."
	case strings.Contains(lower, "not found"):
		return "Trace not found."
	}
	return err.Error()
}
