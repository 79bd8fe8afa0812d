package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// HTTPStatusError carries a non-2xx response from a remote trace backend.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

// StatusCode returns the status of the first HTTPStatusError in err's chain,
// or 0.
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// statusKind classifies backend responses. Statuses not listed here say
// nothing about whether a retry could help.
func statusKind(code int) (Kind, bool) {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindTransient, true
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusConflict,
		http.StatusGone, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindPermanent, true
	}
	return 0, false
}

var networkFailurePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"deadline exceeded",
	"no such host",
	"eof",
}

func isNetworkFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range networkFailurePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
