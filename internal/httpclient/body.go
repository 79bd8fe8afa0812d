package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "tracedash/internal/errors"
)

// DefaultBodyLimit caps trace backend responses.
const DefaultBodyLimit int64 = 4 << 20

// ResponseTooLargeError reports that the response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether the error indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r up to limit bytes. A limit <= 0 reads everything.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(&io.LimitedReader{R: r, N: limit + 1})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}

// DecodeJSON reads resp and decodes a 2xx body into out. Any other status
// becomes an *errors.HTTPStatusError carrying the body text, so callers can
// classify it as transient or permanent. A nil out discards the body.
func DecodeJSON(resp *http.Response, limit int64, out any) error {
	defer resp.Body.Close()

	body, err := ReadAllWithLimit(resp.Body, limit)
	if err != nil {
		if IsResponseTooLarge(err) {
			return apperrors.NewPermanentError(err, "")
		}
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apperrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: extractMessage(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewPermanentError(fmt.Errorf("decode response: %w", err), "")
	}
	return nil
}

// extractMessage prefers the "error" field of a JSON error payload.
func extractMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(body)
}
