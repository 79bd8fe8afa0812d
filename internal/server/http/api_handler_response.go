package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "tracedash/internal/errors"
	"tracedash/internal/logging"
	"tracedash/internal/trace"
)

// APIResponse is the envelope of every dashboard API response.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func writeError(c *gin.Context, logger logging.Logger, status int, message string, err error) {
	if err != nil {
		logger.Error("HTTP %d - %s: %v", status, message, err)
		_ = c.Error(err)
	} else {
		logger.Warn("HTTP %d - %s", status, message)
	}
	c.AbortWithStatusJSON(status, APIResponse{Success: false, Error: message})
}

// statusForError maps a trace or service error onto an HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, trace.ErrUnknownTrace):
		return http.StatusNotFound
	case errors.Is(err, trace.ErrServiceUnavailable), errors.Is(err, trace.ErrStoreClosed), apperrors.IsDegraded(err):
		return http.StatusServiceUnavailable
	case apperrors.IsPermanent(err):
		return http.StatusBadRequest
	case apperrors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
