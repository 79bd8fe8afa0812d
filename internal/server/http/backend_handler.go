package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tracedash/internal/logging"
	"tracedash/internal/trace"
	"tracedash/internal/tracesvc"
)

// BackendHandler exposes a trace.Service over the JSON API consumed by
// tracesvc.HTTPClient.
type BackendHandler struct {
	service trace.Service
	logger  logging.Logger
}

// NewBackendHandler creates a handler serving service.
func NewBackendHandler(service trace.Service, logger logging.Logger) *BackendHandler {
	return &BackendHandler{service: service, logger: logging.OrNop(logger)}
}

func (h *BackendHandler) fail(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Backend request %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// HandleStart allocates a trace.
func (h *BackendHandler) HandleStart(c *gin.Context) {
	var req tracesvc.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	traceID, err := h.service.Start(c.Request.Context(), req.Goal, req.Context)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tracesvc.StartResponse{TraceID: traceID})
}

// HandleUpdates returns the updates of one trace since the previous call.
func (h *BackendHandler) HandleUpdates(c *gin.Context) {
	update, err := h.service.FetchUpdates(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if update.Steps == nil {
		update.Steps = []trace.Step{}
	}
	c.JSON(http.StatusOK, update)
}

// HandleHistory returns finished traces.
func (h *BackendHandler) HandleHistory(c *gin.Context) {
	records, err := h.service.FetchHistory(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []trace.Record{}
	}
	c.JSON(http.StatusOK, records)
}
