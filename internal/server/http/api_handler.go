package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tracedash/internal/dashboard"
	apperrors "tracedash/internal/errors"
	"tracedash/internal/logging"
)

// StartTraceRequest is the body of POST /api/traces.
type StartTraceRequest struct {
	Goal    string         `json:"goal"`
	Context map[string]any `json:"context,omitempty"`
}

// StartTraceResponse is returned by POST /api/traces.
type StartTraceResponse struct {
	TraceID string `json:"trace_id"`
}

// ClearCurrentResponse is returned by DELETE /api/traces/current.
type ClearCurrentResponse struct {
	TraceID string `json:"trace_id,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Uptime        string    `json:"uptime"`
	ActivePollers int       `json:"active_pollers"`
	CurrentTrace  string    `json:"current_trace,omitempty"`
}

// APIHandler serves the dashboard REST API.
type APIHandler struct {
	session   *dashboard.Session
	logger    logging.Logger
	startTime time.Time
}

// NewAPIHandler creates an API handler over session.
func NewAPIHandler(session *dashboard.Session, logger logging.Logger) *APIHandler {
	return &APIHandler{
		session:   session,
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
	}
}

// HandleStartTrace starts a trace and makes it current.
func (h *APIHandler) HandleStartTrace(c *gin.Context) {
	var req StartTraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(c, h.logger, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return
		}
		writeError(c, h.logger, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		writeError(c, h.logger, http.StatusBadRequest, "goal is required", nil)
		return
	}

	traceID, err := h.session.StartTrace(c.Request.Context(), req.Goal, req.Context)
	if err != nil {
		writeError(c, h.logger, statusForError(err), apperrors.FormatForUser(err), err)
		return
	}
	writeData(c, http.StatusCreated, StartTraceResponse{TraceID: traceID})
}

// HandleListTraces lists every known trace, newest first.
func (h *APIHandler) HandleListTraces(c *gin.Context) {
	writeData(c, http.StatusOK, h.session.Traces(c.Request.Context()))
}

// HandleGetTrace returns one trace snapshot.
func (h *APIHandler) HandleGetTrace(c *gin.Context) {
	traceID := c.Param("id")
	rec, ok := h.session.GetTrace(traceID)
	if !ok {
		writeError(c, h.logger, http.StatusNotFound, "trace not found", nil)
		return
	}
	writeData(c, http.StatusOK, rec)
}

// HandleGetCurrentTrace returns the current trace snapshot.
func (h *APIHandler) HandleGetCurrentTrace(c *gin.Context) {
	rec, ok := h.session.CurrentTrace()
	if !ok {
		writeError(c, h.logger, http.StatusNotFound, "no current trace", nil)
		return
	}
	writeData(c, http.StatusOK, rec)
}

// HandleClearCurrentTrace detaches the current trace.
func (h *APIHandler) HandleClearCurrentTrace(c *gin.Context) {
	writeData(c, http.StatusOK, ClearCurrentResponse{TraceID: h.session.ClearCurrentTrace()})
}

// HandleHealth reports liveness.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Timestamp:     time.Now(),
		Uptime:        time.Since(h.startTime).Round(time.Second).String(),
		ActivePollers: h.session.Store().ActivePollers(),
		CurrentTrace:  h.session.CurrentTraceID(),
	})
}
