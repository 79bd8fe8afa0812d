package http

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"tracedash/internal/dashboard"
	"tracedash/internal/logging"
	"tracedash/internal/observability"
)

// StreamDone is the payload of the final "done" event of a stream.
type StreamDone struct {
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
}

// SSEHandler streams trace snapshots as Server-Sent Events.
type SSEHandler struct {
	session   *dashboard.Session
	obs       *observability.Provider
	logger    logging.Logger
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(session *dashboard.Session, obs *observability.Provider, logger logging.Logger, heartbeat time.Duration) *SSEHandler {
	return &SSEHandler{session: session, obs: obs, logger: logging.OrNop(logger), heartbeat: heartbeat}
}

// HandleSSEStream sends the current snapshot of a trace, then every newer
// snapshot, and ends with a "done" event once the trace is terminal. A trace
// that is cleared or evicted first ends the same way, carrying the status it
// was left in.
func (h *SSEHandler) HandleSSEStream(c *gin.Context) {
	traceID := c.Param("id")
	stream, ok := openTraceStream(h.session, traceID)
	if !ok {
		writeError(c, h.logger, http.StatusNotFound, "trace not found", nil)
		return
	}
	defer stream.close()

	ctx := c.Request.Context()
	if h.obs != nil && h.obs.Tracer != nil {
		spanCtx, span := h.obs.Tracer.StartSpan(ctx, observability.SpanStreamClient,
			attribute.String(observability.AttrTraceID, traceID),
			attribute.String("stream.transport", "sse"),
		)
		ctx = spanCtx
		defer span.End()
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	h.logger.Info("SSE stream opened for trace %s", traceID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE stream closed by client for trace %s", traceID)
			return false
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return false
			}
			return true
		case <-stream.ready():
			rec, ok := stream.next()
			if !ok {
				return true
			}
			c.SSEvent("trace", rec)
			if rec.Status.IsTerminal() {
				c.SSEvent("done", StreamDone{TraceID: traceID, Status: string(rec.Status)})
				return false
			}
			return true
		case <-stream.done():
			if rec, ok := stream.next(); ok {
				c.SSEvent("trace", rec)
			}
			h.logger.Info("SSE stream ended for trace %s: no further updates", traceID)
			c.SSEvent("done", StreamDone{TraceID: traceID, Status: string(stream.status())})
			return false
		}
	})
}
