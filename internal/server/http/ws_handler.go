package http

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"tracedash/internal/async"
	"tracedash/internal/dashboard"
	"tracedash/internal/logging"
	"tracedash/internal/observability"
	"tracedash/internal/trace"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketMessage is one frame sent to a WebSocket client.
type WebSocketMessage struct {
	Type      string        `json:"type"`
	Trace     *trace.Record `json:"trace,omitempty"`
	Status    string        `json:"status,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// WebSocketHandler streams trace snapshots over a WebSocket.
type WebSocketHandler struct {
	session   *dashboard.Session
	obs       *observability.Provider
	logger    logging.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// NewWebSocketHandler creates a WebSocket handler. Origins are checked
// against allowedOrigins; an empty list allows every origin.
func NewWebSocketHandler(session *dashboard.Session, obs *observability.Provider, logger logging.Logger, heartbeat time.Duration, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		session:   session,
		obs:       obs,
		logger:    logging.OrNop(logger),
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowedOrigins) == 0 ||
					slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// HandleWebSocket sends the same sequence as the SSE stream, as JSON frames:
// "trace" frames followed by one "done" frame, then a normal close. Clearing
// or evicting the trace ends the stream the same way.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	traceID := c.Param("id")
	stream, ok := openTraceStream(h.session, traceID)
	if !ok {
		writeError(c, h.logger, http.StatusNotFound, "trace not found", nil)
		return
	}
	defer stream.close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed for trace %s: %v", traceID, err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	if h.obs != nil && h.obs.Tracer != nil {
		spanCtx, span := h.obs.Tracer.StartSpan(ctx, observability.SpanStreamClient,
			attribute.String(observability.AttrTraceID, traceID),
			attribute.String("stream.transport", "websocket"),
		)
		ctx = spanCtx
		defer span.End()
	}
	h.logger.Info("WebSocket stream opened for trace %s", traceID)

	// The read loop only exists to notice the client going away.
	clientGone := make(chan struct{})
	async.Go(h.logger, "ws-reader", func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			h.logger.Info("WebSocket stream closed by client for trace %s", traceID)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-stream.ready():
			rec, ok := stream.next()
			if !ok {
				continue
			}
			if err := h.write(conn, WebSocketMessage{Type: "trace", Trace: &rec, Timestamp: time.Now()}); err != nil {
				h.logger.Warn("WebSocket write failed for trace %s: %v", traceID, err)
				return
			}
			if rec.Status.IsTerminal() {
				h.finish(conn, rec.Status, "trace finished")
				return
			}
		case <-stream.done():
			if rec, ok := stream.next(); ok {
				if err := h.write(conn, WebSocketMessage{Type: "trace", Trace: &rec, Timestamp: time.Now()}); err != nil {
					return
				}
			}
			h.logger.Info("WebSocket stream ended for trace %s: no further updates", traceID)
			h.finish(conn, stream.status(), "trace detached")
			return
		}
	}
}

// finish sends the "done" frame and a normal close.
func (h *WebSocketHandler) finish(conn *websocket.Conn, status trace.Status, reason string) {
	_ = h.write(conn, WebSocketMessage{Type: "done", Status: string(status), Timestamp: time.Now()})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(wsWriteTimeout))
}

func (h *WebSocketHandler) write(conn *websocket.Conn, msg WebSocketMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
