package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"tracedash/internal/logging"
	"tracedash/internal/observability"
)

// ObservabilityMiddleware instruments requests with a span, request metrics
// and an optional latency log line.
func ObservabilityMiddleware(obs *observability.Provider, latencyLogger logging.Logger) gin.HandlerFunc {
	hasLatencyLogger := !logging.IsNil(latencyLogger)
	if obs == nil && !hasLatencyLogger {
		return func(c *gin.Context) { c.Next() }
	}
	latencyLogger = logging.OrNop(latencyLogger)

	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		if obs != nil && obs.Tracer != nil {
			ctx, span := obs.Tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
				attribute.String("http.route", route),
				attribute.String("http.method", c.Request.Method),
			)
			c.Request = c.Request.WithContext(ctx)
			defer func() {
				if len(c.Errors) > 0 {
					observability.RecordSpanError(span, c.Errors.Last())
				}
				span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
				span.End()
			}()
		}

		c.Next()

		latency := time.Since(start)
		if obs != nil {
			obs.Metrics.RecordHTTPServerRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), latency)
		}
		if hasLatencyLogger {
			latencyLogger.Info(
				"route=%s method=%s status=%d latency_ms=%.2f bytes=%d",
				route,
				c.Request.Method,
				c.Writer.Status(),
				float64(latency.Microseconds())/1000.0,
				c.Writer.Size(),
			)
		}
	}
}
