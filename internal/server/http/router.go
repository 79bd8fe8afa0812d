package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tracedash/internal/logging"
	"tracedash/internal/observability"
	"tracedash/internal/trace"
)

func newEngine(config RouterConfig) *gin.Engine {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	return engine
}

// NewRouter creates the dashboard router:
//
//	POST   /api/traces            start a trace and make it current
//	GET    /api/traces            list traces, newest first
//	GET    /api/traces/current    current trace snapshot
//	DELETE /api/traces/current    detach the current trace
//	GET    /api/traces/:id        one trace snapshot
//	GET    /api/traces/:id/events live snapshots over SSE
//	GET    /api/traces/:id/ws     live snapshots over WebSocket
//	GET    /health, /metrics
func NewRouter(deps RouterDeps, config RouterConfig) *gin.Engine {
	config = config.withDefaults()
	logger := logging.OrNop(deps.Logger)
	latencyLogger := logging.NewComponentLogger("HTTP")

	engine := newEngine(config)
	engine.Use(ObservabilityMiddleware(deps.Obs, latencyLogger))
	engine.Use(CORSMiddleware(config.AllowedOrigins))

	apiHandler := NewAPIHandler(deps.Session, logger)
	sseHandler := NewSSEHandler(deps.Session, deps.Obs, logger, config.StreamHeartbeat)
	wsHandler := NewWebSocketHandler(deps.Session, deps.Obs, logger, config.StreamHeartbeat, config.AllowedOrigins)

	engine.GET("/health", apiHandler.HandleHealth)
	var metrics *observability.MetricsCollector
	if deps.Obs != nil {
		metrics = deps.Obs.Metrics
	}
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := engine.Group("/api")
	api.Use(BodyLimitMiddleware(config.MaxBodyBytes), JSONMiddleware())
	traces := api.Group("/traces")
	{
		traces.POST("", RateLimitMiddleware(config.StartRateLimit), apiHandler.HandleStartTrace)
		traces.GET("", apiHandler.HandleListTraces)
		traces.GET("/current", apiHandler.HandleGetCurrentTrace)
		traces.DELETE("/current", apiHandler.HandleClearCurrentTrace)
		traces.GET("/:id", apiHandler.HandleGetTrace)
		traces.GET("/:id/events", sseHandler.HandleSSEStream)
		traces.GET("/:id/ws", wsHandler.HandleWebSocket)
	}

	return engine
}

// NewBackendRouter serves service under /v1 so a dashboard elsewhere can
// reach it through tracesvc.HTTPClient.
func NewBackendRouter(service trace.Service, obs *observability.Provider, logger logging.Logger, config RouterConfig) *gin.Engine {
	config = config.withDefaults()
	handler := NewBackendHandler(service, logger)

	engine := newEngine(config)
	engine.Use(ObservabilityMiddleware(obs, nil))

	v1 := engine.Group("/v1")
	v1.Use(BodyLimitMiddleware(config.MaxBodyBytes), JSONMiddleware())
	{
		v1.POST("/traces", handler.HandleStart)
		v1.GET("/traces", handler.HandleHistory)
		v1.GET("/traces/:id/updates", handler.HandleUpdates)
	}
	engine.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return engine
}
