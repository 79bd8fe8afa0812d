package http

import (
	"net/http"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware allows the configured origins, or every origin when none
// are configured. WebSocket upgrades are allowed.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"}
	corsConfig.AllowWebSockets = true
	return cors.New(corsConfig)
}

// BodyLimitMiddleware caps request bodies at limit bytes.
func BodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil && limit > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// JSONMiddleware rejects write requests whose body is not JSON.
func JSONMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if contentType := c.ContentType(); contentType != "" && contentType != gin.MIMEJSON {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, APIResponse{
					Success: false,
					Error:   "Content-Type must be application/json",
				})
				return
			}
		}
		c.Next()
	}
}
