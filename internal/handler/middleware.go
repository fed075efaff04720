package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xtxerr/tcpingd/internal/logging"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// requestID reuses a well-formed incoming request ID or mints a new one and
// stores it in the request context for logging.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		ctx := logging.ContextWithRequestID(c.Request.Context(), id)
		if serverID := c.Param("serverId"); serverID != "" {
			ctx = logging.ContextWithServerID(ctx, serverID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// observe records request metrics and a debug access log line.
func (h *Handler) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		d := time.Since(start)
		h.metrics.HTTPRequest(route, c.Writer.Status(), d)

		logging.WithContext(c.Request.Context()).Debug("request",
			"component", "http",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration", d)
	}
}
