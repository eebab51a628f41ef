package logger

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const requestIDHeader = "X-Request-ID"

// RequestLoggingMiddleware tags each request with a request ID and logs its
// start and completion. Probe endpoints are logged at debug level only.
func RequestLoggingMiddleware(logger *Logger, quietPaths ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		c.Header(requestIDHeader, requestID)

		ctx := WithRequestID(c.Request.Context(), requestID)
		ctx = WithOperation(ctx, "http_request")
		c.Request = c.Request.WithContext(ctx)

		log := logger.WithContext(ctx).WithComponent("http")
		level := slog.LevelInfo
		for _, p := range quietPaths {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				level = slog.LevelDebug
				break
			}
		}

		log.Log(ctx, level, "request started",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("remote_addr", c.ClientIP()),
		)

		c.Next()

		log.Log(ctx, level, "request completed",
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.Int("response_size", c.Writer.Size()),
		)
	}
}
