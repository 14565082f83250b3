package middleware

import (
	"time"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"
)

// RequestLogger logs one line per request.
func RequestLogger(log slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []slog.Field{
			slog.F("method", c.Request.Method),
			slog.F("path", c.Request.URL.Path),
			slog.F("status", c.Writer.Status()),
			slog.F("latency", time.Since(start)),
			slog.F("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			log.Error(c.Request.Context(), "request failed", fields...)
			return
		}
		log.Debug(c.Request.Context(), "request served", fields...)
	}
}
