package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/railzwaylabs/dirsync/pkg/telemetry/correlation"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID propagates the caller's X-Request-ID or assigns a new one, and
// carries it on the request context for downstream logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := correlation.WithID(c.Request.Context(), c.GetHeader(RequestIDHeader))
		ctx, id := correlation.Ensure(ctx)
		ctx = correlation.WithRemoteSpan(ctx, c.GetHeader("X-Trace-ID"), c.GetHeader("X-Span-ID"))

		c.Request = c.Request.WithContext(ctx)
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
