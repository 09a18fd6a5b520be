package tracing

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"herald/pkg/logging"
)

func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}

// TraceLogMiddleware copies the request span's trace id into the context for
// log correlation. It must be installed after GinMiddleware.
func TraceLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := TraceID(c.Request.Context()); id != "" {
			c.Request = c.Request.WithContext(logging.WithTraceID(c.Request.Context(), id))
		}
		c.Next()
	}
}
