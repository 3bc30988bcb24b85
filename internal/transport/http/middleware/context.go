package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TraceIDHeader carries the trace id on requests and responses.
	TraceIDHeader = "X-Trace-ID"
	// TraceIDKey stores the trace id on the gin context.
	TraceIDKey = "trace_id"
)

// EnrichContext assigns a trace id to each request. An inbound header wins,
// then the active span, then a fresh uuid.
func EnrichContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" {
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}

		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)
		c.Next()
	}
}

// GetTraceID returns the trace id assigned by EnrichContext.
func GetTraceID(c *gin.Context) string {
	id, _ := c.Get(TraceIDKey)
	traceID, _ := id.(string)
	return traceID
}
