package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

func TestEnrichContextTraceIDSources(t *testing.T) {
	gin.SetMode(gin.TestMode)

	spanTraceID := trace.TraceID{0x0a, 0x0b, 0x0c, 0x0d, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x10, 0x11, 0x12}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: spanTraceID,
		SpanID:  trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	})

	tests := []struct {
		name   string
		header string
		span   bool
		want   string
	}{
		{name: "inbound header", header: "trace-from-client", span: true, want: "trace-from-client"},
		{name: "active span", span: true, want: spanTraceID.String()},
		{name: "generated"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			router := gin.New()
			router.Use(EnrichContext())
			router.GET("/healthz", func(c *gin.Context) {
				seen = GetTraceID(c)
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.header != "" {
				req.Header.Set(TraceIDHeader, tc.header)
			}
			if tc.span {
				req = req.WithContext(trace.ContextWithSpanContext(req.Context(), spanCtx))
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if seen == "" || rr.Header().Get(TraceIDHeader) != seen {
				t.Fatalf("expected trace id on context and response, got context=%q header=%q", seen, rr.Header().Get(TraceIDHeader))
			}
			if tc.want != "" && seen != tc.want {
				t.Fatalf("expected trace id %q, got %q", tc.want, seen)
			}
		})
	}
}
