// Package middleware 提供 HTTP 层的通用中间件
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/ziqiyuan/innflow/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
)

// TraceIDHeader HTTP header 中 trace_id 的键
const TraceIDHeader = "X-Trace-ID"

// Trace 为每个 HTTP 请求开启一个 Span，并把 TraceID 写回响应头
func Trace(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, end := observability.StartSpan(c.Request.Context(), c.FullPath(),
			attribute.String("http.method", c.Request.Method),
			attribute.String("service.name", service),
		)
		defer end()

		c.Request = c.Request.WithContext(ctx)
		if traceID := observability.GetTraceID(ctx); traceID != "" {
			c.Header(TraceIDHeader, traceID)
		}
		c.Next()
	}
}
