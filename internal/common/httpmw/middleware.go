// Package httpmw provides shared gin middleware for the Dispatcher's HTTP surface.
package httpmw

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	apperrors "github.com/mcpbuild/orchestrator/internal/common/errors"
	"github.com/mcpbuild/orchestrator/internal/common/tracing"
)

// CORS returns a permissive CORS middleware covering the endpoints in §6
// (GET, POST, DELETE, OPTIONS).
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// APIKey rejects requests missing the configured API key header when one is set.
// When apiKey is empty, authentication is disabled (matches spec.md §6: the key
// is only enforced "when MCP_BUILD_API_KEY is set").
func APIKey(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		supplied := c.GetHeader("X-API-Key")
		if supplied == "" {
			supplied = c.GetHeader("Authorization")
		}
		if supplied != apiKey {
			appErr := apperrors.Unauthorized("missing or invalid API key")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}

// OtelTracing wraps each request in an OTel span. A no-op when tracing is disabled.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		spanName := fmt.Sprintf("%s %s", c.Request.Method, path)

		ctx, span := tracer.Start(c.Request.Context(), spanName)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
