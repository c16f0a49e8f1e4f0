package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpbuild/orchestrator/internal/common/httpmw"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/dispatcher"
)

// NewRouter builds the Dispatcher's gin engine: CORS, API-key auth, OTel
// tracing, the §6 endpoint table, and the §4.3 Prometheus scrape endpoint.
func NewRouter(d *dispatcher.Dispatcher, apiKey string, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("dispatcher"))
	router.Use(httpmw.CORS())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics().Registry, promhttp.HandlerOpts{})))

	handler := NewHandler(d, log)

	api := router.Group("/api")
	api.Use(httpmw.APIKey(apiKey))
	{
		api.POST("/start-build", handler.StartBuild)
		api.GET("/health", handler.Health)
		api.GET("/builds", handler.ListBuilds)
		api.GET("/builds/:id", handler.GetBuild)
		api.POST("/builds/:id/cancel", handler.CancelBuild)
		api.POST("/builds/:id/preview", handler.StartPreview)
		api.DELETE("/builds/:id/preview", handler.StopPreview)
		api.GET("/builds/:id/steps", handler.GetSteps)
		api.GET("/builds/:id/logs", handler.GetLogs)
	}

	return router
}
