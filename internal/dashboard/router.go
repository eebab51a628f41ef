package dashboard

import (
	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the dashboard routes. gatherer backs /metrics and may be nil.
func NewRouter(h *Handler, gatherer prometheus.Gatherer, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(log, "/health", "/metrics"))

	router.GET("/health", h.Health)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/dashboard")
	{
		api.POST("/research", h.StartResearch)
		api.POST("/chat", h.SendChat)
		api.GET("/state", h.GetState)
		api.GET("/ws", h.Feed)
		api.DELETE("/logs", h.ClearLogs)
		api.DELETE("/links", h.ClearLinks)
		api.DELETE("/chat", h.ClearChat)
	}

	return router
}
