package server

import (
	"github.com/gin-gonic/gin"

	"github.com/botfleet/botfleet/internal/common/logger"
)

// SetupRoutes configures the agent API routes on the given group.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	agents := router.Group("/agents")
	{
		agents.POST("", h.CreateAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:agentId", h.GetAgent)
		agents.PUT("/:agentId", h.UpdateAgent)
		agents.DELETE("/:agentId", h.DeleteAgent)

		agents.GET("/:agentId/config", h.GetAgentConfig)
		agents.GET("/:agentId/status", h.AgentStatus)
		agents.POST("/:agentId/start", h.StartAgent)
		agents.POST("/:agentId/stop", h.StopAgent)
		agents.POST("/:agentId/restart", h.RestartAgent)

		agents.POST("/:agentId/integrations/:type/start", h.StartIntegration)
		agents.POST("/:agentId/integrations/:type/stop", h.StopIntegration)
		agents.POST("/:agentId/integrations/:type/restart", h.RestartIntegration)
		agents.GET("/:agentId/integrations/:type/status", h.IntegrationStatus)
	}

	router.GET("/ws/agents/:agentId", h.AgentWS)
}

// NewRouter builds the gin engine with middleware, the health and metrics
// endpoints, and the agent API mounted at the root.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), ErrorHandler(log), CORS())

	router.GET("/health", h.Health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	SetupRoutes(router.Group(""), h)

	return router
}
