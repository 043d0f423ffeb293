package api

import (
	"github.com/gin-gonic/gin"

	"github.com/atelierlabs/atelier/api/handlers"
)

// SetupRoutes initializes all API endpoints.
func SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/status", handlers.GetStatus)
		api.GET("/agents", handlers.GetAgents)
		api.POST("/agents", handlers.SpawnAgents)
		api.GET("/artifacts", handlers.GetArtifacts)
		api.GET("/candidates", handlers.GetCandidates)
		api.POST("/trigger", handlers.TriggerAll)
		api.POST("/step", handlers.Step)
	}
	router.GET("/ws", handlers.HandleWebSocket)
}
