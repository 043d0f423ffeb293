// Package api exposes an environment over HTTP: REST endpoints for
// inspection and control plus a websocket feed of environment events.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/atelierlabs/atelier/api/handlers"
	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/simulation"
)

// NewRouter builds the gin engine serving env. sim may be nil; the step
// endpoint then reports not found.
func NewRouter(env *core.Environment, sim *simulation.Simulation) *gin.Engine {
	handlers.Setup(env, sim)
	router := gin.Default()
	SetupRoutes(router)
	return router
}

// StartServer runs the REST API on addr, blocking until the listener fails.
func StartServer(addr string, env *core.Environment, sim *simulation.Simulation) error {
	return NewRouter(env, sim).Run(addr)
}
