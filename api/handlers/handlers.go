// Package handlers implements the REST endpoints for inspecting and driving
// an environment.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/simulation"
)

var (
	env *core.Environment
	sim *simulation.Simulation
)

// Setup wires the handlers to an environment and, optionally, a simulation
// driving it. Call before serving routes.
func Setup(e *core.Environment, s *simulation.Simulation) {
	env = e
	sim = s
}

const requestTimeout = 60 * time.Second

func requestCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

// GetStatus reports the environment's name, age, readiness and counts.
func GetStatus(c *gin.Context) {
	status := gin.H{
		"name":      env.Name(),
		"address":   env.HostPort(),
		"age":       env.Age(),
		"ready":     env.IsReady(),
		"agents":    len(env.AgentAddrs()),
		"artifacts": len(env.Artifacts()),
	}
	if sim != nil {
		stats := sim.Stats()
		status["steps"] = stats.Steps
		status["stepTime"] = stats.Total.String()
	}
	c.JSON(http.StatusOK, status)
}

// GetAgents lists agent addresses.
func GetAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": env.AgentAddrs()})
}

// SpawnAgents creates n agents of a registered type.
func SpawnAgents(c *gin.Context) {
	var req struct {
		Type   string          `json:"type" binding:"required"`
		N      int             `json:"n"`
		Params json.RawMessage `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.N <= 0 {
		req.N = 1
	}
	addrs, err := env.SpawnN(req.Type, req.N, req.Params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agents": addrs})
}

// GetArtifacts lists published artifacts, optionally filtered by creator.
func GetArtifacts(c *gin.Context) {
	var arts []*core.Artifact
	if creator := c.Query("creator"); creator != "" {
		arts = env.ArtifactsBy(creator)
	} else {
		arts = env.Artifacts()
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": arts})
}

// GetCandidates lists the current candidate set.
func GetCandidates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"candidates": env.Candidates()})
}

// TriggerAll makes every agent act once, concurrently.
func TriggerAll(c *gin.Context) {
	ctx, cancel := requestCtx(c)
	defer cancel()
	if err := env.TriggerAll(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"age": env.Age()})
}

// Step advances the simulation. Body: {"n": 3, "async": true}; defaults to
// one sequential step.
func Step(c *gin.Context) {
	if sim == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no simulation attached"})
		return
	}
	var req struct {
		N     int  `json:"n"`
		Async bool `json:"async"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.N <= 0 {
		req.N = 1
	}
	ctx, cancel := requestCtx(c)
	defer cancel()
	var err error
	if req.Async {
		err = sim.AsyncSteps(ctx, req.N)
	} else {
		err = sim.Steps(ctx, req.N)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"age": env.Age(), "stats": sim.Stats()})
}
