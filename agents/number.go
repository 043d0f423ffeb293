// Package agents ships ready-made agent types. Importing it registers them,
// so binaries that spawn agents by type name blank-import this package.
package agents

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/rand"

	"github.com/atelierlabs/atelier/core"
)

// NumberParams configures a number agent. A zero Target picks a random one.
type NumberParams struct {
	Target    float64 `json:"target,omitempty"`
	Spread    float64 `json:"spread,omitempty"`
	Resources int     `json:"resources,omitempty"`
}

// NumberPayload is the artifact payload a number agent publishes.
type NumberPayload struct {
	Value float64 `json:"value"`
}

// NumberAgent invents numbers close to a private target. Each step it
// generates candidates, publishes the best one and asks one connected peer
// for an opinion. Peers with different targets disagree, which makes the
// type a convenient smoke test for a whole environment.
type NumberAgent struct {
	*core.BaseAgent
	target float64
	spread float64
}

func init() {
	core.RegisterAgentType("agents:number", NewNumberAgent)
}

// NewNumberAgent builds a number agent from JSON params; nil params get a
// random target.
func NewNumberAgent(env *core.Environment, params json.RawMessage) (core.Agent, error) {
	var p NumberParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Target == 0 {
		p.Target = rand.Float64() * 100
	}
	if p.Spread <= 0 {
		p.Spread = 10
	}
	return &NumberAgent{
		BaseAgent: core.NewBaseAgent("", p.Resources),
		target:    p.Target,
		spread:    p.Spread,
	}, nil
}

// Target returns the agent's preferred value.
func (a *NumberAgent) Target() float64 { return a.target }

func (a *NumberAgent) invent() float64 {
	best := a.target + (rand.Float64()*2-1)*a.spread
	bestScore := a.score(best)
	for i := 0; i < 9; i++ {
		v := a.target + (rand.Float64()*2-1)*a.spread
		if s := a.score(v); s > bestScore {
			best, bestScore = v, s
		}
	}
	return best
}

func (a *NumberAgent) score(v float64) float64 {
	return 1 / (1 + math.Abs(v-a.target))
}

// Act invents a value, publishes it and gathers one peer opinion when the
// agent has connections.
func (a *NumberAgent) Act(ctx context.Context) error {
	if !a.SpendResources(1) {
		return nil
	}
	art, err := a.Publish(NumberPayload{Value: a.invent()})
	if err != nil {
		return err
	}
	score, _ := a.Evaluate(art)
	art.AddEval(a.Name(), score, nil)

	conns := a.Connections(false)
	if len(conns) == 0 {
		return nil
	}
	peer := conns[rand.Intn(len(conns))].Addr
	opinion, err := a.AskOpinion(ctx, peer, art)
	if err != nil {
		log.Printf("%s: opinion from %s: %v", a.Name(), peer, err)
		return nil
	}
	art.AddEval(peer, opinion, nil)
	return nil
}

// Evaluate scores an artifact by how close its value is to the agent's
// target, 1 at the target falling toward 0.
func (a *NumberAgent) Evaluate(art *core.Artifact) (float64, json.RawMessage) {
	var p NumberPayload
	if err := json.Unmarshal(art.Payload, &p); err != nil {
		return 0, nil
	}
	return a.score(p.Value), nil
}
