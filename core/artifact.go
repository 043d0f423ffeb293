package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Artifact wraps a payload created by an agent together with information
// about its creator and the evaluations other agents have given it. The
// payload is set at creation time and never mutated; the evaluation set only
// grows.
type Artifact struct {
	ID      string          `json:"id"`
	Creator string          `json:"creator"`
	Domain  string          `json:"domain,omitempty"`
	Payload json.RawMessage `json:"payload"`

	// EnvTime is the environment age at which the artifact was published.
	EnvTime int64 `json:"env_time"`

	Evals    map[string]float64         `json:"evals,omitempty"`
	Framings map[string]json.RawMessage `json:"framings,omitempty"`

	mu sync.RWMutex
}

// NewArtifact creates an artifact for the given creator. The payload is
// JSON-encoded once and kept immutable afterwards.
func NewArtifact(creator string, payload any) (*Artifact, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("artifact payload: %w", err)
	}
	return &Artifact{
		ID:       uuid.NewString(),
		Creator:  creator,
		Payload:  raw,
		Evals:    make(map[string]float64),
		Framings: make(map[string]json.RawMessage),
	}, nil
}

// AddEval records (or replaces) an agent's evaluation of the artifact with
// optional framing information.
func (a *Artifact) AddEval(agent string, score float64, framing json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Evals == nil {
		a.Evals = make(map[string]float64)
	}
	if a.Framings == nil {
		a.Framings = make(map[string]json.RawMessage)
	}
	a.Evals[agent] = score
	a.Framings[agent] = framing
}

// artifactJSON is the wire shape of an artifact; it keeps MarshalJSON from
// recursing into itself.
type artifactJSON struct {
	ID       string                     `json:"id"`
	Creator  string                     `json:"creator"`
	Domain   string                     `json:"domain,omitempty"`
	Payload  json.RawMessage            `json:"payload"`
	EnvTime  int64                      `json:"env_time"`
	Evals    map[string]float64         `json:"evals,omitempty"`
	Framings map[string]json.RawMessage `json:"framings,omitempty"`
}

// MarshalJSON snapshots the evaluation maps under the lock so an artifact can
// be encoded while agents are still evaluating it.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	a.mu.RLock()
	evals := make(map[string]float64, len(a.Evals))
	for agent, score := range a.Evals {
		evals[agent] = score
	}
	framings := make(map[string]json.RawMessage, len(a.Framings))
	for agent, framing := range a.Framings {
		framings[agent] = framing
	}
	a.mu.RUnlock()
	return json.Marshal(artifactJSON{
		ID:       a.ID,
		Creator:  a.Creator,
		Domain:   a.Domain,
		Payload:  a.Payload,
		EnvTime:  a.EnvTime,
		Evals:    evals,
		Framings: framings,
	})
}

// Eval returns the evaluation the named agent has given the artifact.
func (a *Artifact) Eval(agent string) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	score, ok := a.Evals[agent]
	return score, ok
}

func (a *Artifact) String() string {
	return fmt.Sprintf("%s:%s", a.Creator, a.ID)
}
