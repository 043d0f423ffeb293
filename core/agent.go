package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Connection is one entry in an agent's social network: a peer address plus
// opaque data the agent keeps about the peer (e.g. an attitude value).
type Connection struct {
	Addr string          `json:"addr"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectionMap maps agent addresses to the connections that should be
// created for them.
type ConnectionMap map[string][]Connection

// Agent is the behavior every environment inhabitant implements. Embed
// *BaseAgent to get the bookkeeping (address, name, connections, resources)
// and override Act and Evaluate.
type Agent interface {
	Addr() Address
	Name() string

	// Act is called once per simulation step.
	Act(ctx context.Context) error

	// Evaluate scores an artifact and optionally returns framing data for
	// the score.
	Evaluate(a *Artifact) (float64, json.RawMessage)

	// Close performs any bookkeeping needed before the agent's environment
	// is destroyed. folder may be empty.
	Close(folder string) error

	AddConnection(addr string, data json.RawMessage) bool
	AddConnections(conns []Connection) []bool
	RemoveConnection(addr string) bool
	ClearConnections()
	Connections(withData bool) []Connection

	// bind is called by the environment when the agent joins it.
	bind(env *Environment, addr Address)
}

// BaseAgent implements the common agent bookkeeping. The zero value is not
// usable; create one with NewBaseAgent.
type BaseAgent struct {
	env  *Environment
	addr Address
	name string

	mu      sync.RWMutex
	conns   map[string]json.RawMessage
	order   []string
	maxRes  int
	curRes  int
	created []*Artifact
}

// NewBaseAgent creates the shared agent state. resources of 0 means the
// agent has unlimited resources. If name is empty the agent is named by its
// address once it joins an environment.
func NewBaseAgent(name string, resources int) *BaseAgent {
	if resources < 0 {
		resources = 0
	}
	return &BaseAgent{
		name:   name,
		conns:  make(map[string]json.RawMessage),
		maxRes: resources,
		curRes: resources,
	}
}

func (b *BaseAgent) bind(env *Environment, addr Address) {
	b.env = env
	b.addr = addr
	if b.name == "" {
		b.name = addr.String()
	}
}

// Env returns the environment the agent lives in.
func (b *BaseAgent) Env() *Environment { return b.env }

func (b *BaseAgent) Addr() Address { return b.addr }

func (b *BaseAgent) Name() string { return b.name }

// Act is a no-op; override in the embedding type.
func (b *BaseAgent) Act(ctx context.Context) error { return nil }

// Evaluate scores every artifact as zero; override in the embedding type.
func (b *BaseAgent) Evaluate(a *Artifact) (float64, json.RawMessage) {
	return 0.0, nil
}

// Close is a no-op; override in the embedding type if the agent needs to
// persist anything on shutdown.
func (b *BaseAgent) Close(folder string) error { return nil }

// AddConnection records a peer with the given data. It reports false and
// leaves the existing entry untouched when the peer is already known.
func (b *BaseAgent) AddConnection(addr string, data json.RawMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[addr]; ok {
		return false
	}
	b.conns[addr] = data
	b.order = append(b.order, addr)
	return true
}

// AddConnections adds each peer in turn and returns the per-peer results.
func (b *BaseAgent) AddConnections(conns []Connection) []bool {
	rets := make([]bool, len(conns))
	for i, c := range conns {
		rets[i] = b.AddConnection(c.Addr, c.Data)
	}
	return rets
}

// RemoveConnection forgets a peer. It reports whether the peer was known.
func (b *BaseAgent) RemoveConnection(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[addr]; !ok {
		return false
	}
	delete(b.conns, addr)
	for i, a := range b.order {
		if a == addr {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// ClearConnections forgets all peers.
func (b *BaseAgent) ClearConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns = make(map[string]json.RawMessage)
	b.order = nil
}

// Connections lists known peers in insertion order, with their data when
// withData is set.
func (b *BaseAgent) Connections(withData bool) []Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Connection, 0, len(b.order))
	for _, addr := range b.order {
		c := Connection{Addr: addr}
		if withData {
			c.Data = b.conns[addr]
		}
		out = append(out, c)
	}
	return out
}

// MaxResources returns the agent's per-step resource budget; 0 means
// unlimited.
func (b *BaseAgent) MaxResources() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxRes
}

// SetMaxResources changes the budget, capping current resources to it.
func (b *BaseAgent) SetMaxResources(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	b.maxRes = n
	if b.curRes > n {
		b.curRes = n
	}
}

// Resources returns the agent's current resources.
func (b *BaseAgent) Resources() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.curRes
}

// SpendResources deducts n from the current resources, reporting false when
// the agent cannot afford it. Agents with an unlimited budget always can.
func (b *BaseAgent) SpendResources(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxRes == 0 {
		return true
	}
	if n > b.curRes {
		return false
	}
	b.curRes -= n
	return true
}

// Refill restores the agent's resources to the maximum.
func (b *BaseAgent) Refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.curRes = b.maxRes
}

// Publish wraps payload into an artifact credited to this agent and adds it
// to the environment's published artifacts.
func (b *BaseAgent) Publish(payload any) (*Artifact, error) {
	art, err := NewArtifact(b.name, payload)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.created = append(b.created, art)
	b.mu.Unlock()
	b.env.AddArtifact(art)
	return art, nil
}

// Created returns the artifacts this agent has published so far.
func (b *BaseAgent) Created() []*Artifact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Artifact, len(b.created))
	copy(out, b.created)
	return out
}

// AskOpinion asks the agent at addr to evaluate an artifact over RPC.
func (b *BaseAgent) AskOpinion(ctx context.Context, addr string, art *Artifact) (float64, error) {
	return b.env.AskEvaluation(ctx, addr, art)
}

// Remote spawn names agent types as strings, so each concrete type registers
// a factory under a unique name, conventionally "pkg:Type".

// Factory constructs an agent for env from JSON parameters.
type Factory func(env *Environment, params json.RawMessage) (Agent, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterAgentType registers a factory under name. Registering the same
// name twice panics; type names are process-global.
func RegisterAgentType(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("core: agent type %q registered twice", name))
	}
	factories[name] = f
}

func lookupAgentType(name string) (Factory, error) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", name)
	}
	return f, nil
}
