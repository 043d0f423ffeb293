package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/atelierlabs/atelier/rpc"
)

// Event kinds published on the environment's bus.
const (
	EventAgentSpawned      = "AGENT_SPAWNED"
	EventArtifactPublished = "ARTIFACT_PUBLISHED"
	EventCandidateAdded    = "CANDIDATE_ADDED"
	EventStepStarted       = "STEP_STARTED"
	EventStepFinished      = "STEP_FINISHED"
	EventDestroyed         = "ENV_DESTROYED"
)

// EventSink receives environment lifecycle events. Implemented by
// messaging.Bus; a nil sink disables event publishing.
type EventSink interface {
	PublishEvent(env, kind string, payload any)
}

// ArtifactStore persists published artifacts. Implemented by
// storage.Archive; a nil store disables archiving.
type ArtifactStore interface {
	SaveArtifact(a *Artifact) error
	Close() error
}

// Options configures an Environment beyond its listen address.
type Options struct {
	// Name of the environment, shown in logs and event subjects. Defaults
	// to host:port.
	Name string

	// LogFolder is passed to agents on Destroy so they can persist state.
	LogFolder string

	// Bus receives lifecycle events when set.
	Bus EventSink

	// Archive persists published artifacts when set. The environment owns
	// it and closes it on Destroy.
	Archive ArtifactStore

	// SaveInfo, when set, is called first during Destroy with the folder
	// given to Destroy.
	SaveInfo func(folder string) error
}

// Environment hosts a set of agents behind one TCP address and mediates
// their communication. Agents occupy consecutive index slots; slot 0 belongs
// to the manager when one is attached, so a manager must be attached before
// any agent is added.
type Environment struct {
	name      string
	host      string
	server    *rpc.Server
	logFolder string
	bus       EventSink
	archive   ArtifactStore
	saveInfo  func(string) error

	mu         sync.RWMutex
	agents     map[int]Agent
	slotOrder  []int
	nextIndex  int
	manager    Agent
	artifacts  []*Artifact
	candidates []*Artifact

	age   atomic.Int64
	ready atomic.Bool

	destroyOnce sync.Once
	destroyErr  error
}

// NewEnvironment starts an environment listening on host:port. Port 0 picks
// a free port. The environment is ready as soon as this returns.
func NewEnvironment(host string, port int, opts *Options) (*Environment, error) {
	if opts == nil {
		opts = &Options{}
	}
	server, err := rpc.NewServer(host, port)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s:%d", host, server.Port())
	}
	env := &Environment{
		name:      name,
		host:      host,
		server:    server,
		logFolder: opts.LogFolder,
		bus:       opts.Bus,
		archive:   opts.Archive,
		saveInfo:  opts.SaveInfo,
		agents:    make(map[int]Agent),
	}
	env.ready.Store(true)
	log.Printf("environment %s listening on %s", name, env.HostPort())
	return env, nil
}

// Name returns the environment's name.
func (e *Environment) Name() string { return e.name }

// Port returns the bound TCP port.
func (e *Environment) Port() int { return e.server.Port() }

// HostPort returns the environment's dialable address.
func (e *Environment) HostPort() string {
	return fmt.Sprintf("%s:%d", e.host, e.server.Port())
}

// IsReady reports whether the environment accepts calls. It stays true from
// creation until Destroy.
func (e *Environment) IsReady() bool { return e.ready.Load() }

// Age returns the environment's age, advanced by the simulation stepper.
func (e *Environment) Age() int64 { return e.age.Load() }

// SetAge sets the environment's age.
func (e *Environment) SetAge(age int64) { e.age.Store(age) }

// Emit publishes an event on the environment's bus, if one is attached.
func (e *Environment) Emit(kind string, payload any) {
	if e.bus != nil {
		e.bus.PublishEvent(e.name, kind, payload)
	}
}

// AttachManager installs m as the environment's manager on slot 0 and
// registers its exposed method table. It fails once any agent occupies a
// slot.
func (e *Environment) AttachManager(m Agent, table rpc.HandlerTable) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextIndex != 0 {
		return errors.New("manager must be the first agent in its environment")
	}
	addr := Address{Host: e.host, Port: e.server.Port(), Index: 0}
	m.bind(e, addr)
	e.manager = m
	e.nextIndex = 1
	e.server.RegisterSlot(0, table)
	return nil
}

// Manager returns the attached manager agent, or nil.
func (e *Environment) Manager() Agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manager
}

// AddAgent places a constructed agent into the next free slot and exposes
// its methods over RPC. It returns the agent's address.
func (e *Environment) AddAgent(a Agent) (Address, error) {
	e.mu.Lock()
	index := e.nextIndex
	e.nextIndex++
	addr := Address{Host: e.host, Port: e.server.Port(), Index: index}
	a.bind(e, addr)
	e.agents[index] = a
	e.slotOrder = append(e.slotOrder, index)
	e.mu.Unlock()

	e.server.RegisterSlot(index, agentHandlers(a))
	e.Emit(EventAgentSpawned, map[string]string{"addr": addr.String(), "name": a.Name()})
	return addr, nil
}

// Spawn constructs an agent of a registered type and adds it to the
// environment.
func (e *Environment) Spawn(typeName string, params json.RawMessage) (Agent, Address, error) {
	factory, err := lookupAgentType(typeName)
	if err != nil {
		return nil, Address{}, err
	}
	a, err := factory(e, params)
	if err != nil {
		return nil, Address{}, fmt.Errorf("spawn %s: %w", typeName, err)
	}
	addr, err := e.AddAgent(a)
	if err != nil {
		return nil, Address{}, err
	}
	return a, addr, nil
}

// SpawnN spawns n agents of the same registered type with identical
// parameters and returns their addresses.
func (e *Environment) SpawnN(typeName string, n int, params json.RawMessage) ([]string, error) {
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		_, addr, err := e.Spawn(typeName, params)
		if err != nil {
			return addrs, err
		}
		addrs = append(addrs, addr.String())
	}
	return addrs, nil
}

// Agents returns the environment's agents in creation order, excluding the
// manager.
func (e *Environment) Agents() []Agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Agent, 0, len(e.slotOrder))
	for _, i := range e.slotOrder {
		out = append(out, e.agents[i])
	}
	return out
}

// AgentAddrs returns the addresses of the environment's agents in creation
// order, excluding the manager.
func (e *Environment) AgentAddrs() []string {
	agents := e.Agents()
	addrs := make([]string, len(agents))
	for i, a := range agents {
		addrs[i] = a.Addr().String()
	}
	return addrs
}

// GetAgents returns the agent addresses with the same signature the remote
// listing operation has.
func (e *Environment) GetAgents(ctx context.Context) ([]string, error) {
	return e.AgentAddrs(), nil
}

// GetAgent returns the agent with the given name, or nil.
func (e *Environment) GetAgent(name string) Agent {
	for _, a := range e.Agents() {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// RandomAgent returns a random agent other than exclude. It returns nil when
// no other agent exists.
func (e *Environment) RandomAgent(exclude Agent) Agent {
	agents := e.Agents()
	candidates := agents[:0]
	for _, a := range agents {
		if exclude == nil || a.Addr() != exclude.Addr() {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// CreateRandomConnections gives every agent n random distinct peers from the
// same environment.
func (e *Environment) CreateRandomConnections(n int) error {
	if n < 1 {
		return errors.New("connection count must be positive")
	}
	agents := e.Agents()
	if len(agents) < 2 {
		return errors.New("not enough agents for random connections")
	}
	if n > len(agents)-1 {
		n = len(agents) - 1
	}
	for _, a := range agents {
		for added := 0; added < n; {
			peer := e.RandomAgent(a)
			if a.AddConnection(peer.Addr().String(), nil) {
				added++
			}
		}
	}
	return nil
}

// CreateConnections applies a connection map to the agents living in this
// environment. Entries addressed to other environments are ignored. It
// returns the number of agents whose connections were updated.
func (e *Environment) CreateConnections(cm ConnectionMap) int {
	applied := 0
	for _, a := range e.Agents() {
		if conns, ok := cm[a.Addr().String()]; ok {
			a.AddConnections(conns)
			applied++
		}
	}
	return applied
}

// GetConnections returns each agent's connections keyed by agent address.
func (e *Environment) GetConnections(withData bool) map[string][]Connection {
	out := make(map[string][]Connection)
	for _, a := range e.Agents() {
		out[a.Addr().String()] = a.Connections(withData)
	}
	return out
}

// TriggerAct triggers a single agent, addressed anywhere, to act once. The
// call goes over RPC even for local agents so that local and remote
// environments behave the same.
func (e *Environment) TriggerAct(ctx context.Context, addr string) error {
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	return rpc.Call(ctx, a.HostPort(), a.Index, "act", nil, nil)
}

// TriggerAll triggers every local agent (excluding the manager) to act
// concurrently and waits for all of them. Individual failures are joined
// into the returned error.
func (e *Environment) TriggerAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range e.Agents() {
		a := a
		g.Go(func() error {
			if err := a.Act(ctx); err != nil {
				return fmt.Errorf("agent %s act: %w", a.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// AskEvaluation asks the agent at addr to evaluate an artifact over RPC.
func (e *Environment) AskEvaluation(ctx context.Context, addr string, art *Artifact) (float64, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return 0, err
	}
	var res evalResult
	if err := rpc.Call(ctx, a.HostPort(), a.Index, "evaluate", art, &res); err != nil {
		return 0, err
	}
	return res.Score, nil
}

// AddArtifact publishes an artifact to the environment: it is stamped with
// the current age, appended to the published set, archived and announced.
func (e *Environment) AddArtifact(art *Artifact) {
	art.EnvTime = e.age.Load()
	e.mu.Lock()
	e.artifacts = append(e.artifacts, art)
	count := len(e.artifacts)
	e.mu.Unlock()

	if e.archive != nil {
		if err := e.archive.SaveArtifact(art); err != nil {
			log.Printf("environment %s: archive artifact %s: %v", e.name, art.ID, err)
		}
	}
	e.Emit(EventArtifactPublished, art)
	log.Printf("environment %s: artifact %s published (%d total)", e.name, art, count)
}

// Artifacts returns all published artifacts in publication order.
func (e *Environment) Artifacts() []*Artifact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Artifact, len(e.artifacts))
	copy(out, e.artifacts)
	return out
}

// ArtifactsBy returns the artifacts published by the named agent.
func (e *Environment) ArtifactsBy(creator string) []*Artifact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Artifact
	for _, a := range e.artifacts {
		if a.Creator == creator {
			out = append(out, a)
		}
	}
	return out
}

// AddCandidate appends an artifact to the candidate set awaiting collective
// evaluation.
func (e *Environment) AddCandidate(art *Artifact) {
	e.mu.Lock()
	e.candidates = append(e.candidates, art)
	e.mu.Unlock()
	e.Emit(EventCandidateAdded, art)
}

// Candidates returns a snapshot of the current candidate set.
func (e *Environment) Candidates() []*Artifact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Artifact, len(e.candidates))
	copy(out, e.candidates)
	return out
}

// ClearCandidates empties the candidate set.
func (e *Environment) ClearCandidates() {
	e.mu.Lock()
	e.candidates = nil
	e.mu.Unlock()
}

// Destroy shuts the environment down: the save-info hook runs first, then
// every agent (manager last) is closed with the given folder, the RPC
// listener is stopped releasing the address, and the archive is closed.
// Destroy is idempotent.
func (e *Environment) Destroy(folder string) error {
	e.destroyOnce.Do(func() {
		if folder == "" {
			folder = e.logFolder
		}
		var errs []error
		if e.saveInfo != nil {
			if err := e.saveInfo(folder); err != nil {
				errs = append(errs, fmt.Errorf("save info: %w", err))
			}
		}
		for _, a := range e.Agents() {
			if err := a.Close(folder); err != nil {
				errs = append(errs, fmt.Errorf("close agent %s: %w", a.Name(), err))
			}
		}
		if m := e.Manager(); m != nil {
			if err := m.Close(folder); err != nil {
				errs = append(errs, fmt.Errorf("close manager: %w", err))
			}
		}
		e.ready.Store(false)
		e.Emit(EventDestroyed, map[string]string{"name": e.name})
		if err := e.server.Close(); err != nil {
			errs = append(errs, err)
		}
		if e.archive != nil {
			if err := e.archive.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close archive: %w", err))
			}
		}
		e.destroyErr = errors.Join(errs...)
		log.Printf("environment %s destroyed", e.name)
	})
	return e.destroyErr
}

type evalResult struct {
	Score   float64         `json:"score"`
	Framing json.RawMessage `json:"framing,omitempty"`
}

// agentHandlers builds the RPC method table exposed for a regular agent.
func agentHandlers(a Agent) rpc.HandlerTable {
	return rpc.HandlerTable{
		"act": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return nil, a.Act(ctx)
		},
		"evaluate": func(_ context.Context, args json.RawMessage) (any, error) {
			var art Artifact
			if err := json.Unmarshal(args, &art); err != nil {
				return nil, err
			}
			score, framing := a.Evaluate(&art)
			return evalResult{Score: score, Framing: framing}, nil
		},
		"add_connection": func(_ context.Context, args json.RawMessage) (any, error) {
			var c Connection
			if err := json.Unmarshal(args, &c); err != nil {
				return nil, err
			}
			return a.AddConnection(c.Addr, c.Data), nil
		},
		"add_connections": func(_ context.Context, args json.RawMessage) (any, error) {
			var conns []Connection
			if err := json.Unmarshal(args, &conns); err != nil {
				return nil, err
			}
			return a.AddConnections(conns), nil
		},
		"remove_connection": func(_ context.Context, args json.RawMessage) (any, error) {
			var c Connection
			if err := json.Unmarshal(args, &c); err != nil {
				return nil, err
			}
			return a.RemoveConnection(c.Addr), nil
		},
		"clear_connections": func(_ context.Context, _ json.RawMessage) (any, error) {
			a.ClearConnections()
			return nil, nil
		},
		"get_connections": func(_ context.Context, args json.RawMessage) (any, error) {
			var req struct {
				Data bool `json:"data"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &req); err != nil {
					return nil, err
				}
			}
			return a.Connections(req.Data), nil
		},
		"close": func(_ context.Context, args json.RawMessage) (any, error) {
			var req struct {
				Folder string `json:"folder"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &req); err != nil {
					return nil, err
				}
			}
			return nil, a.Close(req.Folder)
		},
	}
}
