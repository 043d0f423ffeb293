// Package manager implements the fixed index-0 agents that expose an
// environment's operations to remote callers. Managers perform no caller
// authentication; they are meant for trusted, closed networks.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/rpc"
)

// spawnArgs is the wire form of the spawn and spawn_n operations.
type spawnArgs struct {
	Type   string          `json:"type"`
	N      int             `json:"n,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Manager optionally routes the spawn to a specific slave environment
	// in a multi-environment.
	Manager string `json:"manager,omitempty"`
}

type connArgs struct {
	Data bool `json:"data"`
}

// HandleFunc processes messages slave managers report upward. The returned
// value is sent back to the reporting manager.
type HandleFunc func(msg json.RawMessage) (any, error)

// EnvManager is an environment's manager: the first agent of the
// environment, exposing remote-callable mirrors of the environment's own
// operations. Agent listings and trigger fan-out through the manager exclude
// the manager itself.
type EnvManager struct {
	*core.BaseAgent
	env *core.Environment

	mu          sync.RWMutex
	hostManager string
	handle      HandleFunc

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewEnvManager creates a manager and attaches it to env as slot 0. It must
// be called before any agent is added to env.
func NewEnvManager(env *core.Environment) (*EnvManager, error) {
	m := &EnvManager{
		BaseAgent: core.NewBaseAgent("", 0),
		env:       env,
		stopped:   make(chan struct{}),
	}
	if err := env.AttachManager(m, m.handlers()); err != nil {
		return nil, err
	}
	return m, nil
}

// SetHandle overrides the handler for messages reported by slave managers.
// The default handler discards the message.
func (m *EnvManager) SetHandle(h HandleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = h
}

// HostManager returns the address of the host manager set for this manager,
// or the empty string.
func (m *EnvManager) HostManager() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hostManager
}

// Report forwards a message to the host manager's handle operation.
func (m *EnvManager) Report(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	host := m.HostManager()
	if host == "" {
		return nil, errors.New("no host manager set")
	}
	a, err := core.ParseAddress(host)
	if err != nil {
		return nil, err
	}
	var reply json.RawMessage
	if err := rpc.Call(ctx, a.HostPort(), a.Index, "handle", msg, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Stop releases Wait. Remote callers use it to shut down the process
// serving the environment.
func (m *EnvManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// Wait blocks until the manager's stop operation is invoked, locally or over
// RPC.
func (m *EnvManager) Wait() {
	<-m.stopped
}

// Stopped exposes the stop signal for select loops.
func (m *EnvManager) Stopped() <-chan struct{} {
	return m.stopped
}

func (m *EnvManager) handlers() rpc.HandlerTable {
	return rpc.HandlerTable{
		"get_agents": func(_ context.Context, _ json.RawMessage) (any, error) {
			return m.env.AgentAddrs(), nil
		},
		"trigger_all": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return nil, m.env.TriggerAll(ctx)
		},
		"spawn": func(_ context.Context, args json.RawMessage) (any, error) {
			var sa spawnArgs
			if err := json.Unmarshal(args, &sa); err != nil {
				return nil, err
			}
			_, addr, err := m.env.Spawn(sa.Type, sa.Params)
			if err != nil {
				return nil, err
			}
			return addr.String(), nil
		},
		"spawn_n": func(_ context.Context, args json.RawMessage) (any, error) {
			var sa spawnArgs
			if err := json.Unmarshal(args, &sa); err != nil {
				return nil, err
			}
			return m.env.SpawnN(sa.Type, sa.N, sa.Params)
		},
		"is_ready": func(_ context.Context, _ json.RawMessage) (any, error) {
			return m.env.IsReady(), nil
		},
		"artifacts": func(_ context.Context, _ json.RawMessage) (any, error) {
			return m.env.Artifacts(), nil
		},
		"candidates": func(_ context.Context, _ json.RawMessage) (any, error) {
			return m.env.Candidates(), nil
		},
		"add_candidate": func(_ context.Context, args json.RawMessage) (any, error) {
			var art core.Artifact
			if err := json.Unmarshal(args, &art); err != nil {
				return nil, err
			}
			m.env.AddCandidate(&art)
			return nil, nil
		},
		"clear_candidates": func(_ context.Context, _ json.RawMessage) (any, error) {
			m.env.ClearCandidates()
			return nil, nil
		},
		"create_connections": func(_ context.Context, args json.RawMessage) (any, error) {
			var cm core.ConnectionMap
			if err := json.Unmarshal(args, &cm); err != nil {
				return nil, err
			}
			return m.env.CreateConnections(cm), nil
		},
		"get_connections": func(_ context.Context, args json.RawMessage) (any, error) {
			var ca connArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &ca); err != nil {
					return nil, err
				}
			}
			return m.env.GetConnections(ca.Data), nil
		},
		"set_host_manager": func(_ context.Context, args json.RawMessage) (any, error) {
			var addr string
			if err := json.Unmarshal(args, &addr); err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.hostManager = addr
			m.mu.Unlock()
			return nil, nil
		},
		"host_manager": func(_ context.Context, _ json.RawMessage) (any, error) {
			return m.HostManager(), nil
		},
		"report": func(ctx context.Context, args json.RawMessage) (any, error) {
			return m.Report(ctx, args)
		},
		"handle": func(_ context.Context, args json.RawMessage) (any, error) {
			m.mu.RLock()
			h := m.handle
			m.mu.RUnlock()
			if h == nil {
				return nil, nil
			}
			return h(args)
		},
		"stop": func(_ context.Context, _ json.RawMessage) (any, error) {
			m.Stop()
			return nil, nil
		},
		"close": func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, nil
		},
	}
}
