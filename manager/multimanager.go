package manager

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/rpc"
)

// MultiEnv is the multi-environment surface a MultiEnvManager relays to.
// Implemented by multienv.MultiEnvironment.
type MultiEnv interface {
	Spawn(ctx context.Context, typeName string, params json.RawMessage, managerAddr string) (string, error)
	SpawnN(ctx context.Context, typeName string, n int, params json.RawMessage, managerAddr string) ([]string, error)
	GetAgents(ctx context.Context) ([]string, error)
	TriggerAll(ctx context.Context) error
	IsReady(ctx context.Context) bool
	SlaveManagers() []string
	CreateConnections(ctx context.Context, cm core.ConnectionMap) error
	GetConnections(ctx context.Context, withData bool) (map[string][]core.Connection, error)
	SetHostManager(ctx context.Context, addr string) error
	Artifacts() []*core.Artifact
}

// MultiEnvManager is the manager of a multi-environment's master
// environment. It is usually the only agent in that environment; the actual
// simulation agents live in the slave environments.
type MultiEnvManager struct {
	*core.BaseAgent
	menv MultiEnv

	mu     sync.RWMutex
	handle HandleFunc

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMultiEnvManager attaches a manager for menv to the master environment
// env. It must be called before any agent is added to env.
func NewMultiEnvManager(env *core.Environment, menv MultiEnv) (*MultiEnvManager, error) {
	m := &MultiEnvManager{
		BaseAgent: core.NewBaseAgent("", 0),
		menv:      menv,
		stopped:   make(chan struct{}),
	}
	if err := env.AttachManager(m, m.handlers()); err != nil {
		return nil, err
	}
	return m, nil
}

// SetHandle overrides the handler for messages reported by slave managers.
func (m *MultiEnvManager) SetHandle(h HandleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = h
}

// Stop releases Wait.
func (m *MultiEnvManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// Wait blocks until the manager's stop operation is invoked.
func (m *MultiEnvManager) Wait() {
	<-m.stopped
}

// Stopped exposes the stop signal for select loops.
func (m *MultiEnvManager) Stopped() <-chan struct{} {
	return m.stopped
}

func (m *MultiEnvManager) handlers() rpc.HandlerTable {
	return rpc.HandlerTable{
		"spawn": func(ctx context.Context, args json.RawMessage) (any, error) {
			var sa spawnArgs
			if err := json.Unmarshal(args, &sa); err != nil {
				return nil, err
			}
			return m.menv.Spawn(ctx, sa.Type, sa.Params, sa.Manager)
		},
		"spawn_n": func(ctx context.Context, args json.RawMessage) (any, error) {
			var sa spawnArgs
			if err := json.Unmarshal(args, &sa); err != nil {
				return nil, err
			}
			return m.menv.SpawnN(ctx, sa.Type, sa.N, sa.Params, sa.Manager)
		},
		"get_agents": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return m.menv.GetAgents(ctx)
		},
		"trigger_all": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return nil, m.menv.TriggerAll(ctx)
		},
		"is_ready": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return m.menv.IsReady(ctx), nil
		},
		"get_slave_managers": func(_ context.Context, _ json.RawMessage) (any, error) {
			return m.menv.SlaveManagers(), nil
		},
		"create_connections": func(ctx context.Context, args json.RawMessage) (any, error) {
			var cm core.ConnectionMap
			if err := json.Unmarshal(args, &cm); err != nil {
				return nil, err
			}
			return nil, m.menv.CreateConnections(ctx, cm)
		},
		"get_connections": func(ctx context.Context, args json.RawMessage) (any, error) {
			var ca connArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &ca); err != nil {
					return nil, err
				}
			}
			return m.menv.GetConnections(ctx, ca.Data)
		},
		"set_as_host_manager": func(ctx context.Context, args json.RawMessage) (any, error) {
			var addr string
			if err := json.Unmarshal(args, &addr); err != nil {
				return nil, err
			}
			return nil, m.menv.SetHostManager(ctx, addr)
		},
		"get_artifacts": func(_ context.Context, _ json.RawMessage) (any, error) {
			return m.menv.Artifacts(), nil
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
