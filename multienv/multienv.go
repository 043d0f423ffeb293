// Package multienv runs a master environment that owns several slave
// environments, each in its own process with a manager on slot 0. The master
// relays commands to every slave and merges the results.
package multienv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/manager"
	"github.com/atelierlabs/atelier/rpc"
)

// waitPollInterval is how often WaitSlaves retries a slave that has not yet
// answered.
const waitPollInterval = 250 * time.Millisecond

// SlaveSpec is the listen address a slave environment should be started on.
type SlaveSpec struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Options configures a MultiEnvironment.
type Options struct {
	// Name of the multi-environment. Defaults to the master host:port.
	Name string

	// Manager attaches a MultiEnvManager to the master environment so the
	// multi-environment itself can be driven remotely (required when this
	// process is a node of a distributed environment).
	Manager bool

	// Env configures the master environment.
	Env *core.Options
}

// MultiEnvironment is a master environment plus the manager addresses of its
// slave environments. All slave communication is point-to-point RPC against
// each slave's manager; connections are opened per call.
type MultiEnvironment struct {
	env  *core.Environment
	mgr  *manager.MultiEnvManager
	name string

	mu         sync.RWMutex
	slaveAddrs []string
	procs      []*exec.Cmd
	artifacts  []*core.Artifact
}

// New starts the master environment on host:port. With opts.Manager set the
// master gets a MultiEnvManager on slot 0.
func New(host string, port int, opts *Options) (*MultiEnvironment, error) {
	if opts == nil {
		opts = &Options{}
	}
	envOpts := opts.Env
	if envOpts == nil {
		envOpts = &core.Options{}
	}
	if envOpts.Name == "" {
		envOpts.Name = opts.Name
	}
	env, err := core.NewEnvironment(host, port, envOpts)
	if err != nil {
		return nil, err
	}
	m := &MultiEnvironment{env: env, name: env.Name()}
	if opts.Manager {
		mgr, err := manager.NewMultiEnvManager(env, m)
		if err != nil {
			env.Destroy("")
			return nil, err
		}
		m.mgr = mgr
	}
	return m, nil
}

// Name returns the multi-environment's name.
func (m *MultiEnvironment) Name() string { return m.name }

// Env returns the master environment used to talk to slave managers.
func (m *MultiEnvironment) Env() *core.Environment { return m.env }

// Manager returns the master manager, or nil when none was attached.
func (m *MultiEnvironment) Manager() *manager.MultiEnvManager { return m.mgr }

// SpawnSlaves starts one slave environment process per spec using the given
// binary (conventionally cmd/atelier-node). Each process serves a manager on
// slot 0 of its address; the processes are killed on Destroy. Extra args are
// appended to every command line.
func (m *MultiEnvironment) SpawnSlaves(bin string, specs []SlaveSpec, extraArgs ...string) error {
	var errs []error
	for _, spec := range specs {
		args := []string{"-host", spec.Host, "-port", strconv.Itoa(spec.Port)}
		args = append(args, extraArgs...)
		cmd := exec.Command(bin, args...)
		if err := cmd.Start(); err != nil {
			errs = append(errs, fmt.Errorf("spawn slave %s:%d: %w", spec.Host, spec.Port, err))
			continue
		}
		addr := core.Address{Host: spec.Host, Port: spec.Port, Index: 0}
		m.mu.Lock()
		m.procs = append(m.procs, cmd)
		m.slaveAddrs = append(m.slaveAddrs, addr.String())
		m.mu.Unlock()
		log.Printf("multienv %s: spawned slave %s (pid %d)", m.name, addr, cmd.Process.Pid)
	}
	return errors.Join(errs...)
}

// AddSlaves registers externally started slave environments by their manager
// addresses.
func (m *MultiEnvironment) AddSlaves(managerAddrs ...string) error {
	for _, addr := range managerAddrs {
		if _, err := core.ParseAddress(addr); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.slaveAddrs = append(m.slaveAddrs, managerAddrs...)
	m.mu.Unlock()
	return nil
}

// SlaveManagers returns the slave environments' manager addresses.
func (m *MultiEnvironment) SlaveManagers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.slaveAddrs))
	copy(out, m.slaveAddrs)
	return out
}

func callManager(ctx context.Context, addr, method string, args, reply any) error {
	a, err := core.ParseAddress(addr)
	if err != nil {
		return err
	}
	return rpc.Call(ctx, a.HostPort(), a.Index, method, args, reply)
}

// WaitSlaves polls every slave manager until all of them answer (and, with
// checkReady, report ready) or the timeout expires. It reports whether all
// slaves came up in time.
func (m *MultiEnvironment) WaitSlaves(ctx context.Context, timeout time.Duration, checkReady bool) bool {
	deadline := time.Now().Add(timeout)
	pending := make(map[string]bool)
	for _, addr := range m.SlaveManagers() {
		pending[addr] = true
	}
	log.Printf("multienv %s: waiting for %d slaves", m.name, len(pending))
	for len(pending) > 0 {
		if time.Now().After(deadline) {
			log.Printf("multienv %s: timeout waiting for slaves, %d missing", m.name, len(pending))
			return false
		}
		for addr := range pending {
			callCtx, cancel := context.WithTimeout(ctx, waitPollInterval*4)
			var ready bool
			err := callManager(callCtx, addr, "is_ready", nil, &ready)
			cancel()
			if err != nil {
				continue
			}
			if !checkReady || ready {
				delete(pending, addr)
				log.Printf("multienv %s: slave online: %s", m.name, addr)
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(waitPollInterval):
		}
	}
	return true
}

// eachSlave runs fn concurrently for every slave manager address and joins
// the per-slave errors. Results from successful slaves are kept even when
// others fail.
func (m *MultiEnvironment) eachSlave(ctx context.Context, fn func(ctx context.Context, addr string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range m.SlaveManagers() {
		addr := addr
		g.Go(func() error {
			if err := fn(ctx, addr); err != nil {
				return fmt.Errorf("slave %s: %w", addr, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// GetAgents collects the agent addresses of every slave environment. Slave
// managers are excluded by their own get_agents.
func (m *MultiEnvironment) GetAgents(ctx context.Context) ([]string, error) {
	var mu sync.Mutex
	var all []string
	err := m.eachSlave(ctx, func(ctx context.Context, addr string) error {
		var addrs []string
		if err := callManager(ctx, addr, "get_agents", nil, &addrs); err != nil {
			return err
		}
		mu.Lock()
		all = append(all, addrs...)
		mu.Unlock()
		return nil
	})
	core.SortAddrs(all)
	return all, err
}

// TriggerAll triggers every agent in every slave environment to act once and
// waits for all of them.
func (m *MultiEnvironment) TriggerAll(ctx context.Context) error {
	return m.eachSlave(ctx, func(ctx context.Context, addr string) error {
		return callManager(ctx, addr, "trigger_all", nil, nil)
	})
}

// TriggerAct triggers the single agent at addr to act once.
func (m *MultiEnvironment) TriggerAct(ctx context.Context, addr string) error {
	a, err := core.ParseAddress(addr)
	if err != nil {
		return err
	}
	return rpc.Call(ctx, a.HostPort(), a.Index, "act", nil, nil)
}

// smallestSlave returns the manager address of the slave with the fewest
// agents.
func (m *MultiEnvironment) smallestSlave(ctx context.Context) (string, error) {
	type envSize struct {
		addr string
		n    int
	}
	var mu sync.Mutex
	var sizes []envSize
	err := m.eachSlave(ctx, func(ctx context.Context, addr string) error {
		var addrs []string
		if err := callManager(ctx, addr, "get_agents", nil, &addrs); err != nil {
			return err
		}
		mu.Lock()
		sizes = append(sizes, envSize{addr: addr, n: len(addrs)})
		mu.Unlock()
		return nil
	})
	if len(sizes) == 0 {
		if err == nil {
			err = errors.New("no slave environments")
		}
		return "", err
	}
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.n < best.n {
			best = s
		}
	}
	return best.addr, nil
}

// Spawn creates one agent of a registered type in a slave environment. With
// an empty managerAddr the slave with the fewest agents is chosen. The new
// agent's address is returned.
func (m *MultiEnvironment) Spawn(ctx context.Context, typeName string, params json.RawMessage, managerAddr string) (string, error) {
	if managerAddr == "" {
		var err error
		managerAddr, err = m.smallestSlave(ctx)
		if err != nil {
			return "", err
		}
	}
	var addr string
	args := map[string]any{"type": typeName, "params": params}
	if err := callManager(ctx, managerAddr, "spawn", args, &addr); err != nil {
		return "", err
	}
	return addr, nil
}

// SpawnN creates n identically parameterized agents in one slave
// environment and returns their addresses.
func (m *MultiEnvironment) SpawnN(ctx context.Context, typeName string, n int, params json.RawMessage, managerAddr string) ([]string, error) {
	if managerAddr == "" {
		var err error
		managerAddr, err = m.smallestSlave(ctx)
		if err != nil {
			return nil, err
		}
	}
	var addrs []string
	args := map[string]any{"type": typeName, "n": n, "params": params}
	if err := callManager(ctx, managerAddr, "spawn_n", args, &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

// CreateConnections relays a connection map to every slave; each slave
// applies the entries for its own agents.
func (m *MultiEnvironment) CreateConnections(ctx context.Context, cm core.ConnectionMap) error {
	return m.eachSlave(ctx, func(ctx context.Context, addr string) error {
		return callManager(ctx, addr, "create_connections", cm, nil)
	})
}

// GetConnections merges the connection listings of every slave environment,
// keyed by agent address.
func (m *MultiEnvironment) GetConnections(ctx context.Context, withData bool) (map[string][]core.Connection, error) {
	var mu sync.Mutex
	merged := make(map[string][]core.Connection)
	err := m.eachSlave(ctx, func(ctx context.Context, addr string) error {
		part := make(map[string][]core.Connection)
		if err := callManager(ctx, addr, "get_connections", connReq{Data: withData}, &part); err != nil {
			return err
		}
		mu.Lock()
		for k, v := range part {
			merged[k] = v
		}
		mu.Unlock()
		return nil
	})
	return merged, err
}

type connReq struct {
	Data bool `json:"data"`
}

// SetHostManager registers this multi-environment's manager as the host
// manager of the slave manager at addr, enabling it to report back.
func (m *MultiEnvironment) SetHostManager(ctx context.Context, addr string) error {
	if m.mgr == nil {
		return errors.New("multi-environment has no manager")
	}
	return callManager(ctx, addr, "set_host_manager", m.mgr.Addr().String(), nil)
}

// SetHostManagers registers the master manager as host for every slave
// manager.
func (m *MultiEnvironment) SetHostManagers(ctx context.Context) error {
	return m.eachSlave(ctx, m.SetHostManager)
}

// IsReady reports whether the master environment and every slave are ready.
func (m *MultiEnvironment) IsReady(ctx context.Context) bool {
	if !m.env.IsReady() {
		return false
	}
	ready := true
	err := m.eachSlave(ctx, func(ctx context.Context, addr string) error {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		var r bool
		if err := callManager(callCtx, addr, "is_ready", nil, &r); err != nil {
			return err
		}
		if !r {
			return fmt.Errorf("not ready")
		}
		return nil
	})
	if err != nil {
		ready = false
	}
	return ready
}

// AddArtifact publishes an artifact to the multi-environment, stamped with
// the master environment's age.
func (m *MultiEnvironment) AddArtifact(art *core.Artifact) {
	art.EnvTime = m.env.Age()
	m.mu.Lock()
	m.artifacts = append(m.artifacts, art)
	count := len(m.artifacts)
	m.mu.Unlock()
	m.env.Emit(core.EventArtifactPublished, art)
	log.Printf("multienv %s: artifact %s published (%d total)", m.name, art, count)
}

// AddArtifacts publishes several artifacts.
func (m *MultiEnvironment) AddArtifacts(arts []*core.Artifact) {
	for _, a := range arts {
		m.AddArtifact(a)
	}
}

// Artifacts returns the artifacts published to the multi-environment.
func (m *MultiEnvironment) Artifacts() []*core.Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Artifact, len(m.artifacts))
	copy(out, m.artifacts)
	return out
}

// ArtifactsBy returns the artifacts published by the named agent.
func (m *MultiEnvironment) ArtifactsBy(creator string) []*core.Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Artifact
	for _, a := range m.artifacts {
		if a.Creator == creator {
			out = append(out, a)
		}
	}
	return out
}

// GatherCandidates collects the candidate sets of every slave environment.
func (m *MultiEnvironment) GatherCandidates(ctx context.Context) ([]*core.Artifact, error) {
	var mu sync.Mutex
	var all []*core.Artifact
	err := m.eachSlave(ctx, func(ctx context.Context, addr string) error {
		var cands []*core.Artifact
		if err := callManager(ctx, addr, "candidates", nil, &cands); err != nil {
			return err
		}
		mu.Lock()
		all = append(all, cands...)
		mu.Unlock()
		return nil
	})
	return all, err
}

// ClearCandidates empties the candidate set of every slave environment.
func (m *MultiEnvironment) ClearCandidates(ctx context.Context) error {
	return m.eachSlave(ctx, func(ctx context.Context, addr string) error {
		return callManager(ctx, addr, "clear_candidates", nil, nil)
	})
}

// Age returns the master environment's age.
func (m *MultiEnvironment) Age() int64 { return m.env.Age() }

// SetAge sets the master environment's age.
func (m *MultiEnvironment) SetAge(age int64) { m.env.SetAge(age) }

// StopSlaves sends stop to every slave manager. Slaves that cannot be
// reached within the timeout are logged and skipped so the remaining slaves
// still stop.
func (m *MultiEnvironment) StopSlaves(ctx context.Context, timeout time.Duration) {
	for _, addr := range m.SlaveManagers() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := callManager(callCtx, addr, "stop", nil, nil)
		cancel()
		if err != nil {
			log.Printf("multienv %s: could not stop slave %s: %v", m.name, addr, err)
		}
	}
}

// Destroy stops the slaves, reaps their processes and destroys the master
// environment. Destroy is idempotent through the master environment.
func (m *MultiEnvironment) Destroy(folder string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.StopSlaves(ctx, time.Second)

	m.mu.Lock()
	procs := m.procs
	m.procs = nil
	m.mu.Unlock()
	for _, cmd := range procs {
		// Give the slave a moment to exit on its own after the stop
		// message, then make sure it is gone.
		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			cmd.Process.Kill()
			<-done
		}
	}
	return m.env.Destroy(folder)
}
