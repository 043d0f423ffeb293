// Package simulation steps an environment through discrete iterations.
// Each step advances the environment's age by one and triggers every
// agent's act either one at a time in a chosen order or all at once.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/atelierlabs/atelier/core"
)

// Order decides the sequence agents are triggered in during a sequential
// step.
type Order int

const (
	// Alphabetical triggers agents in address order (host, port, index).
	Alphabetical Order = iota
	// Random shuffles the trigger order each step.
	Random
)

// Environment is the surface a simulation drives. Both a single-process
// environment and a multi-environment satisfy it.
type Environment interface {
	Name() string
	Age() int64
	SetAge(age int64)
	GetAgents(ctx context.Context) ([]string, error)
	TriggerAct(ctx context.Context, addr string) error
	TriggerAll(ctx context.Context) error
	Destroy(folder string) error
}

// Options configures a Simulation.
type Options struct {
	// Name of the simulation, used in logs. Defaults to the environment's
	// name.
	Name string
	// Order for sequential steps.
	Order Order
	// Callback runs at the start of every step with the new age.
	Callback func(age int64)
	// LogFolder is passed to the environment on End.
	LogFolder string
}

// Stats holds cumulative timing for finished steps.
type Stats struct {
	Steps     int64
	Total     time.Duration
	LastStep  time.Duration
	AgentTime time.Duration
}

// Simulation drives an environment step by step. A step either triggers
// agents one at a time (Step) or concurrently (AsyncStep); the two styles
// can be mixed freely between steps but a single step must finish before
// the next begins.
type Simulation struct {
	env  Environment
	name string
	opts Options

	mu      sync.Mutex
	pending []string // addresses not yet triggered in the current step
	stats   Stats
	started time.Time
}

// New wraps env in a simulation. The environment keeps its current age, so
// a simulation can resume stepping where a previous one stopped.
func New(env Environment, opts *Options) *Simulation {
	if opts == nil {
		opts = &Options{}
	}
	name := opts.Name
	if name == "" {
		name = env.Name()
	}
	return &Simulation{env: env, name: name, opts: *opts}
}

// Name returns the simulation's name.
func (s *Simulation) Name() string { return s.name }

// Env returns the wrapped environment.
func (s *Simulation) Env() Environment { return s.env }

// Stats returns cumulative timing for finished steps.
func (s *Simulation) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// beginStep advances the age, runs the callback and loads the trigger
// queue. Callers hold s.mu.
func (s *Simulation) beginStep(ctx context.Context) error {
	if len(s.pending) > 0 {
		return errors.New("simulation: previous step not finished")
	}
	age := s.env.Age() + 1
	s.env.SetAge(age)
	s.started = time.Now()
	log.Printf("simulation %s: step %d", s.name, age)
	if s.opts.Callback != nil {
		s.opts.Callback(age)
	}
	addrs, err := s.env.GetAgents(ctx)
	if err != nil {
		return fmt.Errorf("simulation: list agents: %w", err)
	}
	core.SortAddrs(addrs)
	if s.opts.Order == Random {
		rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	}
	s.pending = addrs
	return nil
}

// finishStep records timing. Callers hold s.mu.
func (s *Simulation) finishStep() {
	elapsed := time.Since(s.started)
	s.stats.Steps++
	s.stats.Total += elapsed
	s.stats.LastStep = elapsed
}

// Step triggers every agent once, one at a time, in the configured order.
// The first trigger failure aborts the step and leaves the remaining
// agents untriggered.
func (s *Simulation) Step(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginStep(ctx); err != nil {
		return err
	}
	for len(s.pending) > 0 {
		addr := s.pending[0]
		s.pending = s.pending[1:]
		start := time.Now()
		if err := s.env.TriggerAct(ctx, addr); err != nil {
			s.pending = nil
			s.finishStep()
			return fmt.Errorf("simulation: trigger %s: %w", addr, err)
		}
		s.stats.AgentTime += time.Since(start)
	}
	s.finishStep()
	return nil
}

// Next triggers the single next untriggered agent of the current step,
// starting a new step if none is in progress. It reports whether the step
// finished with this trigger. Interleaving Next with manual inspection is
// the slow-motion variant of Step.
func (s *Simulation) Next(ctx context.Context) (stepDone bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		if err := s.beginStep(ctx); err != nil {
			return false, err
		}
		if len(s.pending) == 0 {
			s.finishStep()
			return true, nil
		}
	}
	addr := s.pending[0]
	s.pending = s.pending[1:]
	start := time.Now()
	if err := s.env.TriggerAct(ctx, addr); err != nil {
		s.pending = nil
		s.finishStep()
		return true, fmt.Errorf("simulation: trigger %s: %w", addr, err)
	}
	s.stats.AgentTime += time.Since(start)
	if len(s.pending) == 0 {
		s.finishStep()
		return true, nil
	}
	return false, nil
}

// Steps runs n sequential steps.
func (s *Simulation) Steps(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := s.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AsyncStep triggers every agent concurrently and waits for all of them.
func (s *Simulation) AsyncStep(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginStep(ctx); err != nil {
		return err
	}
	s.pending = nil
	err := s.env.TriggerAll(ctx)
	s.finishStep()
	if err != nil {
		return fmt.Errorf("simulation: trigger all: %w", err)
	}
	return nil
}

// AsyncSteps runs n concurrent steps.
func (s *Simulation) AsyncSteps(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := s.AsyncStep(ctx); err != nil {
			return err
		}
	}
	return nil
}

// End destroys the wrapped environment and logs the timing summary.
func (s *Simulation) End() error {
	s.mu.Lock()
	stats := s.stats
	folder := s.opts.LogFolder
	s.mu.Unlock()
	if stats.Steps > 0 {
		log.Printf("simulation %s: %d steps in %s (avg %s)",
			s.name, stats.Steps, stats.Total, stats.Total/time.Duration(stats.Steps))
	}
	return s.env.Destroy(folder)
}

// Create builds a single-process environment on host:port, spawns n agents
// of the registered type, optionally connects each to conns random peers and
// wraps the result in a simulation. It is the short road from nothing to a
// runnable simulation.
func Create(host string, port int, agentType string, n int, params []byte, conns int, envOpts *core.Options, opts *Options) (*Simulation, error) {
	env, err := core.NewEnvironment(host, port, envOpts)
	if err != nil {
		return nil, err
	}
	if _, err := env.SpawnN(agentType, n, params); err != nil {
		env.Destroy("")
		return nil, err
	}
	if conns > 0 {
		if err := env.CreateRandomConnections(conns); err != nil {
			env.Destroy("")
			return nil, err
		}
	}
	return New(env, opts), nil
}
