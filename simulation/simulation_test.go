package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/atelierlabs/atelier/core"
)

// fakeEnv records trigger calls so tests can assert ordering.
type fakeEnv struct {
	mu        sync.Mutex
	age       int64
	agents    []string
	triggered []string
	allCalls  int
	destroyed bool
	actErr    error
}

func (f *fakeEnv) Name() string     { return "fake" }
func (f *fakeEnv) Age() int64       { return f.age }
func (f *fakeEnv) SetAge(age int64) { f.age = age }
func (f *fakeEnv) GetAgents(ctx context.Context) ([]string, error) {
	return append([]string(nil), f.agents...), nil
}

func (f *fakeEnv) TriggerAct(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actErr != nil {
		return f.actErr
	}
	f.triggered = append(f.triggered, addr)
	return nil
}

func (f *fakeEnv) TriggerAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allCalls++
	return f.actErr
}

func (f *fakeEnv) Destroy(folder string) error {
	f.destroyed = true
	return nil
}

// Addresses deliberately out of order; a sequential step must sort them.
var unordered = []string{
	"tcp://h:2/1",
	"tcp://h:1/2",
	"tcp://h:1/1",
}

var ordered = []string{
	"tcp://h:1/1",
	"tcp://h:1/2",
	"tcp://h:2/1",
}

func TestStepAlphabeticalOrder(t *testing.T) {
	env := &fakeEnv{agents: unordered}
	sim := New(env, nil)

	if err := sim.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if env.age != 1 {
		t.Errorf("age = %d, want 1", env.age)
	}
	if !reflect.DeepEqual(env.triggered, ordered) {
		t.Errorf("trigger order = %v, want %v", env.triggered, ordered)
	}
	stats := sim.Stats()
	if stats.Steps != 1 {
		t.Errorf("Steps = %d", stats.Steps)
	}
}

func TestStepsAdvanceAge(t *testing.T) {
	env := &fakeEnv{agents: ordered}
	sim := New(env, nil)
	if err := sim.Steps(context.Background(), 3); err != nil {
		t.Fatalf("steps: %v", err)
	}
	if env.age != 3 {
		t.Errorf("age = %d, want 3", env.age)
	}
	if len(env.triggered) != 9 {
		t.Errorf("triggered %d agents, want 9", len(env.triggered))
	}
}

func TestStepResumesExistingAge(t *testing.T) {
	env := &fakeEnv{agents: ordered}
	env.SetAge(10)
	sim := New(env, nil)
	if err := sim.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if env.age != 11 {
		t.Errorf("age = %d, want 11", env.age)
	}
}

func TestStepCallback(t *testing.T) {
	env := &fakeEnv{agents: ordered}
	var ages []int64
	sim := New(env, &Options{Callback: func(age int64) { ages = append(ages, age) }})
	if err := sim.Steps(context.Background(), 2); err != nil {
		t.Fatalf("steps: %v", err)
	}
	if !reflect.DeepEqual(ages, []int64{1, 2}) {
		t.Errorf("callback ages = %v", ages)
	}
}

func TestStepTriggerFailureAborts(t *testing.T) {
	env := &fakeEnv{agents: ordered, actErr: errors.New("agent down")}
	sim := New(env, nil)
	if err := sim.Step(context.Background()); err == nil {
		t.Fatal("step with failing agent succeeded")
	}
	// The failed step still finished; the next one starts cleanly.
	env.actErr = nil
	if err := sim.Step(context.Background()); err != nil {
		t.Fatalf("step after failure: %v", err)
	}
	if env.age != 2 {
		t.Errorf("age = %d, want 2", env.age)
	}
}

func TestNext(t *testing.T) {
	env := &fakeEnv{agents: ordered}
	sim := New(env, nil)
	ctx := context.Background()

	for i := 0; i < len(ordered); i++ {
		done, err := sim.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		wantDone := i == len(ordered)-1
		if done != wantDone {
			t.Errorf("next %d: done = %v, want %v", i, done, wantDone)
		}
	}
	if !reflect.DeepEqual(env.triggered, ordered) {
		t.Errorf("trigger order = %v", env.triggered)
	}
	if env.age != 1 {
		t.Errorf("age = %d, want 1", env.age)
	}
	if sim.Stats().Steps != 1 {
		t.Errorf("Steps = %d", sim.Stats().Steps)
	}
}

func TestStepRejectedMidStep(t *testing.T) {
	env := &fakeEnv{agents: ordered}
	sim := New(env, nil)
	if _, err := sim.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := sim.Step(context.Background()); err == nil {
		t.Error("step during unfinished step succeeded")
	}
}

func TestAsyncSteps(t *testing.T) {
	env := &fakeEnv{agents: ordered}
	sim := New(env, nil)
	if err := sim.AsyncSteps(context.Background(), 2); err != nil {
		t.Fatalf("async steps: %v", err)
	}
	if env.allCalls != 2 {
		t.Errorf("TriggerAll calls = %d, want 2", env.allCalls)
	}
	if env.age != 2 {
		t.Errorf("age = %d, want 2", env.age)
	}
	if len(env.triggered) != 0 {
		t.Errorf("async step triggered individually: %v", env.triggered)
	}
}

func TestRandomOrderTriggersEveryone(t *testing.T) {
	env := &fakeEnv{agents: ordered}
	sim := New(env, &Options{Order: Random})
	if err := sim.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(env.triggered) != len(ordered) {
		t.Fatalf("triggered = %v", env.triggered)
	}
	seen := make(map[string]bool)
	for _, a := range env.triggered {
		seen[a] = true
	}
	for _, a := range ordered {
		if !seen[a] {
			t.Errorf("agent %s never triggered", a)
		}
	}
}

func TestEndDestroysEnvironment(t *testing.T) {
	env := &fakeEnv{agents: ordered}
	sim := New(env, nil)
	if err := sim.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := sim.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !env.destroyed {
		t.Error("environment not destroyed")
	}
}

type idleAgent struct{ *core.BaseAgent }

func init() {
	core.RegisterAgentType("simulation:idle", func(env *core.Environment, params json.RawMessage) (core.Agent, error) {
		return &idleAgent{core.NewBaseAgent("", 0)}, nil
	})
}

func TestCreateSpawnsAndConnects(t *testing.T) {
	sim, err := Create("localhost", 0, "simulation:idle", 3, nil, 2, &core.Options{Name: "create-env"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sim.End()

	addrs, err := sim.env.GetAgents(context.Background())
	if err != nil {
		t.Fatalf("get agents: %v", err)
	}
	if len(addrs) != 3 {
		t.Fatalf("agents = %v", addrs)
	}
	if err := sim.Steps(context.Background(), 2); err != nil {
		t.Fatalf("steps: %v", err)
	}
	if got := sim.env.Age(); got != 2 {
		t.Fatalf("age = %d", got)
	}
}
