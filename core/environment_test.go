package core

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
)

// testAgent counts its acts and scores every artifact with a fixed value.
type testAgent struct {
	*BaseAgent
	acts   atomic.Int64
	score  float64
	closed atomic.Bool
}

func newTestAgent(score float64) *testAgent {
	return &testAgent{BaseAgent: NewBaseAgent("", 0), score: score}
}

func (a *testAgent) Act(ctx context.Context) error {
	a.acts.Add(1)
	return nil
}

func (a *testAgent) Evaluate(art *Artifact) (float64, json.RawMessage) {
	return a.score, nil
}

func (a *testAgent) Close(folder string) error {
	a.closed.Store(true)
	return nil
}

func init() {
	RegisterAgentType("core:test", func(env *Environment, params json.RawMessage) (Agent, error) {
		return newTestAgent(0.5), nil
	})
}

func newTestEnv(t *testing.T) *Environment {
	t.Helper()
	env, err := NewEnvironment("localhost", 0, &Options{Name: "test-env"})
	if err != nil {
		t.Fatalf("create environment: %v", err)
	}
	t.Cleanup(func() { env.Destroy("") })
	return env
}

func TestEnvironmentSpawn(t *testing.T) {
	env := newTestEnv(t)

	addrs, err := env.SpawnN("core:test", 3, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(addrs) != 3 {
		t.Fatalf("got %d addresses", len(addrs))
	}
	for i, addr := range addrs {
		a, err := ParseAddress(addr)
		if err != nil {
			t.Fatalf("bad spawned address %q: %v", addr, err)
		}
		if a.Port != env.Port() {
			t.Errorf("agent %d port = %d, env port = %d", i, a.Port, env.Port())
		}
	}
	if got := len(env.Agents()); got != 3 {
		t.Errorf("Agents() = %d", got)
	}
	if got := env.AgentAddrs(); len(got) != 3 || got[0] != addrs[0] {
		t.Errorf("AgentAddrs() = %v", got)
	}

	if _, _, err := env.Spawn("core:nosuch", nil); err == nil {
		t.Error("expected error for unregistered type")
	}
}

func TestEnvironmentTriggerAll(t *testing.T) {
	env := newTestEnv(t)
	a1 := newTestAgent(0.1)
	a2 := newTestAgent(0.2)
	for _, a := range []*testAgent{a1, a2} {
		if _, err := env.AddAgent(a); err != nil {
			t.Fatalf("add agent: %v", err)
		}
	}

	if err := env.TriggerAll(context.Background()); err != nil {
		t.Fatalf("trigger all: %v", err)
	}
	if a1.acts.Load() != 1 || a2.acts.Load() != 1 {
		t.Errorf("acts = %d, %d", a1.acts.Load(), a2.acts.Load())
	}
}

func TestEnvironmentTriggerActOverRPC(t *testing.T) {
	env := newTestEnv(t)
	a := newTestAgent(0.1)
	addr, err := env.AddAgent(a)
	if err != nil {
		t.Fatalf("add agent: %v", err)
	}

	if err := env.TriggerAct(context.Background(), addr.String()); err != nil {
		t.Fatalf("trigger act: %v", err)
	}
	if a.acts.Load() != 1 {
		t.Errorf("acts = %d", a.acts.Load())
	}
}

func TestEnvironmentAskEvaluation(t *testing.T) {
	env := newTestEnv(t)
	a := newTestAgent(0.75)
	addr, err := env.AddAgent(a)
	if err != nil {
		t.Fatalf("add agent: %v", err)
	}

	art, err := NewArtifact("someone", map[string]int{"v": 1})
	if err != nil {
		t.Fatalf("new artifact: %v", err)
	}
	score, err := env.AskEvaluation(context.Background(), addr.String(), art)
	if err != nil {
		t.Fatalf("ask evaluation: %v", err)
	}
	if score != 0.75 {
		t.Errorf("score = %v", score)
	}
}

func TestEnvironmentConnections(t *testing.T) {
	env := newTestEnv(t)
	addrs, err := env.SpawnN("core:test", 4, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := env.CreateRandomConnections(2); err != nil {
		t.Fatalf("random connections: %v", err)
	}
	conns := env.GetConnections(false)
	for addr, cs := range conns {
		if len(cs) != 2 {
			t.Errorf("agent %s has %d connections, want 2", addr, len(cs))
		}
		for _, c := range cs {
			if c.Addr == addr {
				t.Errorf("agent %s connected to itself", addr)
			}
		}
	}

	// Requesting more peers than exist caps at n-1.
	env2 := newTestEnv(t)
	if _, err := env2.SpawnN("core:test", 2, nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := env2.CreateRandomConnections(5); err != nil {
		t.Fatalf("random connections: %v", err)
	}
	for addr, cs := range env2.GetConnections(false) {
		if len(cs) != 1 {
			t.Errorf("agent %s has %d connections, want 1", addr, len(cs))
		}
	}

	cm := ConnectionMap{
		addrs[0]:              {{Addr: addrs[1], Data: json.RawMessage(`{"w":1}`)}},
		"tcp://elsewhere:1/1": {{Addr: addrs[0]}},
	}
	if applied := env.CreateConnections(cm); applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	withData := env.GetConnections(true)
	found := false
	for _, c := range withData[addrs[0]] {
		if c.Addr == addrs[1] && string(c.Data) == `{"w":1}` {
			found = true
		}
	}
	if !found {
		t.Errorf("connection with data not applied: %v", withData[addrs[0]])
	}
}

func TestEnvironmentArtifactsAndCandidates(t *testing.T) {
	env := newTestEnv(t)
	env.SetAge(7)

	art, err := NewArtifact("creator-a", nil)
	if err != nil {
		t.Fatalf("new artifact: %v", err)
	}
	env.AddArtifact(art)
	if art.EnvTime != 7 {
		t.Errorf("EnvTime = %d, want 7", art.EnvTime)
	}
	if got := env.Artifacts(); len(got) != 1 || got[0] != art {
		t.Errorf("Artifacts() = %v", got)
	}
	if got := env.ArtifactsBy("creator-a"); len(got) != 1 {
		t.Errorf("ArtifactsBy(creator-a) = %v", got)
	}
	if got := env.ArtifactsBy("creator-b"); len(got) != 0 {
		t.Errorf("ArtifactsBy(creator-b) = %v", got)
	}

	cand, _ := NewArtifact("creator-b", nil)
	env.AddCandidate(cand)
	if got := env.Candidates(); len(got) != 1 {
		t.Errorf("Candidates() = %v", got)
	}
	env.ClearCandidates()
	if got := env.Candidates(); len(got) != 0 {
		t.Errorf("Candidates() after clear = %v", got)
	}
}

func TestEnvironmentDestroy(t *testing.T) {
	env, err := NewEnvironment("localhost", 0, nil)
	if err != nil {
		t.Fatalf("create environment: %v", err)
	}
	a := newTestAgent(0)
	if _, err := env.AddAgent(a); err != nil {
		t.Fatalf("add agent: %v", err)
	}

	if !env.IsReady() {
		t.Error("environment not ready before destroy")
	}
	if err := env.Destroy(""); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !a.closed.Load() {
		t.Error("agent not closed on destroy")
	}
	if env.IsReady() {
		t.Error("environment still ready after destroy")
	}
	// Second destroy is a no-op with the same result.
	if err := env.Destroy(""); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestEnvironmentSaveInfo(t *testing.T) {
	var savedFolder string
	env, err := NewEnvironment("localhost", 0, &Options{
		LogFolder: "fallback",
		SaveInfo: func(folder string) error {
			savedFolder = folder
			return nil
		},
	})
	if err != nil {
		t.Fatalf("create environment: %v", err)
	}
	if err := env.Destroy(""); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if savedFolder != "fallback" {
		t.Errorf("saveInfo folder = %q, want fallback", savedFolder)
	}
}
