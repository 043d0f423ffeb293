package multienv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/manager"
	"github.com/atelierlabs/atelier/rpc"
)

var workerActs atomic.Int64

type workerAgent struct {
	*core.BaseAgent
}

func (a *workerAgent) Act(ctx context.Context) error {
	workerActs.Add(1)
	return nil
}

func init() {
	core.RegisterAgentType("multienv:worker", func(env *core.Environment, params json.RawMessage) (core.Agent, error) {
		return &workerAgent{BaseAgent: core.NewBaseAgent("", 0)}, nil
	})
}

// newCluster builds a master with two in-process slave environments, the
// same wiring slave processes would have.
func newCluster(t *testing.T) (*MultiEnvironment, []*manager.EnvManager) {
	t.Helper()
	master, err := New("localhost", 0, &Options{Name: "cluster", Manager: true})
	if err != nil {
		t.Fatalf("create master: %v", err)
	}
	t.Cleanup(func() { master.Destroy("") })

	var mgrs []*manager.EnvManager
	for i := 0; i < 2; i++ {
		env, err := core.NewEnvironment("localhost", 0, nil)
		if err != nil {
			t.Fatalf("create slave: %v", err)
		}
		t.Cleanup(func() { env.Destroy("") })
		mgr, err := manager.NewEnvManager(env)
		if err != nil {
			t.Fatalf("attach slave manager: %v", err)
		}
		mgrs = append(mgrs, mgr)
		if err := master.AddSlaves(mgr.Addr().String()); err != nil {
			t.Fatalf("add slave: %v", err)
		}
	}
	return master, mgrs
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWaitSlaves(t *testing.T) {
	master, _ := newCluster(t)
	if !master.WaitSlaves(testCtx(t), 5*time.Second, true) {
		t.Fatal("slaves did not become ready")
	}
	if !master.IsReady(testCtx(t)) {
		t.Error("cluster not ready")
	}
}

func TestAddSlavesRejectsBadAddress(t *testing.T) {
	master, _ := newCluster(t)
	if err := master.AddSlaves("not-an-address"); err == nil {
		t.Error("bad slave address accepted")
	}
}

func TestSpawnBalancesAcrossSlaves(t *testing.T) {
	master, _ := newCluster(t)
	ctx := testCtx(t)

	// With empty manager addresses, consecutive spawns land on the slave
	// with the fewest agents, alternating between the two empty slaves.
	first, err := master.Spawn(ctx, "multienv:worker", nil, "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	second, err := master.Spawn(ctx, "multienv:worker", nil, "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	a1, _ := core.ParseAddress(first)
	a2, _ := core.ParseAddress(second)
	if a1.Port == a2.Port {
		t.Errorf("both agents on port %d, want distribution", a1.Port)
	}

	agents, err := master.GetAgents(ctx)
	if err != nil {
		t.Fatalf("get agents: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("GetAgents = %v", agents)
	}
}

func TestSpawnNOnNamedSlave(t *testing.T) {
	master, mgrs := newCluster(t)
	ctx := testCtx(t)

	target := mgrs[0].Addr().String()
	addrs, err := master.SpawnN(ctx, "multienv:worker", 3, nil, target)
	if err != nil {
		t.Fatalf("spawn_n: %v", err)
	}
	if len(addrs) != 3 {
		t.Fatalf("spawned %v", addrs)
	}
	targetPort := mgrs[0].Addr().Port
	for _, addr := range addrs {
		a, err := core.ParseAddress(addr)
		if err != nil {
			t.Fatalf("bad address %q: %v", addr, err)
		}
		if a.Port != targetPort {
			t.Errorf("agent %s not on requested slave", addr)
		}
	}
}

func TestTriggerAllFansOut(t *testing.T) {
	master, mgrs := newCluster(t)
	ctx := testCtx(t)
	for _, mgr := range mgrs {
		if _, err := master.SpawnN(ctx, "multienv:worker", 2, nil, mgr.Addr().String()); err != nil {
			t.Fatalf("spawn_n: %v", err)
		}
	}

	before := workerActs.Load()
	if err := master.TriggerAll(ctx); err != nil {
		t.Fatalf("trigger all: %v", err)
	}
	if got := workerActs.Load() - before; got != 4 {
		t.Errorf("acts = %d, want 4", got)
	}
}

func TestConnectionsAcrossSlaves(t *testing.T) {
	master, _ := newCluster(t)
	ctx := testCtx(t)
	agents, err := master.SpawnN(ctx, "multienv:worker", 2, nil, "")
	if err != nil {
		t.Fatalf("spawn_n: %v", err)
	}

	cm := core.ConnectionMap{
		agents[0]: {{Addr: agents[1]}},
		agents[1]: {{Addr: agents[0]}},
	}
	if err := master.CreateConnections(ctx, cm); err != nil {
		t.Fatalf("create connections: %v", err)
	}
	conns, err := master.GetConnections(ctx, false)
	if err != nil {
		t.Fatalf("get connections: %v", err)
	}
	if len(conns[agents[0]]) != 1 || conns[agents[0]][0].Addr != agents[1] {
		t.Errorf("connections = %v", conns)
	}
}

func TestHostManagers(t *testing.T) {
	master, mgrs := newCluster(t)
	ctx := testCtx(t)

	if err := master.SetHostManagers(ctx); err != nil {
		t.Fatalf("set host managers: %v", err)
	}
	want := master.Manager().Addr().String()
	for _, mgr := range mgrs {
		if got := mgr.HostManager(); got != want {
			t.Errorf("slave host manager = %q, want %q", got, want)
		}
	}
}

func TestGatherAndClearCandidates(t *testing.T) {
	master, mgrs := newCluster(t)
	ctx := testCtx(t)

	art, err := core.NewArtifact("someone", nil)
	if err != nil {
		t.Fatalf("new artifact: %v", err)
	}
	mgrs[0].Env().AddCandidate(art)

	cands, err := master.GatherCandidates(ctx)
	if err != nil {
		t.Fatalf("gather candidates: %v", err)
	}
	if len(cands) != 1 || cands[0].Creator != "someone" {
		t.Errorf("candidates = %v", cands)
	}

	if err := master.ClearCandidates(ctx); err != nil {
		t.Fatalf("clear candidates: %v", err)
	}
	cands, err = master.GatherCandidates(ctx)
	if err != nil {
		t.Fatalf("gather after clear: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("candidates after clear = %v", cands)
	}
}

func TestMultiEnvArtifacts(t *testing.T) {
	master, _ := newCluster(t)
	master.SetAge(3)

	art, err := core.NewArtifact("creator-x", nil)
	if err != nil {
		t.Fatalf("new artifact: %v", err)
	}
	master.AddArtifact(art)
	if art.EnvTime != 3 {
		t.Errorf("EnvTime = %d, want 3", art.EnvTime)
	}
	if got := master.Artifacts(); len(got) != 1 {
		t.Errorf("Artifacts = %v", got)
	}
	if got := master.ArtifactsBy("creator-x"); len(got) != 1 {
		t.Errorf("ArtifactsBy = %v", got)
	}
}

func TestDestroyStopsSlaves(t *testing.T) {
	master, mgrs := newCluster(t)
	if err := master.Destroy(""); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	for i, mgr := range mgrs {
		select {
		case <-mgr.Stopped():
		case <-time.After(2 * time.Second):
			t.Errorf("slave %d not stopped", i)
		}
	}
}

func TestWaitSlavesTimesOutOnUnreachableSlave(t *testing.T) {
	master, err := New("localhost", 0, &Options{Name: "lonely", Manager: true})
	if err != nil {
		t.Fatalf("create master: %v", err)
	}
	t.Cleanup(func() { master.Destroy("") })

	// Nothing listens on port 1, so every poll fails to connect.
	if err := master.AddSlaves("tcp://localhost:1/0"); err != nil {
		t.Fatalf("add slave: %v", err)
	}
	start := time.Now()
	if master.WaitSlaves(testCtx(t), 500*time.Millisecond, true) {
		t.Fatal("unreachable slave reported ready")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("wait returned after %v, want prompt timeout", elapsed)
	}
}

func TestWaitSlavesChecksReadiness(t *testing.T) {
	// A manager that answers but reports unready counts without checkReady
	// and times out with it.
	srv, err := rpc.NewServer("localhost", 0)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	srv.RegisterSlot(0, rpc.HandlerTable{
		"is_ready": func(ctx context.Context, args json.RawMessage) (any, error) {
			return false, nil
		},
	})

	master, err := New("localhost", 0, &Options{Name: "waiting", Manager: true})
	if err != nil {
		t.Fatalf("create master: %v", err)
	}
	t.Cleanup(func() { master.Destroy("") })
	if err := master.AddSlaves(fmt.Sprintf("tcp://localhost:%d/0", srv.Port())); err != nil {
		t.Fatalf("add slave: %v", err)
	}

	if !master.WaitSlaves(testCtx(t), 2*time.Second, false) {
		t.Error("answering slave not counted when readiness is not checked")
	}
	if master.WaitSlaves(testCtx(t), 500*time.Millisecond, true) {
		t.Error("unready slave reported ready")
	}
}
