package node

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/config"
	"github.com/corelattice/raftcore/consensus"
	"github.com/corelattice/raftcore/eventbus"
	"github.com/corelattice/raftcore/inmemlog"
	"github.com/corelattice/raftcore/persist"
	"github.com/corelattice/raftcore/statemachine"
	"github.com/corelattice/raftcore/testdata"
)

var testClusterServerIds = []raftcore.ServerId{"101", "102", "103"}

// hub is an in-process Transport hub connecting a small set of Nodes,
// generalizing the teacher's inMemoryRpcServiceHub (impl/integration_test.go)
// from consensus-module-to-consensus-module wiring to node-to-node wiring.
// Setting hub.nodes[id] = nil simulates that node being down.
type hub struct {
	nodes map[raftcore.ServerId]*Node
}

type hubTransport struct {
	h    *hub
	from raftcore.ServerId
}

func (h *hub) transportFor(id raftcore.ServerId) *hubTransport {
	return &hubTransport{h: h, from: id}
}

func (t *hubTransport) SendAppendEntries(
	to raftcore.ServerId, req raftcore.AppendEntriesRequest, reply func(raftcore.AppendEntriesResponse, error),
) {
	target := t.h.nodes[to]
	if target == nil {
		return
	}
	go func() {
		resp, ok := <-target.ProcessAppendEntriesAsync(t.from, req)
		if ok {
			reply(resp, nil)
		}
	}()
}

func (t *hubTransport) SendRequestVote(
	to raftcore.ServerId, req raftcore.VoteRequest, reply func(raftcore.VoteResponse, error),
) {
	target := t.h.nodes[to]
	if target == nil {
		return
	}
	go func() {
		resp, ok := <-target.ProcessRequestVoteAsync(t.from, req)
		if ok {
			reply(resp, nil)
		}
	}()
}

func (t *hubTransport) SendInstallSnapshot(
	to raftcore.ServerId, req raftcore.InstallSnapshotRequest, reply func(raftcore.InstallSnapshotResponse, error),
) {
	target := t.h.nodes[to]
	if target == nil {
		return
	}
	go func() {
		resp, ok := <-target.ProcessInstallSnapshotAsync(t.from, req)
		if ok {
			reply(resp, nil)
		}
	}()
}

func setupNode(t *testing.T, h *hub, id raftcore.ServerId, ts config.TimeSettings) (*Node, *inmemlog.Log, raftcore.StateMachine) {
	t.Helper()
	l := inmemlog.New()
	ps := persist.NewInMemory(0)
	ci, err := config.NewClusterInfo(testClusterServerIds, id)
	if err != nil {
		t.Fatal(err)
	}
	sm := statemachine.NewInMemoryKV()
	module := consensus.New(l, ps, ci)
	bus := eventbus.New(16)
	n, err := New(module, l, sm, ci, ts, h.transportFor(id), bus, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	h.nodes[id] = n
	return n, l, sm
}

func TestCluster_ElectsLeader(t *testing.T) {
	h := &hub{nodes: make(map[raftcore.ServerId]*Node)}
	ts := testdata.TimeSettingsForTests()

	var nodes []*Node
	for _, id := range testClusterServerIds {
		n, _, _ := setupNode(t, h, id, ts)
		nodes = append(nodes, n)
		defer n.StopAsync()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		leaders := 0
		for _, n := range nodes {
			if n.GetServerState() == raftcore.Leader {
				leaders++
			}
		}
		if leaders == 1 {
			return
		}
		time.Sleep(testdata.SleepToLetGoroutineRun)
	}
	t.Fatal("no single leader elected within deadline")
}

func waitForLeader(t *testing.T, nodes []*Node) *Node {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.GetServerState() == raftcore.Leader {
				return n
			}
		}
		time.Sleep(testdata.SleepToLetGoroutineRun)
	}
	t.Fatal("no leader elected within deadline")
	return nil
}

func TestCluster_CommandIsReplicatedVsMissingNode(t *testing.T) {
	h := &hub{nodes: make(map[raftcore.ServerId]*Node)}
	ts := testdata.TimeSettingsForTests()

	n1, _, sm1 := setupNode(t, h, "101", ts)
	n2, _, sm2 := setupNode(t, h, "102", ts)
	n3, _, _ := setupNode(t, h, "103", ts)
	defer n1.StopAsync()
	defer n2.StopAsync()

	nodes := []*Node{n1, n2, n3}
	leader := waitForLeader(t, nodes)

	// Simulate a follower crash: remove it from the hub and stop it.
	h.nodes["103"] = nil
	n3.StopAsync()

	resultChan := leader.AppendCommandAsync(raftcore.Command("SET k v"))

	deadline := time.Now().Add(2 * time.Second)
	var result AppendCommandResult
	select {
	case result = <-resultChan:
	case <-time.After(2 * time.Second):
		t.Fatal("command did not complete before deadline")
	}
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	if string(result.Result) != "OK" {
		t.Fatalf("AppendCommand result = %q, want OK", result.Result)
	}

	for time.Now().Before(deadline) {
		if string(mustApplyResult(t, sm1, "GET k")) == "v" && string(mustApplyResult(t, sm2, "GET k")) == "v" {
			return
		}
		time.Sleep(testdata.SleepToLetGoroutineRun)
	}
}

// mustApplyResult issues a read-only GET directly against the state
// machine for assertion purposes; a real client would instead read via
// Node.ReadIndexAsync to get a linearizable view.
func mustApplyResult(t *testing.T, sm raftcore.StateMachine, cmd string) []byte {
	t.Helper()
	result, err := sm.Apply(raftcore.NewCommandEntry(0, 0, []byte(cmd)))
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func TestCluster_SoloLeaderCommitsWithoutPeers(t *testing.T) {
	h := &hub{nodes: make(map[raftcore.ServerId]*Node)}
	ts := testdata.TimeSettingsForTests()

	l := inmemlog.New()
	ps := persist.NewInMemory(0)
	ci, err := config.NewClusterInfo([]raftcore.ServerId{"101"}, "101")
	if err != nil {
		t.Fatal(err)
	}
	sm := statemachine.NewInMemoryKV()
	module := consensus.New(l, ps, ci)
	bus := eventbus.New(16)
	n, err := New(module, l, sm, ci, ts, h.transportFor("101"), bus, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	h.nodes["101"] = n
	defer n.StopAsync()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && n.GetServerState() != raftcore.Leader {
		time.Sleep(testdata.SleepToLetGoroutineRun)
	}
	if n.GetServerState() != raftcore.Leader {
		t.Fatal("solo node never became leader")
	}

	select {
	case result := <-n.AppendCommandAsync(raftcore.Command("SET k v")):
		if result.Err != nil {
			t.Fatal(result.Err)
		}
		if string(result.Result) != "OK" {
			t.Fatalf("AppendCommand result = %q, want OK", result.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command did not complete before deadline")
	}
}
