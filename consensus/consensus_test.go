package consensus

import (
	"testing"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/config"
	"github.com/corelattice/raftcore/inmemlog"
)

type memPersistentState struct {
	term     raftcore.Term
	votedFor raftcore.ServerId
}

func (m *memPersistentState) GetCurrentTerm() raftcore.Term       { return m.term }
func (m *memPersistentState) GetVotedFor() raftcore.ServerId      { return m.votedFor }
func (m *memPersistentState) SetCurrentTerm(newTerm raftcore.Term) error {
	if newTerm < m.term {
		return &raftcore.StaleTermError{CurrentTerm: m.term, MessageTerm: newTerm}
	}
	if newTerm > m.term {
		m.votedFor = ""
	}
	m.term = newTerm
	return nil
}
func (m *memPersistentState) SetVotedFor(candidate raftcore.ServerId) error {
	m.votedFor = candidate
	return nil
}

func newTestModule(t *testing.T, thisServer raftcore.ServerId) *Module {
	m, _ := newTestModuleWithLog(t, thisServer)
	return m
}

func newTestModuleWithLog(t *testing.T, thisServer raftcore.ServerId) (*Module, *inmemlog.Log) {
	t.Helper()
	ci, err := config.NewClusterInfo([]raftcore.ServerId{"a", "b", "c"}, thisServer)
	if err != nil {
		t.Fatal(err)
	}
	log := inmemlog.New()
	return New(log, &memPersistentState{}, ci), log
}

// TestModule_ThreeNodeElection reproduces spec scenario 1: A's election
// timer fires first, it becomes Candidate at term 1, B and C grant votes,
// A becomes Leader.
func TestModule_ThreeNodeElection(t *testing.T) {
	a := newTestModule(t, "a")

	voteReq, err := a.StartElection()
	if err != nil {
		t.Fatal(err)
	}
	if a.GetServerState() != raftcore.Candidate {
		t.Fatalf("GetServerState() = %v, want Candidate", a.GetServerState())
	}
	if voteReq.Term != 1 {
		t.Fatalf("voteReq.Term = %v, want 1", voteReq.Term)
	}

	becameLeader, err := a.ProcessVoteReply("b", raftcore.VoteResponse{Term: 1, VoteGranted: true})
	if err != nil {
		t.Fatal(err)
	}
	if becameLeader {
		t.Fatal("should not yet have quorum with only one peer vote")
	}

	becameLeader, err = a.ProcessVoteReply("c", raftcore.VoteResponse{Term: 1, VoteGranted: true})
	if err != nil {
		t.Fatal(err)
	}
	if !becameLeader {
		t.Fatal("expected quorum reached and transition to Leader")
	}
	if a.GetServerState() != raftcore.Leader {
		t.Fatalf("GetServerState() = %v, want Leader", a.GetServerState())
	}
	if a.GetCurrentLeader() != "a" {
		t.Fatalf("GetCurrentLeader() = %v, want a", a.GetCurrentLeader())
	}
}

func TestModule_HigherTermVoteReplyStepsDown(t *testing.T) {
	a := newTestModule(t, "a")
	if _, err := a.StartElection(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ProcessVoteReply("b", raftcore.VoteResponse{Term: 5, VoteGranted: false}); err != nil {
		t.Fatal(err)
	}
	if a.GetServerState() != raftcore.Follower {
		t.Fatalf("GetServerState() = %v, want Follower", a.GetServerState())
	}
	if a.GetCurrentTerm() != 5 {
		t.Fatalf("GetCurrentTerm() = %v, want 5", a.GetCurrentTerm())
	}
}

func TestModule_AppendEntriesFromLeaderKeepsFollowerAndRecordsLeader(t *testing.T) {
	b := newTestModule(t, "b")
	resp, err := b.ProcessAppendEntries(raftcore.AppendEntriesRequest{Term: 1, LeaderId: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatal(resp.Reason)
	}
	if b.GetCurrentLeader() != "a" {
		t.Fatalf("GetCurrentLeader() = %v, want a", b.GetCurrentLeader())
	}
	if b.GetServerState() != raftcore.Follower {
		t.Fatalf("GetServerState() = %v, want Follower", b.GetServerState())
	}
}

func TestModule_CandidateStepsDownOnAppendEntriesFromCurrentTermLeader(t *testing.T) {
	a := newTestModule(t, "a")
	if _, err := a.StartElection(); err != nil {
		t.Fatal(err)
	}
	if a.GetServerState() != raftcore.Candidate {
		t.Fatal("expected Candidate")
	}
	resp, err := a.ProcessAppendEntries(raftcore.AppendEntriesRequest{Term: 1, LeaderId: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatal(resp.Reason)
	}
	if a.GetServerState() != raftcore.Follower {
		t.Fatalf("GetServerState() = %v, want Follower", a.GetServerState())
	}
	if a.GetCurrentLeader() != "b" {
		t.Fatalf("GetCurrentLeader() = %v, want b", a.GetCurrentLeader())
	}
}

func TestModule_ReplicationAdvancesCommitIndex(t *testing.T) {
	a, log := newTestModuleWithLog(t, "a")
	if _, err := a.StartElection(); err != nil {
		t.Fatal(err)
	}
	if err := log.Append(raftcore.NewNoopEntry(1, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ProcessVoteReply("b", raftcore.VoteResponse{Term: 1, VoteGranted: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ProcessVoteReply("c", raftcore.VoteResponse{Term: 1, VoteGranted: true}); err != nil {
		t.Fatal(err)
	}

	req := raftcore.AppendEntriesRequest{
		Term: 1, LeaderId: "a", PrevLogIndex: 0, PrevLogTerm: 0,
		Entries: []raftcore.LogEntry{raftcore.NewNoopEntry(1, 1)},
	}
	committed, newCommit, err := a.ProcessAppendEntriesReply("b", req, raftcore.AppendEntriesResponse{Term: 1, Success: true})
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Fatal("one follower ack should not yet reach quorum of 2")
	}

	committed, newCommit, err = a.ProcessAppendEntriesReply("c", req, raftcore.AppendEntriesResponse{Term: 1, Success: true})
	if err != nil {
		t.Fatal(err)
	}
	if !committed || newCommit != 1 {
		t.Fatalf("committed=%v newCommit=%v, want true, 1", committed, newCommit)
	}
	if a.GetCommitIndex() != 1 {
		t.Fatalf("GetCommitIndex() = %v, want 1", a.GetCommitIndex())
	}
}
