// Package consensus implements the Raft role state machine (component C4's
// core logic): term/vote/role bookkeeping and the pure receiver/reply
// algorithms in append_entries.go, request_vote.go and
// append_entries_reply.go. It performs no I/O and starts no goroutines —
// node wraps this in a select loop that owns timers and transport.
package consensus

import (
	"fmt"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/config"
	"github.com/corelattice/raftcore/consensus/candidate"
	"github.com/corelattice/raftcore/consensus/leader"
)

// Module holds one node's Raft role state and drives every state
// transition in the role state machine (spec section 5, role transitions
// table). All methods assume the caller serializes access; node provides
// that serialization via its single-goroutine select loop.
type Module struct {
	log             raftcore.Log
	persistentState raftcore.PersistentState
	clusterInfo     *config.ClusterInfo

	role          raftcore.ServerState
	currentLeader raftcore.ServerId

	candidateState *candidate.VolatileState
	leaderState    *leader.VolatileState
}

// New creates a Module starting as Follower with no known leader, as every
// node does on startup (spec section 5: "All nodes start as Follower").
func New(log raftcore.Log, ps raftcore.PersistentState, ci *config.ClusterInfo) *Module {
	return &Module{
		log:             log,
		persistentState: ps,
		clusterInfo:     ci,
		role:            raftcore.Follower,
	}
}

func (m *Module) GetServerState() raftcore.ServerState { return m.role }
func (m *Module) GetCurrentTerm() raftcore.Term         { return m.persistentState.GetCurrentTerm() }
func (m *Module) GetCurrentLeader() raftcore.ServerId   { return m.currentLeader }
func (m *Module) GetCommitIndex() raftcore.LogIndex     { return m.log.GetCommitIndex() }

// becomeFollower reverts to Follower at the given term, clearing any
// leader/candidate volatile state. leaderHint, if non-empty, is recorded as
// the currently known leader (e.g. on receiving AppendEntries).
func (m *Module) becomeFollower(term raftcore.Term, leaderHint raftcore.ServerId) error {
	if term > m.persistentState.GetCurrentTerm() {
		if err := m.persistentState.SetCurrentTerm(term); err != nil {
			return err
		}
	}
	m.role = raftcore.Follower
	m.candidateState = nil
	m.leaderState = nil
	if leaderHint != "" {
		m.currentLeader = leaderHint
	}
	return nil
}

// StartElection transitions Follower/Candidate -> Candidate, bumps the
// term, votes for self, and returns the VoteRequest to broadcast to every
// peer (spec section 5: "Election timeout fires with no leader contact").
func (m *Module) StartElection() (raftcore.VoteRequest, error) {
	newTerm := m.persistentState.GetCurrentTerm() + 1
	if err := m.persistentState.SetCurrentTerm(newTerm); err != nil {
		return raftcore.VoteRequest{}, err
	}
	if err := m.persistentState.SetVotedFor(m.clusterInfo.GetThisServerId()); err != nil {
		return raftcore.VoteRequest{}, err
	}
	m.role = raftcore.Candidate
	m.currentLeader = ""
	m.candidateState = candidate.New(m.clusterInfo)
	m.leaderState = nil

	return raftcore.VoteRequest{
		Term:         newTerm,
		CandidateId:  m.clusterInfo.GetThisServerId(),
		LastLogIndex: m.log.GetIndexOfLastEntry(),
		LastLogTerm:  m.log.GetTermOfLastEntry(),
	}, nil
}

// ProcessVoteReply records a VoteResponse from a campaign peer. becameLeader
// is true exactly once, on the reply that first reaches quorum.
func (m *Module) ProcessVoteReply(peer raftcore.ServerId, resp raftcore.VoteResponse) (becameLeader bool, err error) {
	if resp.Term > m.persistentState.GetCurrentTerm() {
		return false, m.becomeFollower(resp.Term, "")
	}
	if m.role != raftcore.Candidate || m.candidateState == nil {
		return false, nil // stale reply after role change
	}
	if resp.Term < m.persistentState.GetCurrentTerm() || !resp.VoteGranted {
		return false, nil
	}
	quorum, err := m.candidateState.AddVoteFrom(peer)
	if err != nil {
		return false, err
	}
	if !quorum {
		return false, nil
	}
	m.role = raftcore.Leader
	m.currentLeader = m.clusterInfo.GetThisServerId()
	m.leaderState = leader.New(m.clusterInfo.PeerServerIds(), m.log.GetIndexOfLastEntry())
	return true, nil
}

// ProcessAppendEntries runs the AppendEntries receiver algorithm and
// applies any resulting role/term transition.
func (m *Module) ProcessAppendEntries(req raftcore.AppendEntriesRequest) (raftcore.AppendEntriesResponse, error) {
	currentTerm := m.persistentState.GetCurrentTerm()
	result := HandleAppendEntries(m.log, currentTerm, req)
	if result.TermUpdated || (req.Term >= currentTerm && m.role != raftcore.Follower) {
		if err := m.becomeFollower(req.Term, req.LeaderId); err != nil {
			return raftcore.AppendEntriesResponse{}, err
		}
	} else if req.Term >= currentTerm {
		m.currentLeader = req.LeaderId
	}
	return result.Response, nil
}

// ProcessRequestVote runs the RequestVote receiver algorithm and applies
// any resulting term transition and vote persistence.
func (m *Module) ProcessRequestVote(req raftcore.VoteRequest) (raftcore.VoteResponse, error) {
	currentTerm := m.persistentState.GetCurrentTerm()
	votedFor := m.persistentState.GetVotedFor()
	result := HandleRequestVote(m.log, currentTerm, votedFor, req)

	if result.TermUpdated {
		if err := m.becomeFollower(req.Term, ""); err != nil {
			return raftcore.VoteResponse{}, err
		}
	}
	if result.VoteGranted && !req.PreVote {
		if err := m.persistentState.SetVotedFor(req.CandidateId); err != nil {
			return raftcore.VoteResponse{}, err
		}
	}
	return result.Response, nil
}

// ProcessAppendEntriesReply updates leader-side replication state from one
// peer's response. If the reply reveals a higher term, the module steps
// down to Follower. committed, if true, means newCommitIndex should be
// applied to the log by the caller (node owns driving the log/state
// machine from there).
func (m *Module) ProcessAppendEntriesReply(
	peer raftcore.ServerId,
	req raftcore.AppendEntriesRequest,
	resp raftcore.AppendEntriesResponse,
) (committed bool, newCommitIndex raftcore.LogIndex, err error) {
	if m.role != raftcore.Leader || m.leaderState == nil {
		return false, 0, nil
	}
	result := HandleAppendEntriesReply(
		m.leaderState,
		m.persistentState.GetCurrentTerm(),
		m.log.GetCommitIndex(),
		m.log.GetIndexOfLastEntry(),
		m.clusterInfo.QuorumSizeForCluster(),
		m.log.GetTermAtIndex,
		peer, req, resp,
	)
	if result.TermUpdated {
		return false, 0, m.becomeFollower(result.NewTerm, "")
	}
	if result.CommitAdvanced {
		m.log.SetCommitIndex(result.NewCommitIndex)
		return true, result.NewCommitIndex, nil
	}
	return false, 0, nil
}

// PeerReplicationState returns the leader's view of one peer's replication
// progress, or nil if this module is not the leader or peer is unknown.
func (m *Module) PeerReplicationState(peer raftcore.ServerId) *leader.PeerState {
	if m.role != raftcore.Leader || m.leaderState == nil {
		return nil
	}
	return m.leaderState.Get(peer)
}

func (m *Module) String() string {
	return fmt.Sprintf("consensus.Module{role=%s term=%d leader=%s}", m.role, m.persistentState.GetCurrentTerm(), m.currentLeader)
}
