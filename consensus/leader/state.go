// Package leader holds the per-peer volatile state a leader tracks for
// replication: next_index and match_index, plus commit-index calculation
// from the replicated match_index set.
package leader

import (
	"sort"

	"github.com/corelattice/raftcore"
)

// PeerState is the leader's view of one follower's replication progress.
type PeerState struct {
	// NextIndex is the index of the next entry to send to this peer.
	NextIndex raftcore.LogIndex
	// MatchIndex is the highest index known to be replicated on this peer.
	MatchIndex raftcore.LogIndex
}

// VolatileState is the leader's replication state across all peers,
// reinitialized on every election win (spec section 5, volatile state).
type VolatileState struct {
	peers map[raftcore.ServerId]*PeerState
}

// New creates leader VolatileState for the given peers. Every peer starts
// with next_index = lastLogIndex+1 and match_index = 0.
func New(peerIds []raftcore.ServerId, lastLogIndex raftcore.LogIndex) *VolatileState {
	peers := make(map[raftcore.ServerId]*PeerState, len(peerIds))
	for _, id := range peerIds {
		peers[id] = &PeerState{NextIndex: lastLogIndex + 1, MatchIndex: 0}
	}
	return &VolatileState{peers: peers}
}

// Get returns the peer state for id, or nil if id is not a tracked peer.
func (vs *VolatileState) Get(id raftcore.ServerId) *PeerState {
	return vs.peers[id]
}

// OnAppendEntriesSuccess records that a peer acknowledged replication up to
// and including prevLogIndex+numEntries. This recomputes match_index
// directly from the request's coverage rather than reusing next_index,
// which avoids conflating the two when next_index has since moved (the
// source this engine is modeled on set match_index from the pre-update
// next_index map entry, which only happens to be correct when next_index
// is always exactly match_index+1).
func (vs *VolatileState) OnAppendEntriesSuccess(id raftcore.ServerId, prevLogIndex raftcore.LogIndex, numEntries int) {
	ps := vs.peers[id]
	if ps == nil {
		return
	}
	matched := prevLogIndex + raftcore.LogIndex(numEntries)
	if matched > ps.MatchIndex {
		ps.MatchIndex = matched
	}
	if matched+1 > ps.NextIndex {
		ps.NextIndex = matched + 1
	}
}

// OnAppendEntriesFailure backs off next_index after a rejected
// AppendEntries. If hint is non-zero it is used directly (the fast
// conflict-term-skip path); otherwise next_index decrements by one, never
// below 1.
func (vs *VolatileState) OnAppendEntriesFailure(id raftcore.ServerId, hint raftcore.LogIndex) {
	ps := vs.peers[id]
	if ps == nil {
		return
	}
	if hint > 0 {
		ps.NextIndex = hint
	} else if ps.NextIndex > 1 {
		ps.NextIndex--
	}
	if ps.NextIndex < 1 {
		ps.NextIndex = 1
	}
}

// OnInstallSnapshotSuccess records that a peer has adopted a snapshot
// through lastIncludedIndex: both match_index and next_index jump straight
// to that point, the same way a successful AppendEntries would if it could
// have covered the range the snapshot compacted away.
func (vs *VolatileState) OnInstallSnapshotSuccess(id raftcore.ServerId, lastIncludedIndex raftcore.LogIndex) {
	ps := vs.peers[id]
	if ps == nil {
		return
	}
	if lastIncludedIndex > ps.MatchIndex {
		ps.MatchIndex = lastIncludedIndex
	}
	if lastIncludedIndex+1 > ps.NextIndex {
		ps.NextIndex = lastIncludedIndex + 1
	}
}

// CalculateCommitIndex returns the highest index replicated to a quorum
// (including the leader itself, which is always considered to match
// lastLogIndex), never below currentCommit. quorumSize counts the whole
// cluster, leader included.
//
// A leader may only commit an entry from its own current term directly
// (spec section 5, leader commit advancement); since log terms are
// non-decreasing, if the best quorum-supported index N does not carry
// currentTerm, no smaller index can either, so the index is left
// unadvanced rather than searched further down.
func (vs *VolatileState) CalculateCommitIndex(
	currentCommit, lastLogIndex raftcore.LogIndex,
	quorumSize uint,
	currentTerm raftcore.Term,
	termAt func(raftcore.LogIndex) (raftcore.Term, bool),
) raftcore.LogIndex {
	matches := make([]raftcore.LogIndex, 0, len(vs.peers)+1)
	matches = append(matches, lastLogIndex) // leader's own log
	for _, ps := range vs.peers {
		matches = append(matches, ps.MatchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	if int(quorumSize) > len(matches) {
		return currentCommit
	}
	candidate := matches[quorumSize-1]
	if candidate <= currentCommit {
		return currentCommit
	}
	if term, ok := termAt(candidate); !ok || term != currentTerm {
		return currentCommit
	}
	return candidate
}
