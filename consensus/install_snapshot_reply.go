package consensus

import (
	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/consensus/leader"
)

// InstallSnapshotReplyResult reports what the leader must do after
// processing one peer's InstallSnapshotResponse, mirroring
// AppendEntriesReplyResult.
type InstallSnapshotReplyResult struct {
	TermUpdated bool
	NewTerm     raftcore.Term

	CommitAdvanced bool
	NewCommitIndex raftcore.LogIndex
}

// HandleInstallSnapshotReply processes one InstallSnapshotResponse against
// the leader's per-peer state, grounded on
// original_source/crates/raft-core/src/node.rs's
// handle_install_snapshot_response: on success the peer jumps straight to
// req.LastIncludedIndex rather than being probed one entry at a time.
func HandleInstallSnapshotReply(
	ls *leader.VolatileState,
	currentTerm raftcore.Term,
	currentCommit raftcore.LogIndex,
	lastLogIndex raftcore.LogIndex,
	quorumSize uint,
	termAt func(raftcore.LogIndex) (raftcore.Term, bool),
	peer raftcore.ServerId,
	req raftcore.InstallSnapshotRequest,
	resp raftcore.InstallSnapshotResponse,
) InstallSnapshotReplyResult {
	if resp.Term > currentTerm {
		return InstallSnapshotReplyResult{TermUpdated: true, NewTerm: resp.Term}
	}
	if resp.Term < currentTerm {
		return InstallSnapshotReplyResult{}
	}
	if !resp.Success || !req.Done {
		return InstallSnapshotReplyResult{}
	}

	ls.OnInstallSnapshotSuccess(peer, req.LastIncludedIndex)
	newCommit := ls.CalculateCommitIndex(currentCommit, lastLogIndex, quorumSize, currentTerm, termAt)
	if newCommit > currentCommit {
		return InstallSnapshotReplyResult{CommitAdvanced: true, NewCommitIndex: newCommit}
	}
	return InstallSnapshotReplyResult{}
}

// ProcessInstallSnapshotReply updates leader-side replication state from
// one peer's InstallSnapshotResponse. committed, if true, means
// newCommitIndex should be applied to the log by the caller.
func (m *Module) ProcessInstallSnapshotReply(
	peer raftcore.ServerId,
	req raftcore.InstallSnapshotRequest,
	resp raftcore.InstallSnapshotResponse,
) (committed bool, newCommitIndex raftcore.LogIndex, err error) {
	if m.role != raftcore.Leader || m.leaderState == nil {
		return false, 0, nil
	}
	result := HandleInstallSnapshotReply(
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
