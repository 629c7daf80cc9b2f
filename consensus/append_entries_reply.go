package consensus

import (
	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/consensus/leader"
)

// AppendEntriesReplyResult reports what the leader must do after processing
// one peer's AppendEntriesResponse.
type AppendEntriesReplyResult struct {
	// TermUpdated is true when the response carried a higher term; the
	// caller must persist the new term and step down to Follower.
	TermUpdated bool
	NewTerm     raftcore.Term
	// CommitAdvanced is true when quorum replication pushed commit_index
	// forward; the caller should apply newly committed entries.
	CommitAdvanced bool
	NewCommitIndex raftcore.LogIndex
}

// HandleAppendEntriesReply processes one AppendEntriesResponse against the
// leader's per-peer state. req is the original AppendEntriesRequest this is
// a reply to, used to recompute match_index directly from what was sent
// rather than trusting the stale next_index snapshot (see leader.VolatileState.
// OnAppendEntriesSuccess).
func HandleAppendEntriesReply(
	ls *leader.VolatileState,
	currentTerm raftcore.Term,
	currentCommit raftcore.LogIndex,
	lastLogIndex raftcore.LogIndex,
	quorumSize uint,
	termAt func(raftcore.LogIndex) (raftcore.Term, bool),
	peer raftcore.ServerId,
	req raftcore.AppendEntriesRequest,
	resp raftcore.AppendEntriesResponse,
) AppendEntriesReplyResult {
	if resp.Term > currentTerm {
		return AppendEntriesReplyResult{TermUpdated: true, NewTerm: resp.Term}
	}
	if resp.Term < currentTerm {
		// Stale reply from a previous term; ignore.
		return AppendEntriesReplyResult{}
	}

	if resp.Success {
		ls.OnAppendEntriesSuccess(peer, req.PrevLogIndex, len(req.Entries))
		newCommit := ls.CalculateCommitIndex(currentCommit, lastLogIndex, quorumSize, currentTerm, termAt)
		if newCommit > currentCommit {
			return AppendEntriesReplyResult{CommitAdvanced: true, NewCommitIndex: newCommit}
		}
		return AppendEntriesReplyResult{}
	}

	ls.OnAppendEntriesFailure(peer, resp.NextIndexHint)
	return AppendEntriesReplyResult{}
}
