package consensus

import (
	"github.com/corelattice/raftcore"
)

// InstallSnapshotResult carries the receiver's decision plus any side
// effects the caller (node) must apply, mirroring AppendEntriesResult.
// Accepted tells the caller whether to actually install the snapshot data
// (node still gates that on req.Done: a leader may split a snapshot across
// several requests, and only the last one carries a complete snapshot).
type InstallSnapshotResult struct {
	Response      raftcore.InstallSnapshotResponse
	TermUpdated   bool
	ResetElection bool
	Accepted      bool
}

// HandleInstallSnapshot implements the InstallSnapshot receiver algorithm
// (spec section 5/6): reply false on a stale term, otherwise accept.
// Unlike AppendEntries this never inspects the log directly — applying the
// snapshot (state machine restore, log compaction, cursor advancement) is
// the caller's job once Accepted && req.Done.
func HandleInstallSnapshot(
	currentTerm raftcore.Term,
	req raftcore.InstallSnapshotRequest,
) InstallSnapshotResult {
	if req.Term < currentTerm {
		return InstallSnapshotResult{
			Response: raftcore.InstallSnapshotResponse{
				Term: currentTerm, Success: false, Reason: "stale term", MsgId: req.MsgId,
			},
		}
	}

	termUpdated := req.Term > currentTerm
	replyTerm := req.Term

	return InstallSnapshotResult{
		Response: raftcore.InstallSnapshotResponse{
			Term: replyTerm, Success: true, MsgId: req.MsgId,
		},
		TermUpdated:   termUpdated,
		ResetElection: true,
		Accepted:      true,
	}
}

// ProcessInstallSnapshot runs the InstallSnapshot receiver algorithm and
// applies any resulting role/term transition. accepted tells the caller
// whether to proceed with installing the snapshot data (gated further on
// req.Done, since a single logical snapshot may arrive as several chunks).
func (m *Module) ProcessInstallSnapshot(req raftcore.InstallSnapshotRequest) (resp raftcore.InstallSnapshotResponse, accepted bool, err error) {
	currentTerm := m.persistentState.GetCurrentTerm()
	result := HandleInstallSnapshot(currentTerm, req)
	if result.TermUpdated || (req.Term >= currentTerm && m.role != raftcore.Follower) {
		if err := m.becomeFollower(req.Term, req.LeaderId); err != nil {
			return raftcore.InstallSnapshotResponse{}, false, err
		}
	} else if result.Accepted {
		m.currentLeader = req.LeaderId
	}
	return result.Response, result.Accepted, nil
}
