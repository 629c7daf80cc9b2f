package consensus

import (
	"github.com/corelattice/raftcore"
)

// AppendEntriesResult carries the receiver's decision plus any side effects
// the caller (node) must apply, such as a term update that must be
// persisted before the reply is sent.
type AppendEntriesResult struct {
	Response      raftcore.AppendEntriesResponse
	TermUpdated   bool
	ResetElection bool
}

// HandleAppendEntries implements the AppendEntries receiver algorithm
// (spec section 5, AppendEntries): term check, log-consistency check with
// a hint-index conflict search, conflict truncation, append, and
// commit-index advancement.
//
// Any request carrying a term >= currentTerm causes the receiver to reset
// its election timer; the caller is responsible for actually restarting
// the timer and, on term increase, persisting the new term and reverting
// to Follower.
func HandleAppendEntries(
	log raftcore.Log,
	currentTerm raftcore.Term,
	req raftcore.AppendEntriesRequest,
) AppendEntriesResult {
	// 1. Reply false if term < currentTerm.
	if req.Term < currentTerm {
		return AppendEntriesResult{
			Response: raftcore.AppendEntriesResponse{
				Term: currentTerm, Success: false, Reason: "stale term", MsgId: req.MsgId,
			},
		}
	}

	termUpdated := req.Term > currentTerm
	replyTerm := req.Term
	if termUpdated {
		currentTerm = req.Term
	}

	// 2. Reply false if log doesn't contain an entry at prevLogIndex whose
	// term matches prevLogTerm.
	if req.PrevLogIndex > 0 {
		lastIndex := log.GetIndexOfLastEntry()
		if req.PrevLogIndex > lastIndex {
			return AppendEntriesResult{
				TermUpdated:   termUpdated,
				ResetElection: true,
				Response: raftcore.AppendEntriesResponse{
					Term: replyTerm, Success: false, NextIndexHint: lastIndex + 1,
					Reason: "log too short", MsgId: req.MsgId,
				},
			}
		}
		if !log.Matches(req.PrevLogIndex, req.PrevLogTerm) {
			hint := findConflictTermStart(log, req.PrevLogIndex)
			return AppendEntriesResult{
				TermUpdated:   termUpdated,
				ResetElection: true,
				Response: raftcore.AppendEntriesResponse{
					Term: replyTerm, Success: false, NextIndexHint: hint,
					Reason: "log inconsistent", MsgId: req.MsgId,
				},
			}
		}
	}

	// 3 & 4. Resolve conflicts and append any new entries.
	if len(req.Entries) > 0 {
		conflictAt := raftcore.LogIndex(0)
		for i, entry := range req.Entries {
			entryIndex := req.PrevLogIndex + 1 + raftcore.LogIndex(i)
			if entryIndex > log.GetIndexOfLastEntry() {
				break
			}
			if !log.Matches(entryIndex, entry.Term) {
				conflictAt = entryIndex
				break
			}
		}
		startIndex := log.GetIndexOfLastEntry() + 1
		if conflictAt > 0 {
			// TruncateFrom never errors here: conflictAt is always above
			// commit_index because committed entries can never conflict
			// with a quorum-backed leader's log.
			_ = log.TruncateFrom(conflictAt)
			startIndex = conflictAt
		}
		for _, entry := range req.Entries {
			if entry.Index < startIndex {
				continue
			}
			if err := log.Append(entry); err != nil {
				return AppendEntriesResult{
					TermUpdated:   termUpdated,
					ResetElection: true,
					Response: raftcore.AppendEntriesResponse{
						Term: replyTerm, Success: false, NextIndexHint: log.GetIndexOfLastEntry() + 1,
						Reason: err.Error(), MsgId: req.MsgId,
					},
				}
			}
		}
	}

	// 5. If leaderCommit > commitIndex, set commitIndex = min(leaderCommit,
	// index of last new entry).
	if req.LeaderCommit > log.GetCommitIndex() {
		log.SetCommitIndex(req.LeaderCommit)
	}

	return AppendEntriesResult{
		TermUpdated:   termUpdated,
		ResetElection: true,
		Response: raftcore.AppendEntriesResponse{
			Term: replyTerm, Success: true, MsgId: req.MsgId,
		},
	}
}

// findConflictTermStart returns the first index of the term occupying
// prevLogIndex, so the leader can skip its entire conflicting term in one
// round trip instead of decrementing one index at a time.
func findConflictTermStart(log raftcore.Log, prevLogIndex raftcore.LogIndex) raftcore.LogIndex {
	term, ok := log.GetTermAtIndex(prevLogIndex)
	if !ok || term == 0 {
		return 1
	}
	idx := prevLogIndex
	for idx > 1 {
		t, ok := log.GetTermAtIndex(idx - 1)
		if !ok || t != term {
			break
		}
		idx--
	}
	return idx
}
