package consensus

import (
	"github.com/corelattice/raftcore"
)

// VoteResult mirrors AppendEntriesResult: the grant decision plus whether
// the receiver must persist a term update before replying.
type VoteResult struct {
	Response    raftcore.VoteResponse
	TermUpdated bool
	VoteGranted bool
	// ResetElection is true only for a real (non-pre-vote) granted vote, per
	// the Raft rule that granting a vote restarts the election timer.
	ResetElection bool
}

// HandleRequestVote implements the RequestVote receiver algorithm (spec
// section 5, RequestVote): term check, log-up-to-date check, and the
// votedFor compatibility rule.
//
// PreVote requests never observe or mutate votedFor: a pre-vote grant only
// tells the candidate its log is competitive, so a real election is worth
// starting. This avoids the term-inflation problem where a partitioned node
// bumps its term on every timeout and forces the cluster to re-elect on
// healing.
func HandleRequestVote(
	log raftcore.Log,
	currentTerm raftcore.Term,
	votedFor raftcore.ServerId,
	req raftcore.VoteRequest,
) VoteResult {
	if req.Term < currentTerm {
		return VoteResult{
			Response: raftcore.VoteResponse{Term: currentTerm, VoteGranted: false, Reason: "stale term", MsgId: req.MsgId},
		}
	}

	termUpdated := !req.PreVote && req.Term > currentTerm
	replyTerm := currentTerm
	if req.Term > currentTerm {
		replyTerm = req.Term
	}
	effectiveVotedFor := votedFor
	if termUpdated {
		// The term bump clears votedFor for the new term; this does not
		// apply to pre-vote, which never advances currentTerm.
		effectiveVotedFor = ""
	}

	lastIndex := log.GetIndexOfLastEntry()
	lastTerm := log.GetTermOfLastEntry()

	candidateUpToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	if !candidateUpToDate {
		return VoteResult{
			TermUpdated: termUpdated,
			Response:    raftcore.VoteResponse{Term: replyTerm, VoteGranted: false, Reason: "log not up to date", MsgId: req.MsgId},
		}
	}

	if req.PreVote {
		return VoteResult{
			Response: raftcore.VoteResponse{Term: replyTerm, VoteGranted: true, MsgId: req.MsgId},
		}
	}

	if effectiveVotedFor != "" && effectiveVotedFor != req.CandidateId {
		return VoteResult{
			TermUpdated: termUpdated,
			Response:    raftcore.VoteResponse{Term: replyTerm, VoteGranted: false, Reason: "already voted", MsgId: req.MsgId},
		}
	}

	return VoteResult{
		TermUpdated:   termUpdated,
		VoteGranted:   true,
		ResetElection: true,
		Response:      raftcore.VoteResponse{Term: replyTerm, VoteGranted: true, MsgId: req.MsgId},
	}
}
