package raftcore

// MsgId is an opaque correlation identifier carried on every RPC request
// and echoed on its reply, letting a transport match replies to requests
// out of order.
type MsgId uint64

// AppendEntriesRequest is sent by a leader to replicate log entries, or
// with an empty Entries slice as a heartbeat.
type AppendEntriesRequest struct {
	Term         Term
	LeaderId     ServerId
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
	MsgId        MsgId
}

// AppendEntriesResponse is a follower's reply to AppendEntriesRequest.
type AppendEntriesResponse struct {
	Term          Term
	Success       bool
	NextIndexHint LogIndex // valid only when !Success
	Reason        string
	MsgId         MsgId
	ResponderId   ServerId
}

// VoteRequest is sent by a candidate to request a vote. PreVote requests
// never mutate the receiver's voted_for.
type VoteRequest struct {
	Term         Term
	CandidateId  ServerId
	LastLogIndex LogIndex
	LastLogTerm  Term
	PreVote      bool
	MsgId        MsgId
}

// VoteResponse is a peer's reply to VoteRequest.
type VoteResponse struct {
	Term        Term
	VoteGranted bool
	Reason      string
	MsgId       MsgId
}

// InstallSnapshotRequest is sent by a leader when a follower's next_index
// is below the leader's first available log index.
type InstallSnapshotRequest struct {
	Term              Term
	LeaderId          ServerId
	LastIncludedIndex LogIndex
	LastIncludedTerm  Term
	Offset            uint64
	Data              []byte
	Done              bool
	MsgId             MsgId
}

// InstallSnapshotResponse is a follower's reply to InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	Term    Term
	Success bool
	Reason  string
	MsgId   MsgId
}
