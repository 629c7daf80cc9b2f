package raftcore

import "fmt"

// NotLeaderError is returned when a client write is submitted to a node
// that is not the current leader. Hint, if non-empty, names the node this
// caller last observed as leader.
type NotLeaderError struct {
	Hint ServerId
}

func (e *NotLeaderError) Error() string {
	if e.Hint == "" {
		return "raftcore: not leader, no known leader hint"
	}
	return fmt.Sprintf("raftcore: not leader, hint=%s", e.Hint)
}

// StaleTermError is returned when an incoming message carries a term older
// than the receiver's current term.
type StaleTermError struct {
	CurrentTerm Term
	MessageTerm Term
}

func (e *StaleTermError) Error() string {
	return fmt.Sprintf("raftcore: stale term %d, current term is %d", e.MessageTerm, e.CurrentTerm)
}

// LogInconsistentError is returned by a follower rejecting an AppendEntries
// request. NextHint is the index the leader should retry from.
type LogInconsistentError struct {
	NextHint LogIndex
	Reason   string
}

func (e *LogInconsistentError) Error() string {
	return fmt.Sprintf("raftcore: log inconsistent, hint=%d (%s)", e.NextHint, e.Reason)
}

// IndexBelowCommitError is returned when a caller attempts to truncate or
// otherwise mutate an already-committed log index.
type IndexBelowCommitError struct {
	Index       LogIndex
	CommitIndex LogIndex
}

func (e *IndexBelowCommitError) Error() string {
	return fmt.Sprintf("raftcore: index %d is at or below commit index %d", e.Index, e.CommitIndex)
}

// NonMonotonicIndexError is returned when Append is called with an index
// other than the log's last index plus one.
type NonMonotonicIndexError struct {
	Got      LogIndex
	Expected LogIndex
}

func (e *NonMonotonicIndexError) Error() string {
	return fmt.Sprintf("raftcore: non-monotonic append, got index %d, expected %d", e.Got, e.Expected)
}

// SizeBoundError is returned by event-bus validation when a field exceeds
// its configured maximum.
type SizeBoundError struct {
	Field string
	Max   int
	Got   int
}

func (e *SizeBoundError) Error() string {
	return fmt.Sprintf("raftcore: field %q exceeds bound: got %d, max %d", e.Field, e.Got, e.Max)
}

// Corruption indicates a WAL integrity failure. Fatal to storage operations
// until recovery completes.
type CorruptionError struct {
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("raftcore: wal corruption: %s", e.Detail)
}

// IoFailedError indicates a transient storage failure. The caller may retry.
type IoFailedError struct {
	Detail string
	Cause  error
}

func (e *IoFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("raftcore: io failed: %s: %v", e.Detail, e.Cause)
	}
	return fmt.Sprintf("raftcore: io failed: %s", e.Detail)
}

func (e *IoFailedError) Unwrap() error { return e.Cause }

// InvalidStateError indicates a WAL transaction was used out of phase (e.g.
// writing to a transaction that has already committed).
type InvalidStateError struct {
	Detail string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("raftcore: invalid state: %s", e.Detail)
}
