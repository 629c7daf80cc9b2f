package raftcore

// Log is the interface the Raft node uses to manage the in-memory
// replicated log (component C1).
//
// The log is an ordered array of LogEntry with first index 1. commit_index
// and last_applied are tracked here so that the node never has to recompute
// them; snapshot compaction is reflected as a boundary (last_included_index,
// last_included_term) in place of any discarded prefix.
//
// Invariant: GetLastApplied() <= GetCommitIndex() <= GetIndexOfLastEntry().
type Log interface {
	// GetIndexOfLastEntry returns the index of the last entry in the log.
	// 0 indicates an empty log.
	GetIndexOfLastEntry() LogIndex

	// GetIndexOfLastEntryTerm returns the term of the last entry in the
	// log, or the snapshot boundary's term if the log is otherwise empty,
	// or 0 for a brand new log.
	GetTermOfLastEntry() Term

	// GetLogEntryAtIndex returns the entry at the given index. index must
	// be > the snapshot boundary and <= GetIndexOfLastEntry().
	GetLogEntryAtIndex(index LogIndex) (LogEntry, bool)

	// GetTermAtIndex returns the term of the entry at the given index.
	// Returns the snapshot boundary's term for index ==
	// last_included_index, and false for any index below it.
	GetTermAtIndex(index LogIndex) (Term, bool)

	// GetEntriesAfterIndex returns up to maxEntries entries starting right
	// after index. An empty result means there is nothing after index.
	GetEntriesAfterIndex(index LogIndex, maxEntries int) []LogEntry

	// Matches reports whether an entry exists at index with the given
	// term, or index/term exactly match the snapshot boundary.
	Matches(index LogIndex, term Term) bool

	// Append appends a single entry. Returns NonMonotonicIndexError if
	// entry.Index != GetIndexOfLastEntry()+1.
	Append(entry LogEntry) error

	// TruncateFrom removes all entries from index to the end (inclusive).
	// Returns IndexBelowCommitError if index <= GetCommitIndex().
	TruncateFrom(index LogIndex) error

	// SetCommitIndex advances the commit index. Monotonic: values at or
	// below the current commit index, or above the last log index, are
	// clamped silently; values are never allowed to move backwards below
	// the previously set value.
	SetCommitIndex(index LogIndex)

	// GetCommitIndex returns the current commit index.
	GetCommitIndex() LogIndex

	// GetLastApplied returns the index of the highest entry applied to the
	// state machine.
	GetLastApplied() LogIndex

	// SetLastApplied records that entries up to and including index have
	// been applied to the state machine.
	SetLastApplied(index LogIndex)

	// Compact discards the log prefix up to and including upToIndex,
	// recording it as the new snapshot boundary. Requires upToIndex <=
	// GetLastApplied().
	Compact(upToIndex LogIndex, term Term) error

	// SnapshotBoundary returns the (last_included_index, last_included_term)
	// recorded by the most recent Compact call, or (0, 0) if none.
	SnapshotBoundary() (LogIndex, Term)

	// InstallSnapshot adopts a snapshot received from a leader as the new
	// snapshot boundary, unconditionally advancing commit_index and
	// last_applied to lastIncludedIndex even if the local log doesn't
	// physically extend that far (the caller is a follower far enough
	// behind that AppendEntries alone can't catch it up). If the local log
	// already holds an entry at lastIncludedIndex with a matching term, the
	// suffix after it is retained; otherwise the whole log is discarded. A
	// no-op if lastIncludedIndex is at or behind the current boundary.
	InstallSnapshot(lastIncludedIndex LogIndex, lastIncludedTerm Term) error
}

// PersistentState is the durable (current_term, voted_for) pair that must
// be flushed before any outbound message reflecting a changed value is
// sent (spec section 3, PersistentState).
type PersistentState interface {
	GetCurrentTerm() Term
	GetVotedFor() ServerId

	// SetCurrentTerm durably persists a new term and clears voted_for.
	// Returns an error if newTerm < GetCurrentTerm().
	SetCurrentTerm(newTerm Term) error

	// SetVotedFor durably persists a vote for the given candidate in the
	// current term.
	SetVotedFor(candidate ServerId) error
}
