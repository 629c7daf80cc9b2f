// Package inmemlog implements raftcore.Log entirely in memory, suitable
// for tests and for any deployment where the state machine snapshot, not
// the log, carries durability (the log itself is rebuilt from peers after
// a crash). It mirrors the indexing and truncation rules of the teacher's
// original in-memory log, generalized to carry commit_index/last_applied
// as watched cells so callers can subscribe to their movement instead of
// polling.
package inmemlog

import (
	"fmt"
	"sync"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/internal/watchindex"
)

// Log is an in-memory implementation of raftcore.Log.
//
// entries[i] holds the entry with LogIndex i+1+boundaryIndex; the prefix up
// to and including boundaryIndex has been compacted away.
type Log struct {
	mu sync.RWMutex

	entries []raftcore.LogEntry

	boundaryIndex raftcore.LogIndex
	boundaryTerm  raftcore.Term

	commitIndex *watchindex.WatchedIndex
	lastApplied *watchindex.WatchedIndex
}

var _ raftcore.Log = (*Log)(nil)

// New returns an empty Log.
func New() *Log {
	l := &Log{}
	l.commitIndex = watchindex.NewWatchedIndex(&l.mu)
	l.lastApplied = watchindex.NewWatchedIndex(&l.mu)
	l.commitIndex.SetVerifier(func(old, new raftcore.LogIndex) error {
		if new < old {
			return fmt.Errorf("inmemlog: commit index must not move backwards: %d -> %d", old, new)
		}
		return nil
	})
	l.lastApplied.SetVerifier(func(old, new raftcore.LogIndex) error {
		if new < old {
			return fmt.Errorf("inmemlog: last applied must not move backwards: %d -> %d", old, new)
		}
		return nil
	})
	return l
}

// OnCommitIndexChanged registers a listener invoked whenever SetCommitIndex
// actually moves the commit index forward.
func (l *Log) OnCommitIndexChanged(f func(raftcore.LogIndex)) {
	l.commitIndex.AddListener(func(v raftcore.LogIndex) { f(v) })
}

// OnLastAppliedChanged registers a listener invoked whenever SetLastApplied
// actually moves last_applied forward.
func (l *Log) OnLastAppliedChanged(f func(raftcore.LogIndex)) {
	l.lastApplied.AddListener(func(v raftcore.LogIndex) { f(v) })
}

func (l *Log) GetIndexOfLastEntry() raftcore.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.boundaryIndex + raftcore.LogIndex(len(l.entries))
}

func (l *Log) GetTermOfLastEntry() raftcore.Term {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return l.boundaryTerm
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *Log) GetLogEntryAtIndex(index raftcore.LogIndex) (raftcore.LogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unsafeEntryAt(index)
}

func (l *Log) unsafeEntryAt(index raftcore.LogIndex) (raftcore.LogEntry, bool) {
	if index <= l.boundaryIndex {
		return raftcore.LogEntry{}, false
	}
	pos := index - l.boundaryIndex - 1
	if pos >= raftcore.LogIndex(len(l.entries)) {
		return raftcore.LogEntry{}, false
	}
	return l.entries[pos], true
}

func (l *Log) GetTermAtIndex(index raftcore.LogIndex) (raftcore.Term, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == l.boundaryIndex {
		return l.boundaryTerm, true
	}
	e, ok := l.unsafeEntryAt(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

func (l *Log) GetEntriesAfterIndex(index raftcore.LogIndex, maxEntries int) []raftcore.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < l.boundaryIndex {
		return nil
	}
	start := index - l.boundaryIndex
	if start >= raftcore.LogIndex(len(l.entries)) {
		return nil
	}
	end := len(l.entries)
	if maxEntries > 0 && int(start)+maxEntries < end {
		end = int(start) + maxEntries
	}
	out := make([]raftcore.LogEntry, end-int(start))
	copy(out, l.entries[start:end])
	return out
}

func (l *Log) Matches(index raftcore.LogIndex, term raftcore.Term) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == l.boundaryIndex {
		return term == l.boundaryTerm
	}
	e, ok := l.unsafeEntryAt(index)
	return ok && e.Term == term
}

func (l *Log) Append(entry raftcore.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	want := l.boundaryIndex + raftcore.LogIndex(len(l.entries)) + 1
	if entry.Index != want {
		return &raftcore.NonMonotonicIndexError{Got: entry.Index, Expected: want}
	}
	l.entries = append(l.entries, entry)
	return nil
}

func (l *Log) TruncateFrom(index raftcore.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.commitIndex.UnsafeGet() {
		return &raftcore.IndexBelowCommitError{Index: index, CommitIndex: l.commitIndex.UnsafeGet()}
	}
	if index <= l.boundaryIndex {
		return nil
	}
	pos := index - l.boundaryIndex - 1
	if pos >= raftcore.LogIndex(len(l.entries)) {
		return nil
	}
	l.entries = l.entries[:pos]
	return nil
}

func (l *Log) SetCommitIndex(index raftcore.LogIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last := l.boundaryIndex + raftcore.LogIndex(len(l.entries))
	if index > last {
		index = last
	}
	if index <= l.commitIndex.UnsafeGet() {
		return
	}
	// Verifier rejects backwards moves only; forward moves never error.
	_ = l.commitIndex.UnsafeSet(index)
}

func (l *Log) GetCommitIndex() raftcore.LogIndex {
	return l.commitIndex.Get()
}

func (l *Log) GetLastApplied() raftcore.LogIndex {
	return l.lastApplied.Get()
}

func (l *Log) SetLastApplied(index raftcore.LogIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.lastApplied.UnsafeGet() {
		return
	}
	_ = l.lastApplied.UnsafeSet(index)
}

func (l *Log) Compact(upToIndex raftcore.LogIndex, term raftcore.Term) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upToIndex > l.lastApplied.UnsafeGet() {
		return fmt.Errorf("inmemlog: cannot compact past last_applied (%d > %d)", upToIndex, l.lastApplied.UnsafeGet())
	}
	if upToIndex <= l.boundaryIndex {
		return nil
	}
	pos := upToIndex - l.boundaryIndex - 1
	if pos >= raftcore.LogIndex(len(l.entries)) {
		return fmt.Errorf("inmemlog: compact index %d beyond log", upToIndex)
	}
	l.entries = append([]raftcore.LogEntry(nil), l.entries[pos+1:]...)
	l.boundaryIndex = upToIndex
	l.boundaryTerm = term
	return nil
}

func (l *Log) SnapshotBoundary() (raftcore.LogIndex, raftcore.Term) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.boundaryIndex, l.boundaryTerm
}

func (l *Log) InstallSnapshot(lastIncludedIndex raftcore.LogIndex, lastIncludedTerm raftcore.Term) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lastIncludedIndex <= l.boundaryIndex {
		return nil
	}

	if e, ok := l.unsafeEntryAt(lastIncludedIndex); ok && e.Term == lastIncludedTerm {
		pos := lastIncludedIndex - l.boundaryIndex - 1
		l.entries = append([]raftcore.LogEntry(nil), l.entries[pos+1:]...)
	} else {
		l.entries = nil
	}
	l.boundaryIndex = lastIncludedIndex
	l.boundaryTerm = lastIncludedTerm

	if lastIncludedIndex > l.commitIndex.UnsafeGet() {
		_ = l.commitIndex.UnsafeSet(lastIncludedIndex)
	}
	if lastIncludedIndex > l.lastApplied.UnsafeGet() {
		_ = l.lastApplied.UnsafeSet(lastIncludedIndex)
	}
	return nil
}
