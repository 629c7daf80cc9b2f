// Package watchindex provides WatchedIndex, a LogIndex cell that notifies
// registered listeners whenever its value changes. inmemlog uses it to
// drive commit_index and last_applied notifications without requiring the
// Raft node to poll.
package watchindex

import (
	"sync"

	"github.com/corelattice/raftcore"
)

// IndexChangeListener is called after the value changes, with the new
// value. It must return immediately without blocking.
type IndexChangeListener func(newValue raftcore.LogIndex)

// IndexChangeVerifier is called before listeners, with (old, new). It can
// reject a change by returning a non-nil error; listeners are not called in
// that case. Verifiers never see the value move backwards.
type IndexChangeVerifier func(oldValue, newValue raftcore.LogIndex) error

// WatchedIndex is a LogIndex cell guarded by a caller-supplied Locker, with
// optional verification and change notification.
type WatchedIndex struct {
	lock      sync.Locker
	value     raftcore.LogIndex
	verifier  IndexChangeVerifier
	listeners []IndexChangeListener
}

// NewWatchedIndex creates a WatchedIndex starting at 0, guarded by lock.
func NewWatchedIndex(lock sync.Locker) *WatchedIndex {
	return &WatchedIndex{lock: lock}
}

// Get returns the current value, locking first.
func (w *WatchedIndex) Get() raftcore.LogIndex {
	w.lock.Lock()
	v := w.value
	w.lock.Unlock()
	return v
}

// UnsafeGet returns the current value without locking. The caller must
// already hold the lock.
func (w *WatchedIndex) UnsafeGet() raftcore.LogIndex {
	return w.value
}

// SetVerifier installs the verifier called before every UnsafeSet.
func (w *WatchedIndex) SetVerifier(v IndexChangeVerifier) {
	w.lock.Lock()
	w.verifier = v
	w.lock.Unlock()
}

// AddListener registers a listener called, in registration order, after
// every successful UnsafeSet.
func (w *WatchedIndex) AddListener(l IndexChangeListener) {
	w.lock.Lock()
	w.listeners = append(w.listeners, l)
	w.lock.Unlock()
}

// UnsafeSet sets the value without locking (the caller must already hold
// the lock) and runs the verifier then listeners. If the verifier returns
// an error, the value is still updated but listeners are not called; the
// error is returned to the caller.
func (w *WatchedIndex) UnsafeSet(newValue raftcore.LogIndex) error {
	old := w.value
	w.value = newValue
	if w.verifier != nil {
		if err := w.verifier(old, newValue); err != nil {
			return err
		}
	}
	for _, l := range w.listeners {
		l(newValue)
	}
	return nil
}
