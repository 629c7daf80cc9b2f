// Package persist implements raftcore.PersistentState. InMemory is the
// volatile variant used by tests and by nodes that rebuild state from
// peers on restart; File is a durable variant that fsyncs a small JSON
// document after every change, grounded on the same "write the whole
// document, fsync, rename" discipline node_test.go exercises against the
// WAL backends in package wal.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/corelattice/raftcore"
)

// InMemory is a volatile raftcore.PersistentState. Zero value is ready to
// use, starting at term 0 with no vote cast.
type InMemory struct {
	mu          sync.RWMutex
	currentTerm raftcore.Term
	votedFor    raftcore.ServerId
}

var _ raftcore.PersistentState = (*InMemory)(nil)

// NewInMemory creates an InMemory state starting at the given term with no
// vote cast, for tests that need to start mid-term (e.g. reproducing a
// specific Figure-7-style log/term combination).
func NewInMemory(startTerm raftcore.Term) *InMemory {
	return &InMemory{currentTerm: startTerm}
}

func (s *InMemory) GetCurrentTerm() raftcore.Term {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

func (s *InMemory) GetVotedFor() raftcore.ServerId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

func (s *InMemory) SetCurrentTerm(newTerm raftcore.Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newTerm < s.currentTerm {
		return fmt.Errorf("persist: new term %d is below current term %d", newTerm, s.currentTerm)
	}
	s.currentTerm = newTerm
	s.votedFor = ""
	return nil
}

func (s *InMemory) SetVotedFor(candidate raftcore.ServerId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = candidate
	return nil
}

// document is the on-disk representation written by File.
type document struct {
	CurrentTerm raftcore.Term     `json:"currentTerm"`
	VotedFor    raftcore.ServerId `json:"votedFor"`
}

// File is a durable raftcore.PersistentState backed by a single JSON file.
// Every mutation writes a fresh temp file, fsyncs it, and renames it over
// the target path, so a crash mid-write never leaves a torn document
// behind (the reader sees either the old file or the new one, never a
// partial one).
type File struct {
	mu   sync.Mutex
	path string
	doc  document
}

var _ raftcore.PersistentState = (*File)(nil)

// OpenFile loads path if it exists, or initializes a fresh document at
// term 0 with no vote cast if it does not.
func OpenFile(path string) (*File, error) {
	f := &File{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("persist: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &f.doc); err != nil {
		return nil, &raftcore.CorruptionError{Detail: fmt.Sprintf("persist: decoding %s: %v", path, err)}
	}
	return f, nil
}

func (f *File) GetCurrentTerm() raftcore.Term {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.CurrentTerm
}

func (f *File) GetVotedFor() raftcore.ServerId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.VotedFor
}

func (f *File) SetCurrentTerm(newTerm raftcore.Term) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newTerm < f.doc.CurrentTerm {
		return fmt.Errorf("persist: new term %d is below current term %d", newTerm, f.doc.CurrentTerm)
	}
	next := document{CurrentTerm: newTerm}
	if err := f.writeDocument(next); err != nil {
		return err
	}
	f.doc = next
	return nil
}

func (f *File) SetVotedFor(candidate raftcore.ServerId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := document{CurrentTerm: f.doc.CurrentTerm, VotedFor: candidate}
	if err := f.writeDocument(next); err != nil {
		return err
	}
	f.doc = next
	return nil
}

func (f *File) writeDocument(doc document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &raftcore.IoFailedError{Detail: "persist: opening temp file", Cause: err}
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return &raftcore.IoFailedError{Detail: "persist: writing temp file", Cause: err}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &raftcore.IoFailedError{Detail: "persist: fsyncing temp file", Cause: err}
	}
	if err := out.Close(); err != nil {
		return &raftcore.IoFailedError{Detail: "persist: closing temp file", Cause: err}
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return &raftcore.IoFailedError{Detail: "persist: renaming temp file into place", Cause: err}
	}
	dir, err := os.Open(filepath.Dir(f.path))
	if err != nil {
		return &raftcore.IoFailedError{Detail: "persist: opening parent directory", Cause: err}
	}
	defer dir.Close()
	_ = dir.Sync()
	return nil
}
