// Package statemachine provides reference implementations of
// raftcore.StateMachine: InMemoryKV, a minimal textual SET/GET store
// suitable for tests and examples.
package statemachine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/corelattice/raftcore"
)

// InMemoryKV is a raftcore.StateMachine backed by a map[string]string,
// driven by a tiny textual command language: "SET key value" and
// "GET key". Any other command, or a noop/config-change entry, applies as
// a no-op returning an empty result.
type InMemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ raftcore.StateMachine = (*InMemoryKV)(nil)

// NewInMemoryKV returns an empty InMemoryKV.
func NewInMemoryKV() *InMemoryKV {
	return &InMemoryKV{data: make(map[string]string)}
}

func (kv *InMemoryKV) Apply(entry raftcore.LogEntry) ([]byte, error) {
	if entry.Kind != raftcore.EntryCommand {
		return nil, nil
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()

	command := string(entry.Payload)
	switch {
	case bytes.HasPrefix(entry.Payload, []byte("SET ")):
		parts := strings.SplitN(command, " ", 3)
		if len(parts) != 3 {
			return []byte("UNKNOWN_COMMAND"), nil
		}
		kv.data[parts[1]] = parts[2]
		return []byte("OK"), nil
	case bytes.HasPrefix(entry.Payload, []byte("GET ")):
		key := command[4:]
		if v, ok := kv.data[key]; ok {
			return []byte(v), nil
		}
		return []byte("NOT_FOUND"), nil
	default:
		return []byte("UNKNOWN_COMMAND"), nil
	}
}

func (kv *InMemoryKV) TakeSnapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return json.Marshal(kv.data)
}

func (kv *InMemoryKV) RestoreFromSnapshot(snapshot []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	data := make(map[string]string)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &data); err != nil {
			return fmt.Errorf("statemachine: restore snapshot: %w", err)
		}
	}
	kv.data = data
	return nil
}

// Get returns the current value of key, for tests and read-index reads.
func (kv *InMemoryKV) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	return v, ok
}
