package raftcore

// StateMachine is the pluggable apply/snapshot/restore contract (component
// C3) consumed by the Raft node's apply loop.
//
// apply is invoked in ascending index order, exactly once per committed
// entry. take_snapshot and restore_from_snapshot are serialized by the node
// by default: the node never calls restore_from_snapshot concurrently with
// apply, and restore_from_snapshot always completes before any subsequent
// apply.
type StateMachine interface {
	// Apply applies a single committed entry and returns the opaque
	// result bytes surfaced to the client.
	Apply(entry LogEntry) ([]byte, error)

	// TakeSnapshot produces an opaque serialization of the current state.
	TakeSnapshot() ([]byte, error)

	// RestoreFromSnapshot replaces the state machine's state wholesale.
	RestoreFromSnapshot(snapshot []byte) error
}
