package node

import (
	"time"

	"github.com/corelattice/raftcore"
)

// AppendCommandAsync submits command for replication. If this node is not
// the leader, the returned channel is delivered a *raftcore.NotLeaderError
// carrying a hint to the last known leader. Otherwise the channel is
// delivered the state machine's result once the entry is applied (spec
// section 5, client requests: "the client's response is resolved only
// after the entry is applied").
func (n *Node) AppendCommandAsync(command raftcore.Command) <-chan AppendCommandResult {
	replyChan := make(chan AppendCommandResult, 1)
	f := func() error {
		if n.module.GetServerState() != raftcore.Leader {
			replyChan <- AppendCommandResult{Err: &raftcore.NotLeaderError{Hint: n.module.GetCurrentLeader()}}
			return nil
		}
		index := n.log.GetIndexOfLastEntry() + 1
		entry := raftcore.NewCommandEntry(index, n.module.GetCurrentTerm(), command)
		if err := n.log.Append(entry); err != nil {
			replyChan <- AppendCommandResult{Err: err}
			return nil
		}
		n.pending[index] = append(n.pending[index], replyChan)
		n.broadcastAppendEntries()
		return nil
	}
	n.runInProcessor(f)
	return replyChan
}

// ReadIndexAsync performs a linearizable read via leader-lease + read-index
// (spec section 4.4): it records commit_index, confirms leadership by
// getting an AppendEntries ack from a quorum at the current term, then
// waits until last_applied reaches the recorded commit_index before
// replying. There is no prior-art implementation to ground this on; it is
// built directly from the spec's client-request paragraph.
func (n *Node) ReadIndexAsync() <-chan ReadIndexResult {
	replyChan := make(chan ReadIndexResult, 1)
	f := func() error {
		if n.module.GetServerState() != raftcore.Leader {
			replyChan <- ReadIndexResult{Err: &raftcore.NotLeaderError{Hint: n.module.GetCurrentLeader()}}
			return nil
		}
		w := &readWaiter{
			commitIndex: n.log.GetCommitIndex(),
			term:        n.module.GetCurrentTerm(),
			acked:       make(map[raftcore.ServerId]bool),
			reply:       replyChan,
		}
		w.acked[n.ci.GetThisServerId()] = true
		n.readWaiters = append(n.readWaiters, w)
		if n.hasQuorum(w) {
			w.confirmed = true
			n.deliverReadyWaiters()
		} else {
			n.broadcastAppendEntries()
		}
		return nil
	}
	n.runInProcessor(f)
	return replyChan
}

func (n *Node) hasQuorum(w *readWaiter) bool {
	return uint(len(w.acked)) >= n.ci.QuorumSizeForCluster()
}

// checkReadWaiters records a quorum ack of leadership from peer at term,
// confirming any waiter opened before this ack whose required term still
// matches the node's current term (a term change invalidates the lease).
func (n *Node) checkReadWaiters(peer raftcore.ServerId, term raftcore.Term) {
	if n.module.GetCurrentTerm() != term {
		return
	}
	for _, w := range n.readWaiters {
		if w.confirmed || w.term != term {
			continue
		}
		w.acked[peer] = true
		if n.hasQuorum(w) {
			w.confirmed = true
		}
	}
	n.deliverReadyWaiters()
}

// deliverReadyWaiters answers every confirmed waiter whose commit_index
// has since been applied, and drops it from the pending list either way
// once delivered.
func (n *Node) deliverReadyWaiters() {
	lastApplied := n.log.GetLastApplied()
	remaining := n.readWaiters[:0]
	for _, w := range n.readWaiters {
		if w.confirmed && lastApplied >= w.commitIndex {
			select {
			case w.reply <- ReadIndexResult{CommitIndex: w.commitIndex}:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	n.readWaiters = remaining
}

// runApplyLoop applies every committed-but-unapplied entry to the state
// machine in ascending index order (spec section 5.2: "apply is invoked
// exactly once per committed entry, in ascending index order"), resolving
// any pending client request and publishing an AppliedEntry notification
// for each.
func (n *Node) runApplyLoop() error {
	commit := n.log.GetCommitIndex()
	applied := n.log.GetLastApplied()
	for idx := applied + 1; idx <= commit; idx++ {
		entry, ok := n.log.GetLogEntryAtIndex(idx)
		if !ok {
			return &raftcore.CorruptionError{Detail: "node: missing log entry below commit index"}
		}

		var result []byte
		var err error
		if entry.Kind == raftcore.EntryCommand {
			result, err = n.sm.Apply(entry)
			if err != nil {
				return err
			}
		}

		n.log.SetLastApplied(idx)
		if n.bus != nil {
			_ = n.bus.PublishApplied(raftcore.AppliedEntry{
				Index: idx, Term: entry.Term, Result: result, AppliedAt: time.Now(),
			})
		}
		n.resolvePending(idx, result)
	}
	if commit > applied {
		n.deliverReadyWaiters()
	}
	return n.maybeSnapshot()
}

// maybeSnapshot takes a state machine snapshot and compacts the log once
// last_applied has moved snapshotThreshold entries past the current
// snapshot boundary (config.NodeConfig.SnapshotThreshold). A no-op when
// snapshotThreshold is zero (the default, set via WithSnapshotThreshold).
func (n *Node) maybeSnapshot() error {
	if n.snapshotThreshold == 0 {
		return nil
	}
	boundaryIndex, _ := n.log.SnapshotBoundary()
	lastApplied := n.log.GetLastApplied()
	if lastApplied <= boundaryIndex || lastApplied-boundaryIndex < n.snapshotThreshold {
		return nil
	}
	term, ok := n.log.GetTermAtIndex(lastApplied)
	if !ok {
		return nil // entry already compacted by a concurrent path; nothing to do
	}
	// TakeSnapshot's result isn't retained here: a state machine durable
	// enough to need proactive compaction persists its own snapshot as a
	// side effect of producing it. Only a peer lagging behind the new
	// boundary needs the bytes themselves (sendInstallSnapshotToPeer calls
	// TakeSnapshot again then).
	if _, err := n.sm.TakeSnapshot(); err != nil {
		return err
	}
	return n.log.Compact(lastApplied, term)
}

func (n *Node) resolvePending(index raftcore.LogIndex, result []byte) {
	chans := n.pending[index]
	delete(n.pending, index)
	for _, ch := range chans {
		select {
		case ch <- AppendCommandResult{Index: index, Result: result}:
		default:
		}
	}
}
