package node

import (
	"fmt"

	"github.com/corelattice/raftcore"
)

// ProcessAppendEntriesAsync submits an inbound AppendEntries request from
// from for processing on the node's single goroutine, returning a channel
// the reply is delivered on once processed. Mirrors the async-reply
// convention of impl.ConsensusModule.ProcessRpcAppendEntriesAsync: if the
// node is stopped or its inbound queue is full, the call still returns a
// channel, but nothing is ever delivered on it.
func (n *Node) ProcessAppendEntriesAsync(
	from raftcore.ServerId,
	req raftcore.AppendEntriesRequest,
) <-chan raftcore.AppendEntriesResponse {
	replyChan := make(chan raftcore.AppendEntriesResponse, 1)
	f := func() error {
		resp, err := n.module.ProcessAppendEntries(req)
		if err != nil {
			return err
		}
		n.noteRoleChange()
		if req.Term >= n.module.GetCurrentTerm() || resp.Success {
			n.resetElectionTimer()
		}
		select {
		case replyChan <- resp:
			return nil
		default:
			return fmt.Errorf("node: AppendEntries replyChan unexpectedly full")
		}
	}
	n.runInProcessor(f)
	return replyChan
}

// ProcessInstallSnapshotAsync submits an inbound InstallSnapshot request
// from from for processing on the node's single goroutine. Grounded on
// original_source/crates/raft-core/src/node.rs's
// handle_install_snapshot_request/process_install_snapshot_request: once
// consensus.Module accepts the request and req.Done marks the snapshot
// complete, the state machine is restored and the log's cursors and
// snapshot boundary are advanced together via Log.InstallSnapshot before
// the reply is sent.
func (n *Node) ProcessInstallSnapshotAsync(
	from raftcore.ServerId,
	req raftcore.InstallSnapshotRequest,
) <-chan raftcore.InstallSnapshotResponse {
	replyChan := make(chan raftcore.InstallSnapshotResponse, 1)
	f := func() error {
		resp, accepted, err := n.module.ProcessInstallSnapshot(req)
		if err != nil {
			return err
		}
		n.noteRoleChange()
		if req.Term >= n.module.GetCurrentTerm() || resp.Success {
			n.resetElectionTimer()
		}
		if accepted && req.Done {
			if err := n.sm.RestoreFromSnapshot(req.Data); err != nil {
				return err
			}
			if err := n.log.InstallSnapshot(req.LastIncludedIndex, req.LastIncludedTerm); err != nil {
				return err
			}
			n.deliverReadyWaiters()
		}
		select {
		case replyChan <- resp:
			return nil
		default:
			return fmt.Errorf("node: InstallSnapshot replyChan unexpectedly full")
		}
	}
	n.runInProcessor(f)
	return replyChan
}

// ProcessRequestVoteAsync submits an inbound RequestVote request from from
// for processing on the node's single goroutine.
func (n *Node) ProcessRequestVoteAsync(
	from raftcore.ServerId,
	req raftcore.VoteRequest,
) <-chan raftcore.VoteResponse {
	replyChan := make(chan raftcore.VoteResponse, 1)
	f := func() error {
		resp, err := n.module.ProcessRequestVote(req)
		if err != nil {
			return err
		}
		n.noteRoleChange()
		if resp.VoteGranted {
			n.resetElectionTimer()
		}
		select {
		case replyChan <- resp:
			return nil
		default:
			return fmt.Errorf("node: RequestVote replyChan unexpectedly full")
		}
	}
	n.runInProcessor(f)
	return replyChan
}
