package node

import (
	"go.uber.org/zap"

	"github.com/corelattice/raftcore"
)

// onHeartbeatTick fans AppendEntries out to every peer if this node is
// leader; a no-op otherwise. Each peer gets whatever entries its
// next_index calls for, so a heartbeat and a replication message are the
// same RPC (spec section 5: "an AppendEntries with an empty Entries slice
// serves as a heartbeat").
func (n *Node) onHeartbeatTick() error {
	if n.module.GetServerState() != raftcore.Leader {
		return nil
	}
	n.broadcastAppendEntries()
	return nil
}

func (n *Node) broadcastAppendEntries() {
	for _, peer := range n.ci.PeerServerIds() {
		n.replicateToPeer(peer)
	}
}

func (n *Node) replicateToPeer(peer raftcore.ServerId) {
	ps := n.module.PeerReplicationState(peer)
	if ps == nil {
		return
	}

	boundaryIndex, _ := n.log.SnapshotBoundary()
	if ps.NextIndex <= boundaryIndex {
		// The entries this peer needs have already been compacted away:
		// catch it up with a snapshot instead of AppendEntries (spec
		// section 4.4/6, InstallSnapshot).
		n.sendInstallSnapshotToPeer(peer)
		return
	}

	prevIndex := ps.NextIndex - 1
	prevTerm, _ := n.log.GetTermAtIndex(prevIndex)
	entries := n.log.GetEntriesAfterIndex(prevIndex, n.maxEntriesPerAppend)

	req := raftcore.AppendEntriesRequest{
		Term:         n.module.GetCurrentTerm(),
		LeaderId:     n.ci.GetThisServerId(),
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.log.GetCommitIndex(),
	}

	n.transport.SendAppendEntries(peer, req, func(resp raftcore.AppendEntriesResponse, err error) {
		f := func() error {
			if err != nil {
				return nil // transient transport failure: next tick retries
			}
			committed, _, procErr := n.module.ProcessAppendEntriesReply(peer, req, resp)
			if procErr != nil {
				return procErr
			}
			n.noteRoleChange()
			if resp.Success {
				n.checkReadWaiters(peer, req.Term)
			}
			if committed {
				return n.runApplyLoop()
			}
			return nil
		}
		n.runInProcessor(f)
	})
}

// sendInstallSnapshotToPeer takes a fresh state machine snapshot and ships
// it to peer whole (Offset 0, Done true): grounded on
// original_source/crates/raft-core/src/node.rs's
// process_install_snapshot_request, which accepts an entire snapshot in one
// request rather than chunking it.
func (n *Node) sendInstallSnapshotToPeer(peer raftcore.ServerId) {
	data, err := n.sm.TakeSnapshot()
	if err != nil {
		n.logger.Error("failed to take snapshot for InstallSnapshot", zap.Error(err))
		return
	}
	lastIncludedIndex, lastIncludedTerm := n.log.SnapshotBoundary()

	req := raftcore.InstallSnapshotRequest{
		Term:              n.module.GetCurrentTerm(),
		LeaderId:          n.ci.GetThisServerId(),
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Offset:            0,
		Data:              data,
		Done:              true,
	}

	n.transport.SendInstallSnapshot(peer, req, func(resp raftcore.InstallSnapshotResponse, err error) {
		f := func() error {
			if err != nil {
				return nil // transient transport failure: next tick retries
			}
			committed, _, procErr := n.module.ProcessInstallSnapshotReply(peer, req, resp)
			if procErr != nil {
				return procErr
			}
			n.noteRoleChange()
			if committed {
				return n.runApplyLoop()
			}
			return nil
		}
		n.runInProcessor(f)
	})
}

// onElectionTimeout starts a campaign if this node isn't already leader; a
// leader's own election timer firing is a no-op (its heartbeats are what
// keep everyone else's timer reset). The timer is always rearmed with a
// freshly sampled timeout, win or lose.
func (n *Node) onElectionTimeout() error {
	defer n.resetElectionTimer()

	if n.module.GetServerState() == raftcore.Leader {
		return nil
	}

	req, err := n.module.StartElection()
	if err != nil {
		return err
	}
	n.noteRoleChange()
	n.logger.Info("starting election", zap.Uint64("term", uint64(req.Term)))

	for _, peer := range n.ci.PeerServerIds() {
		peer := peer
		n.transport.SendRequestVote(peer, req, func(resp raftcore.VoteResponse, err error) {
			f := func() error {
				if err != nil {
					return nil
				}
				becameLeader, procErr := n.module.ProcessVoteReply(peer, resp)
				if procErr != nil {
					return procErr
				}
				if resp.VoteGranted {
					n.resetElectionTimer()
				}
				n.noteRoleChange()
				if becameLeader {
					n.logger.Info("became leader", zap.Uint64("term", uint64(n.module.GetCurrentTerm())))
				}
				return nil
			}
			n.runInProcessor(f)
		})
	}
	return nil
}

func (n *Node) resetElectionTimer() {
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.ts.RandomElectionTimeout())
}
