// Package candidate holds the volatile vote-tallying state a node keeps
// while campaigning for election.
package candidate

import (
	"fmt"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/config"
)

// VolatileState tracks votes received during one election campaign. A
// candidate votes for itself implicitly on creation.
type VolatileState struct {
	clusterInfo *config.ClusterInfo

	receivedVotes uint
	requiredVotes uint
	votedPeers    map[raftcore.ServerId]bool
}

// New creates a VolatileState for a fresh campaign: the candidate has
// already voted for itself, so receivedVotes starts at 1.
func New(ci *config.ClusterInfo) *VolatileState {
	return &VolatileState{
		clusterInfo:   ci,
		receivedVotes: 1,
		requiredVotes: ci.QuorumSizeForCluster(),
		votedPeers:    make(map[raftcore.ServerId]bool),
	}
}

// AddVoteFrom records a granted vote from peerId and returns whether the
// candidate now has quorum. Duplicate votes from the same peer are
// idempotent. Votes from a non-member are an error.
func (cvs *VolatileState) AddVoteFrom(peerId raftcore.ServerId) (bool, error) {
	if !cvs.clusterInfo.IsPeer(peerId) {
		return false, fmt.Errorf("candidate.VolatileState.AddVoteFrom(): unknown peer: %v", peerId)
	}
	if !cvs.votedPeers[peerId] {
		cvs.votedPeers[peerId] = true
		cvs.receivedVotes++
	}
	return cvs.receivedVotes >= cvs.requiredVotes, nil
}

// ReceivedVotes returns the number of votes received so far, including the
// candidate's vote for itself.
func (cvs *VolatileState) ReceivedVotes() uint {
	return cvs.receivedVotes
}

// RequiredVotes returns the quorum size for this cluster.
func (cvs *VolatileState) RequiredVotes() uint {
	return cvs.requiredVotes
}
