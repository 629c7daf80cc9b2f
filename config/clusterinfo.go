// Package config holds cluster membership and timing configuration shared
// by the consensus and node packages: ClusterInfo (quorum arithmetic),
// TimeSettings (election/heartbeat cadence), NodeConfig and StorageConfig.
package config

import (
	"errors"
	"fmt"

	"github.com/corelattice/raftcore"
)

// ClusterInfo holds the ServerIds of the servers in the Raft cluster and
// provides quorum arithmetic over them.
type ClusterInfo struct {
	thisServerId ServerId

	// Excludes thisServerId.
	peerServerIds []ServerId

	clusterSize          uint
	quorumSizeForCluster uint
}

// ServerId aliases raftcore.ServerId so callers of this package don't need
// to import both.
type ServerId = raftcore.ServerId

// NewClusterInfo allocates and validates a ClusterInfo.
//
//   - ServerIds must be distinct non-empty strings.
//   - allServerIds must list every server in the cluster, including
//     thisServerId.
//   - allServerIds must contain at least 1 element.
func NewClusterInfo(allServerIds []ServerId, thisServerId ServerId) (*ClusterInfo, error) {
	if allServerIds == nil {
		return nil, errors.New("config: allServerIds is nil")
	}
	if len(allServerIds) < 1 {
		return nil, errors.New("config: allServerIds must have at least 1 element")
	}
	if len(thisServerId) == 0 {
		return nil, errors.New("config: thisServerId is empty string")
	}

	seen := make(map[ServerId]bool, len(allServerIds))
	clusterSize := len(allServerIds)
	peerServerIds := make([]ServerId, 0, clusterSize-1)
	for _, id := range allServerIds {
		if len(id) == 0 {
			return nil, errors.New("config: allServerIds contains empty string")
		}
		if seen[id] {
			return nil, fmt.Errorf("config: allServerIds contains duplicate value: %v", id)
		}
		seen[id] = true
		if id != thisServerId {
			peerServerIds = append(peerServerIds, id)
		}
	}

	if !seen[thisServerId] {
		return nil, fmt.Errorf("config: allServerIds does not contain thisServerId: %v", thisServerId)
	}

	return &ClusterInfo{
		thisServerId:         thisServerId,
		peerServerIds:        peerServerIds,
		clusterSize:          uint(clusterSize),
		quorumSizeForCluster: QuorumSizeForClusterSize(uint(clusterSize)),
	}, nil
}

// GetThisServerId returns the ServerId of "this" server.
func (ci *ClusterInfo) GetThisServerId() ServerId {
	return ci.thisServerId
}

// PeerServerIds returns the ServerIds of every server except this one.
func (ci *ClusterInfo) PeerServerIds() []ServerId {
	out := make([]ServerId, len(ci.peerServerIds))
	copy(out, ci.peerServerIds)
	return out
}

// ForEachPeer calls f with the ServerId of every peer, stopping at the
// first error.
func (ci *ClusterInfo) ForEachPeer(f func(serverId ServerId) error) error {
	for _, id := range ci.peerServerIds {
		if err := f(id); err != nil {
			return err
		}
	}
	return nil
}

// GetClusterSize returns the number of servers in the cluster.
func (ci *ClusterInfo) GetClusterSize() uint {
	return ci.clusterSize
}

// QuorumSizeForCluster returns the quorum size for this cluster.
func (ci *ClusterInfo) QuorumSizeForCluster() uint {
	return ci.quorumSizeForCluster
}

// IsPeer reports whether id names a peer (not this server, but a member of
// the cluster).
func (ci *ClusterInfo) IsPeer(id ServerId) bool {
	for _, p := range ci.peerServerIds {
		if p == id {
			return true
		}
	}
	return false
}

// IsMember reports whether id names any member of the cluster, including
// this server.
func (ci *ClusterInfo) IsMember(id ServerId) bool {
	return id == ci.thisServerId || ci.IsPeer(id)
}

// QuorumSizeForClusterSize returns the quorum size (strict majority) for a
// cluster of the given size.
func QuorumSizeForClusterSize(clusterSize uint) uint {
	return (clusterSize / 2) + 1
}
