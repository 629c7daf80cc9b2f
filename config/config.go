package config

import (
	"errors"
	"math/rand"
	"time"
)

// TimeSettings bundles the timer cadences the node package drives its
// select loop with.
type TimeSettings struct {
	// ElectionTimeoutLow is the low end of the uniform
	// [low, 2*low] election timeout sampling range. Typical: 150ms.
	ElectionTimeoutLow time.Duration

	// HeartbeatInterval must be strictly less than ElectionTimeoutLow/2.
	// Typical: 50ms.
	HeartbeatInterval time.Duration

	// TickerDuration bounds the apply-loop poll interval. Must be small
	// (spec requires <= 10ms).
	TickerDuration time.Duration
}

// Validate checks the timing invariants from spec section 6:
// heartbeat_interval * 2 < election_timeout_base.
func (ts TimeSettings) Validate() error {
	if ts.ElectionTimeoutLow <= 0 {
		return errors.New("config: ElectionTimeoutLow must be positive")
	}
	if ts.HeartbeatInterval <= 0 {
		return errors.New("config: HeartbeatInterval must be positive")
	}
	if ts.TickerDuration <= 0 {
		return errors.New("config: TickerDuration must be positive")
	}
	if ts.HeartbeatInterval*2 >= ts.ElectionTimeoutLow {
		return errors.New("config: HeartbeatInterval*2 must be less than ElectionTimeoutLow")
	}
	if ts.TickerDuration > 10*time.Millisecond {
		return errors.New("config: TickerDuration must be <= 10ms")
	}
	return nil
}

// RandomElectionTimeout samples a value uniformly from
// [ElectionTimeoutLow, 2*ElectionTimeoutLow).
func (ts TimeSettings) RandomElectionTimeout() time.Duration {
	low := ts.ElectionTimeoutLow
	return low + time.Duration(rand.Int63n(int64(low)))
}

// SyncMode controls how aggressively a WAL backend flushes to durable
// storage before acknowledging a write.
type SyncMode int

const (
	// SyncNone relies on the OS to eventually flush. Permissible only for
	// in-memory/testing variants.
	SyncNone SyncMode = iota
	// SyncDataOnly syncs data pages but not metadata.
	SyncDataOnly
	// SyncFull syncs both data and metadata. Default for production.
	SyncFull
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncDataOnly:
		return "data-only"
	case SyncFull:
		return "full"
	default:
		return "unknown"
	}
}

// StorageConfig configures a WAL backend.
type StorageConfig struct {
	SyncMode             SyncMode
	MaxEntriesPerRequest uint32
	SnapshotRetention    uint32
}

// DefaultStorageConfig returns the production-default storage
// configuration: full fsync, 64 entries per AppendEntries batch, keep the
// latest 3 snapshots.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		SyncMode:             SyncFull,
		MaxEntriesPerRequest: 64,
		SnapshotRetention:    3,
	}
}

// NodeConfig configures a Raft node.
type NodeConfig struct {
	NodeId               ServerId
	Peers                []ServerId
	ElectionTimeoutBase  time.Duration
	HeartbeatInterval    time.Duration
	MaxEntriesPerRequest uint32
	SnapshotThreshold    uint64 // LogIndex distance that triggers a snapshot.
}

// Validate enforces the timing constraint from spec section 6.
func (nc NodeConfig) Validate() error {
	if nc.NodeId == "" {
		return errors.New("config: NodeId must not be empty")
	}
	if nc.HeartbeatInterval*2 >= nc.ElectionTimeoutBase {
		return errors.New("config: HeartbeatInterval*2 must be less than ElectionTimeoutBase")
	}
	if nc.MaxEntriesPerRequest == 0 {
		return errors.New("config: MaxEntriesPerRequest must be positive")
	}
	return nil
}

// AllServerIds returns this node's id followed by its peers, the shape
// config.NewClusterInfo wants for allServerIds.
func (nc NodeConfig) AllServerIds() []ServerId {
	ids := make([]ServerId, 0, len(nc.Peers)+1)
	ids = append(ids, nc.NodeId)
	return append(ids, nc.Peers...)
}

// TimeSettings derives the node package's timer cadences from a
// deployment-facing NodeConfig. TickerDuration isn't user-configurable at
// this layer (spec section 6 just requires it small); it's pinned to 10ms
// unless a fifth of the heartbeat interval is tighter still.
func (nc NodeConfig) TimeSettings() TimeSettings {
	ticker := 10 * time.Millisecond
	if fifth := nc.HeartbeatInterval / 5; fifth > 0 && fifth < ticker {
		ticker = fifth
	}
	return TimeSettings{
		ElectionTimeoutLow: nc.ElectionTimeoutBase,
		HeartbeatInterval:  nc.HeartbeatInterval,
		TickerDuration:     ticker,
	}
}
