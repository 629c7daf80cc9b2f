// Package testdata holds the timing constants and fixture data shared by
// tests across the module, so that e.g. node's integration tests and
// consensus's unit tests agree on what "a tick" and "an election timeout"
// mean.
package testdata

import (
	"time"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/config"
)

const (
	ThisServerId = raftcore.ServerId("101")

	// Start as follower at term 7 so that a leader elected during a test
	// lands at term 8, matching the Figure 7 log used below.
	CurrentTerm = raftcore.Term(7)

	TickerDuration     = 30 * time.Millisecond
	ElectionTimeoutLow = 150 * time.Millisecond
	HeartbeatInterval  = 15 * time.Millisecond

	SleepToLetGoroutineRun = 10 * time.Millisecond
	SleepJustMoreThanATick = TickerDuration + SleepToLetGoroutineRun

	MaxEntriesPerAppendEntry = 3
)

var AllServerIds = []raftcore.ServerId{ThisServerId, "102", "103", "104", "105"}

// MakeFigure7LeaderLineTerms returns the 10-entry log term sequence from
// the Raft paper's Figure 7, leader line: used to build logs in a known,
// non-trivial state for consensus and node tests.
func MakeFigure7LeaderLineTerms() []raftcore.Term {
	return []raftcore.Term{1, 1, 1, 4, 4, 5, 5, 6, 6, 6}
}

// TimeSettingsForTests returns the standard TimeSettings used throughout
// the test suite: real but small enough that tests finish quickly, and far
// enough apart that scheduling jitter doesn't cause spurious elections.
func TimeSettingsForTests() config.TimeSettings {
	return config.TimeSettings{
		ElectionTimeoutLow: ElectionTimeoutLow,
		HeartbeatInterval:  HeartbeatInterval,
		TickerDuration:     TickerDuration,
	}
}
