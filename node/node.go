// Package node implements component C4's active half: the goroutine and
// select loop that drives consensus.Module, owns every timer and the
// transport, and runs the apply loop that feeds committed entries to the
// state machine. consensus.Module itself performs no I/O and starts no
// goroutines (spec section 5); Node is the only thing in this module that
// does, mirroring the single-processor-goroutine design of the teacher's
// impl.ConsensusModule (impl/raft.go) generalized from one ticker to
// separate heartbeat, election-timeout and apply-loop cadences.
package node

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/config"
	"github.com/corelattice/raftcore/consensus"
	"github.com/corelattice/raftcore/eventbus"
)

const runnableChannelBufferSize = 100

// Transport sends RPCs to peers asynchronously and delivers the reply via
// callback, mirroring the RpcService/RpcSendOnly split impl/raft.go
// bridges through SendOnlyRpcAppendEntriesAsync/SendOnlyRpcRequestVoteAsync.
// A callback may run on any goroutine; Node bridges it back onto its own
// select loop so consensus.Module is still only ever touched from one.
type Transport interface {
	SendAppendEntries(to raftcore.ServerId, req raftcore.AppendEntriesRequest, reply func(raftcore.AppendEntriesResponse, error))
	SendRequestVote(to raftcore.ServerId, req raftcore.VoteRequest, reply func(raftcore.VoteResponse, error))

	// SendInstallSnapshot is used by a leader in place of SendAppendEntries
	// when a peer's next_index has fallen at or below the log's snapshot
	// boundary, i.e. the entries it needs have already been compacted away.
	SendInstallSnapshot(to raftcore.ServerId, req raftcore.InstallSnapshotRequest, reply func(raftcore.InstallSnapshotResponse, error))
}

// AppendCommandResult is delivered on the channel AppendCommandAsync
// returns once the command's log entry is applied (or fails to commit).
type AppendCommandResult struct {
	Index  raftcore.LogIndex
	Result []byte
	Err    error
}

// ReadIndexResult is delivered once a linearizable read is safe to serve.
type ReadIndexResult struct {
	CommitIndex raftcore.LogIndex
	Err         error
}

type readWaiter struct {
	commitIndex raftcore.LogIndex
	term        raftcore.Term
	acked       map[raftcore.ServerId]bool
	confirmed   bool
	reply       chan ReadIndexResult
}

// Node wraps a consensus.Module with the goroutine, timers and transport
// that make it an active cluster participant.
type Node struct {
	module *consensus.Module
	log    raftcore.Log
	sm     raftcore.StateMachine
	ci     *config.ClusterInfo
	ts     config.TimeSettings

	transport           Transport
	bus                 *eventbus.Bus
	logger              *zap.Logger
	maxEntriesPerAppend int

	// snapshotThreshold is the lastApplied-minus-boundary distance that
	// triggers a proactive TakeSnapshot+Compact in runApplyLoop. Zero
	// disables threshold-driven snapshotting (the default); set via
	// WithSnapshotThreshold.
	snapshotThreshold raftcore.LogIndex

	runnableChannel chan func() error
	stopSignal      chan struct{}
	stopped         int32
	stopError       atomic.Value

	heartbeatTicker *time.Ticker
	applyTicker     *time.Ticker
	electionTimer   *time.Timer

	lastRole    raftcore.ServerState
	pending     map[raftcore.LogIndex][]chan AppendCommandResult
	readWaiters []*readWaiter
}

// Option configures optional Node behavior.
type Option func(*Node)

// WithMaxEntriesPerAppend overrides the default AppendEntries batch size
// (config.DefaultStorageConfig().MaxEntriesPerRequest).
func WithMaxEntriesPerAppend(n int) Option {
	return func(no *Node) { no.maxEntriesPerAppend = n }
}

// WithSnapshotThreshold enables threshold-driven snapshotting: once
// last_applied exceeds the log's snapshot boundary by n entries, the apply
// loop takes a state machine snapshot and compacts the log up to
// last_applied (config.NodeConfig.SnapshotThreshold).
func WithSnapshotThreshold(n raftcore.LogIndex) Option {
	return func(no *Node) { no.snapshotThreshold = n }
}

// New creates a Node starting as Follower (module always starts that way,
// spec section 5) and starts its processing goroutine.
func New(
	module *consensus.Module,
	l raftcore.Log,
	sm raftcore.StateMachine,
	ci *config.ClusterInfo,
	ts config.TimeSettings,
	transport Transport,
	bus *eventbus.Bus,
	logger *zap.Logger,
	opts ...Option,
) (*Node, error) {
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		module: module, log: l, sm: sm, ci: ci, ts: ts,
		transport:           transport,
		bus:                 bus,
		logger:              logger,
		maxEntriesPerAppend: int(config.DefaultStorageConfig().MaxEntriesPerRequest),
		runnableChannel:     make(chan func() error, runnableChannelBufferSize),
		stopSignal:          make(chan struct{}, 1),
		heartbeatTicker:     time.NewTicker(ts.HeartbeatInterval),
		applyTicker:         time.NewTicker(ts.TickerDuration),
		electionTimer:       time.NewTimer(ts.RandomElectionTimeout()),
		lastRole:            module.GetServerState(),
		pending:             make(map[raftcore.LogIndex][]chan AppendCommandResult),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.processor()
	return n, nil
}

// IsStopped reports whether the processing goroutine has exited.
func (n *Node) IsStopped() bool {
	return atomic.LoadInt32(&n.stopped) != 0
}

// StopAsync requests the processing goroutine stop. Safe to call more than
// once, including after the goroutine has already stopped.
func (n *Node) StopAsync() {
	select {
	case n.stopSignal <- struct{}{}:
	default:
	}
}

// GetStopError returns the error that stopped the node, or nil if it is
// still running or stopped cleanly.
func (n *Node) GetStopError() error {
	if v := n.stopError.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// GetServerState returns the node's current role.
func (n *Node) GetServerState() raftcore.ServerState { return n.module.GetServerState() }

// GetCurrentLeader returns the last known leader, or "" if none is known.
func (n *Node) GetCurrentLeader() raftcore.ServerId { return n.module.GetCurrentLeader() }

func (n *Node) runInProcessor(f func() error) {
	select {
	case n.runnableChannel <- f:
	default:
	}
}

func (n *Node) processor() {
	var stopErr error

loop:
	for {
		select {
		case runnable, ok := <-n.runnableChannel:
			if !ok {
				stopErr = fmt.Errorf("node: runnableChannel closed")
				break loop
			}
			if err := runnable(); err != nil {
				stopErr = err
				break loop
			}
		case <-n.heartbeatTicker.C:
			if err := n.onHeartbeatTick(); err != nil {
				stopErr = err
				break loop
			}
		case <-n.applyTicker.C:
			if err := n.runApplyLoop(); err != nil {
				stopErr = err
				break loop
			}
		case <-n.electionTimer.C:
			if err := n.onElectionTimeout(); err != nil {
				stopErr = err
				break loop
			}
		case <-n.stopSignal:
			break loop
		}
	}

	if stopErr != nil {
		n.stopError.Store(stopErr)
	}
	atomic.StoreInt32(&n.stopped, 1)
	n.runnableChannel = nil // don't close: avoids panics in in-flight transport callbacks
	n.heartbeatTicker.Stop()
	n.applyTicker.Stop()
	n.electionTimer.Stop()
	n.failAllPending(&raftcore.NotLeaderError{})
}

// noteRoleChange publishes a KernelEvent and logs whenever the role
// actually changed since the last check, and fails every pending client
// request if the node just stopped being leader (its uncommitted suffix
// may be truncated by the new leader).
func (n *Node) noteRoleChange() {
	role := n.module.GetServerState()
	if role == n.lastRole {
		return
	}
	leader := n.module.GetCurrentLeader()
	n.logger.Info("role changed",
		zap.String("from", n.lastRole.String()),
		zap.String("to", role.String()),
		zap.Uint64("term", uint64(n.module.GetCurrentTerm())),
	)
	if n.bus != nil {
		_ = n.bus.PublishKernel(raftcore.KernelEvent{
			Kind: raftcore.KernelRoleChanged, Server: n.ci.GetThisServerId(),
			Role: role, Term: n.module.GetCurrentTerm(), Leader: leader, Timestamp: time.Now(),
		})
	}
	if n.lastRole == raftcore.Leader && role != raftcore.Leader {
		n.failAllPending(&raftcore.NotLeaderError{Hint: leader})
	}
	if role == raftcore.Leader {
		n.onBecameLeader()
	}
	n.lastRole = role
}

func (n *Node) failAllPending(err error) {
	for idx, chans := range n.pending {
		for _, ch := range chans {
			select {
			case ch <- AppendCommandResult{Index: idx, Err: err}:
			default:
			}
		}
	}
	n.pending = make(map[raftcore.LogIndex][]chan AppendCommandResult)
	for _, w := range n.readWaiters {
		select {
		case w.reply <- ReadIndexResult{Err: err}:
		default:
		}
	}
	n.readWaiters = nil
}

// onBecameLeader appends a noop entry so commit_index can advance across
// the term boundary without waiting on a client write (spec section 5,
// EntryNoop), and immediately fans out replication instead of waiting for
// the next heartbeat tick.
func (n *Node) onBecameLeader() {
	index := n.log.GetIndexOfLastEntry() + 1
	entry := raftcore.NewNoopEntry(index, n.module.GetCurrentTerm())
	if err := n.log.Append(entry); err != nil {
		n.logger.Error("failed to append leader noop entry", zap.Error(err))
		return
	}
	n.broadcastAppendEntries()
}
