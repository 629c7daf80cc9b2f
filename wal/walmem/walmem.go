// Package walmem implements an in-memory wal.WriteAheadLog for tests and
// ephemeral nodes. It reproduces the transaction/recovery semantics of the
// durable backends without touching disk, grounded on the same
// begin/write/commit/rollback/recover algorithm as walsql.
package walmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/wal"
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

type transaction struct {
	state txState
	ops   []wal.WalOperation
}

// Store is an in-memory wal.WriteAheadLog.
type Store struct {
	mu           sync.RWMutex
	entries      []wal.WalEntry
	transactions map[wal.TxId]*transaction
	headers      map[wal.EventId]wal.EventHeader
	payloads     map[wal.Digest][]byte
	nextSeq      uint64
	now          func() time.Time

	// Metrics, if set, observes write/commit/rollback/recovery activity.
	// Nil by default; set it with SetMetrics before use.
	Metrics *wal.Metrics
}

// SetMetrics attaches a Metrics collector. Not safe to call concurrently
// with other Store methods.
func (s *Store) SetMetrics(m *wal.Metrics) { s.Metrics = m }

var _ wal.WriteAheadLog = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		transactions: make(map[wal.TxId]*transaction),
		headers:      make(map[wal.EventId]wal.EventHeader),
		payloads:     make(map[wal.Digest][]byte),
		now:          time.Now,
	}
}

func (s *Store) nextSequence() uint64 {
	s.nextSeq++
	return s.nextSeq
}

func (s *Store) appendEntry(tx wal.TxId, op wal.WalOperation, state wal.WalEntryState) {
	s.entries = append(s.entries, wal.WalEntry{
		Id:            uuid.New(),
		TransactionId: tx,
		Sequence:      s.nextSequence(),
		Timestamp:     s.now(),
		Operation:     op,
		State:         state,
	})
}

// BeginTx opens a new transaction and logs a BeginTx entry.
func (s *Store) BeginTx(ctx context.Context) (wal.TxId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txId := uuid.New()
	s.transactions[txId] = &transaction{state: txActive}
	s.appendEntry(txId, wal.WalOperation{Kind: wal.OpBeginTx, TransactionId: txId}, wal.StatePending)
	if s.Metrics != nil {
		s.Metrics.ObserveWrite()
	}
	return txId, nil
}

// WriteEntry appends op to the named active transaction.
func (s *Store) WriteEntry(ctx context.Context, tx wal.TxId, op wal.WalOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[tx]
	if !ok || t.state != txActive {
		return &raftcore.InvalidStateError{Detail: fmt.Sprintf("write to unknown or inactive transaction %s", tx)}
	}
	t.ops = append(t.ops, op)
	s.appendEntry(tx, op, wal.StatePending)
	if s.Metrics != nil {
		s.Metrics.ObserveWrite()
	}
	return nil
}

// CommitTx applies every CommitEvent op the transaction logged, marks all
// of its entries Committed, and logs a terminal CommitTx entry.
func (s *Store) CommitTx(ctx context.Context, tx wal.TxId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[tx]
	if !ok || t.state != txActive {
		return &raftcore.InvalidStateError{Detail: fmt.Sprintf("commit of unknown or inactive transaction %s", tx)}
	}

	for _, op := range t.ops {
		if op.Kind == wal.OpCommitEvent {
			s.applyCommitEvent(op.Header, op.Payload)
		}
	}
	s.appendEntry(tx, wal.WalOperation{Kind: wal.OpCommitTx, TransactionId: tx}, wal.StateCommitted)
	s.markTransaction(tx, wal.StateCommitted)
	t.state = txCommitted
	if s.Metrics != nil {
		s.Metrics.ObserveCommit()
	}
	return nil
}

// RollbackTx discards the transaction: no CommitEvent op is applied, and
// every entry the transaction logged is marked RolledBack.
func (s *Store) RollbackTx(ctx context.Context, tx wal.TxId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[tx]
	if !ok || t.state != txActive {
		return &raftcore.InvalidStateError{Detail: fmt.Sprintf("rollback of unknown or inactive transaction %s", tx)}
	}

	s.appendEntry(tx, wal.WalOperation{Kind: wal.OpRollbackTx, TransactionId: tx}, wal.StateRolledBack)
	s.markTransaction(tx, wal.StateRolledBack)
	t.state = txRolledBack
	if s.Metrics != nil {
		s.Metrics.ObserveRollback()
	}
	return nil
}

func (s *Store) markTransaction(tx wal.TxId, state wal.WalEntryState) {
	for i := range s.entries {
		if s.entries[i].TransactionId == tx {
			s.entries[i].State = state
		}
	}
}

// applyCommitEvent dedups the payload by digest and upserts the header, the
// same two-step apply used both for direct commits and for replaying
// committed entries during recovery.
func (s *Store) applyCommitEvent(header wal.EventHeader, payload []byte) {
	if _, exists := s.payloads[header.Digest]; !exists {
		s.payloads[header.Digest] = payload
	}
	s.headers[header.Id] = header
}

// Commit durably applies header/payload directly, logging a standalone
// CommitEvent entry with no enclosing transaction (TransactionId is the
// zero UUID). Used by the recovery apply step and by callers that don't
// need a BeginTx/CommitTx pair around a single event.
func (s *Store) Commit(ctx context.Context, header wal.EventHeader, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyCommitEvent(header, payload)
	s.appendEntry(uuid.Nil, wal.WalOperation{Kind: wal.OpCommitEvent, Header: header, Payload: payload}, wal.StateCommitted)
	if s.Metrics != nil {
		s.Metrics.ObserveCommit()
	}
	return nil
}

// Header returns the most recently committed header for id.
func (s *Store) Header(ctx context.Context, id wal.EventId) (wal.EventHeader, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Metrics != nil {
		s.Metrics.ObserveRead()
	}
	h, ok := s.headers[id]
	return h, ok, nil
}

// PayloadBytes returns the payload stored under digest.
func (s *Store) PayloadBytes(ctx context.Context, digest wal.Digest) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Metrics != nil {
		s.Metrics.ObserveRead()
	}
	p, ok := s.payloads[digest]
	return p, ok, nil
}

// Recover replays the log in sequence order, applying committed
// transactions and rolling back everything else. It is idempotent: calling
// it again after a successful recovery is a no-op because every
// transaction is already terminal.
func (s *Store) Recover(ctx context.Context) (wal.RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := wal.RecoveryReport{EntriesRecovered: len(s.entries)}

	byTx := make(map[wal.TxId][]wal.WalEntry)
	order := make([]wal.TxId, 0)
	for _, e := range s.entries {
		if _, seen := byTx[e.TransactionId]; !seen {
			order = append(order, e.TransactionId)
		}
		byTx[e.TransactionId] = append(byTx[e.TransactionId], e)
	}
	sort.Slice(order, func(i, j int) bool {
		return byTx[order[i]][0].Sequence < byTx[order[j]][0].Sequence
	})

	for _, txId := range order {
		group := byTx[txId]
		hasCommit := false
		for _, e := range group {
			if e.Operation.Kind == wal.OpCommitTx && e.State == wal.StateCommitted {
				hasCommit = true
				break
			}
		}

		if hasCommit {
			for _, e := range group {
				if e.State == wal.StateCommitted && e.Operation.Kind == wal.OpCommitEvent {
					s.applyCommitEvent(e.Operation.Header, e.Operation.Payload)
				}
			}
			report.TransactionsCommitted++
			if t, ok := s.transactions[txId]; ok {
				t.state = txCommitted
			}
			continue
		}

		s.markTransaction(txId, wal.StateRolledBack)
		if t, ok := s.transactions[txId]; ok {
			t.state = txRolledBack
		} else {
			s.transactions[txId] = &transaction{state: txRolledBack}
		}
		report.TransactionsRolledBack++
	}

	if s.Metrics != nil {
		s.Metrics.ObserveRecovery(report)
	}
	return report, nil
}

// Checkpoint marks every Committed entry with sequence <= seq as
// Checkpointed. Checkpointed entries are retained, not deleted.
func (s *Store) Checkpoint(ctx context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].Sequence <= seq && s.entries[i].State == wal.StateCommitted {
			s.entries[i].State = wal.StateCheckpointed
		}
	}
	return nil
}

// CurrentSequence returns the highest sequence number assigned so far.
func (s *Store) CurrentSequence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq, nil
}
