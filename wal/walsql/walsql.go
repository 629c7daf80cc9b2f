// Package walsql implements wal.WriteAheadLog backed by an embedded SQLite
// database, the production-default storage backend. Schema and
// transactional algorithm (payload dedup by digest via INSERT OR IGNORE,
// header upsert via INSERT OR REPLACE, sequence-ordered recovery grouped
// by transaction) are grounded on toka-store-sqlite's SqliteBackend.
package walsql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/wal"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_headers (
	id BLOB PRIMARY KEY,
	parents TEXT NOT NULL DEFAULT '[]',
	digest BLOB NOT NULL,
	timestamp TEXT NOT NULL,
	intent TEXT NOT NULL,
	kind TEXT NOT NULL
) STRICT;

CREATE TABLE IF NOT EXISTS event_payloads (
	digest BLOB PRIMARY KEY,
	payload_data BLOB NOT NULL
) STRICT;

CREATE TABLE IF NOT EXISTS wal_entries (
	id BLOB PRIMARY KEY,
	transaction_id BLOB NOT NULL,
	sequence_number INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	operation_kind INTEGER NOT NULL,
	operation_data BLOB NOT NULL,
	state INTEGER NOT NULL,
	UNIQUE(sequence_number)
) STRICT;

CREATE INDEX IF NOT EXISTS idx_wal_entries_transaction_id ON wal_entries(transaction_id);
CREATE INDEX IF NOT EXISTS idx_wal_entries_sequence_number ON wal_entries(sequence_number);
CREATE INDEX IF NOT EXISTS idx_wal_entries_state ON wal_entries(state);
CREATE INDEX IF NOT EXISTS idx_event_headers_intent ON event_headers(intent);
CREATE INDEX IF NOT EXISTS idx_event_headers_kind ON event_headers(kind);
`

// operationData is the JSON-serialized payload of a wal.WalOperation, kept
// separate from its Kind/TransactionId so those remain directly queryable
// columns.
type operationData struct {
	TransactionId uuid.UUID   `json:"transaction_id,omitempty"`
	HeaderId      uuid.UUID   `json:"header_id,omitempty"`
	HeaderParents []uuid.UUID `json:"header_parents,omitempty"`
	HeaderDigest  wal.Digest  `json:"header_digest,omitempty"`
	HeaderTime    time.Time   `json:"header_time,omitempty"`
	HeaderIntent  uuid.UUID   `json:"header_intent,omitempty"`
	HeaderKind    string      `json:"header_kind,omitempty"`
	Payload       []byte      `json:"payload,omitempty"`
	CheckpointSeq uint64      `json:"checkpoint_seq,omitempty"`
}

func encodeOperation(op wal.WalOperation) ([]byte, error) {
	return json.Marshal(operationData{
		TransactionId: op.TransactionId,
		HeaderId:      op.Header.Id,
		HeaderParents: op.Header.Parents,
		HeaderDigest:  op.Header.Digest,
		HeaderTime:    op.Header.Timestamp,
		HeaderIntent:  op.Header.Intent,
		HeaderKind:    op.Header.Kind,
		Payload:       op.Payload,
		CheckpointSeq: op.CheckpointSeq,
	})
}

func decodeOperation(kind wal.WalOperationKind, data []byte) (wal.WalOperation, error) {
	var d operationData
	if err := json.Unmarshal(data, &d); err != nil {
		return wal.WalOperation{}, err
	}
	return wal.WalOperation{
		Kind:          kind,
		TransactionId: d.TransactionId,
		Header: wal.EventHeader{
			Id:        d.HeaderId,
			Parents:   d.HeaderParents,
			Digest:    d.HeaderDigest,
			Timestamp: d.HeaderTime,
			Intent:    d.HeaderIntent,
			Kind:      d.HeaderKind,
		},
		Payload:       d.Payload,
		CheckpointSeq: d.CheckpointSeq,
	}, nil
}

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

// Store is a SQLite-backed wal.WriteAheadLog.
type Store struct {
	db *sql.DB

	seqMu   sync.Mutex
	nextSeq uint64

	txMu sync.Mutex
	txs  map[wal.TxId]txState

	// Metrics, if set, observes write/commit/rollback/recovery activity.
	Metrics *wal.Metrics
}

// SetMetrics attaches a Metrics collector. Not safe to call concurrently
// with other Store methods.
func (s *Store) SetMetrics(m *wal.Metrics) { s.Metrics = m }

var _ wal.WriteAheadLog = (*Store)(nil)

// Open opens (creating if absent) a SQLite database at dsn and applies the
// schema. Use ":memory:" for an ephemeral in-process store, as
// toka-store-sqlite's tests do via SqliteBackend::in_memory.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wal.WrapStorageError("open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention.

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, wal.WrapStorageError("apply wal schema", err)
	}

	s := &Store{db: db, txs: make(map[wal.TxId]txState)}

	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_number), 0) FROM wal_entries`)
	if err := row.Scan(&s.nextSeq); err != nil {
		db.Close()
		return nil, wal.WrapStorageError("load wal sequence watermark", err)
	}

	if err := s.loadTransactionStates(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadTransactionStates(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT transaction_id FROM wal_entries`)
	if err != nil {
		return wal.WrapStorageError("load wal transaction ids", err)
	}
	defer rows.Close()

	for rows.Next() {
		var txId uuid.UUID
		if err := rows.Scan(&txId); err != nil {
			return wal.WrapStorageError("scan wal transaction id", err)
		}
		committed, err := s.hasTerminalEntry(ctx, txId, wal.OpCommitTx, wal.StateCommitted)
		if err != nil {
			return err
		}
		if committed {
			s.txs[txId] = txCommitted
			continue
		}
		rolledBack, err := s.hasTerminalEntry(ctx, txId, wal.OpRollbackTx, wal.StateRolledBack)
		if err != nil {
			return err
		}
		if rolledBack {
			s.txs[txId] = txRolledBack
			continue
		}
		s.txs[txId] = txActive
	}
	return rows.Err()
}

func (s *Store) hasTerminalEntry(ctx context.Context, txId wal.TxId, kind wal.WalOperationKind, state wal.WalEntryState) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wal_entries WHERE transaction_id = ? AND operation_kind = ? AND state = ?`,
		txId[:], int(kind), int(state),
	).Scan(&n)
	if err != nil {
		return false, wal.WrapStorageError("check wal terminal entry", err)
	}
	return n > 0, nil
}

func (s *Store) nextSequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, txId wal.TxId, op wal.WalOperation, state wal.WalEntryState) error {
	data, err := encodeOperation(op)
	if err != nil {
		return wal.WrapStorageError("encode wal operation", err)
	}
	id := uuid.New()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO wal_entries (id, transaction_id, sequence_number, timestamp, operation_kind, operation_data, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id[:], txId[:], s.nextSequence(), time.Now().Format(time.RFC3339Nano), int(op.Kind), data, int(state),
	)
	if err != nil {
		return wal.WrapStorageError("insert wal entry", err)
	}
	return nil
}

// BeginTx opens a new transaction and logs a BeginTx entry.
func (s *Store) BeginTx(ctx context.Context) (wal.TxId, error) {
	txId := uuid.New()
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wal.TxId{}, wal.WrapStorageError("begin sqlite transaction", err)
	}
	if err := s.insertEntry(ctx, dbTx, txId, wal.WalOperation{Kind: wal.OpBeginTx, TransactionId: txId}, wal.StatePending); err != nil {
		dbTx.Rollback()
		return wal.TxId{}, err
	}
	if err := dbTx.Commit(); err != nil {
		return wal.TxId{}, wal.WrapStorageError("commit begin-transaction entry", err)
	}

	s.txMu.Lock()
	s.txs[txId] = txActive
	s.txMu.Unlock()
	return txId, nil
}

func (s *Store) requireActive(txId wal.TxId) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	st, ok := s.txs[txId]
	if !ok || st != txActive {
		return &raftcore.InvalidStateError{Detail: fmt.Sprintf("wal transaction %s is not active", txId)}
	}
	return nil
}

// WriteEntry appends op to the named active transaction.
func (s *Store) WriteEntry(ctx context.Context, txId wal.TxId, op wal.WalOperation) error {
	if err := s.requireActive(txId); err != nil {
		return err
	}
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wal.WrapStorageError("begin sqlite transaction", err)
	}
	if err := s.insertEntry(ctx, dbTx, txId, op, wal.StatePending); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return wal.WrapStorageError("commit wal entry", err)
	}
	if s.Metrics != nil {
		s.Metrics.ObserveWrite()
	}
	return nil
}

// commitEvent applies one CommitEvent operation: the payload is inserted
// only if this digest hasn't been stored before (content dedup), and the
// header is upserted by id.
func commitEvent(ctx context.Context, tx *sql.Tx, header wal.EventHeader, payload []byte) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_payloads (digest, payload_data) VALUES (?, ?)`,
		header.Digest[:], payload,
	); err != nil {
		return wal.WrapStorageError("insert event payload", err)
	}
	parents, err := json.Marshal(header.Parents)
	if err != nil {
		return wal.WrapStorageError("encode event header parents", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO event_headers (id, parents, digest, timestamp, intent, kind) VALUES (?, ?, ?, ?, ?, ?)`,
		header.Id[:], string(parents), header.Digest[:], header.Timestamp.Format(time.RFC3339Nano), header.Intent.String(), header.Kind,
	); err != nil {
		return wal.WrapStorageError("upsert event header", err)
	}
	return nil
}

func (s *Store) opsForTransaction(ctx context.Context, txId wal.TxId) ([]wal.WalOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_kind, operation_data FROM wal_entries WHERE transaction_id = ? ORDER BY sequence_number ASC`,
		txId[:],
	)
	if err != nil {
		return nil, wal.WrapStorageError("query wal entries for transaction", err)
	}
	defer rows.Close()

	var ops []wal.WalOperation
	for rows.Next() {
		var kind int
		var data []byte
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, wal.WrapStorageError("scan wal entry", err)
		}
		op, err := decodeOperation(wal.WalOperationKind(kind), data)
		if err != nil {
			return nil, wal.WrapStorageError("decode wal operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// CommitTx applies every CommitEvent op the transaction logged, marks all
// of its entries Committed, and logs a terminal CommitTx entry.
func (s *Store) CommitTx(ctx context.Context, txId wal.TxId) error {
	if err := s.requireActive(txId); err != nil {
		return err
	}

	ops, err := s.opsForTransaction(ctx, txId)
	if err != nil {
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wal.WrapStorageError("begin sqlite transaction", err)
	}

	for _, op := range ops {
		if op.Kind != wal.OpCommitEvent {
			continue
		}
		if err := commitEvent(ctx, dbTx, op.Header, op.Payload); err != nil {
			dbTx.Rollback()
			return err
		}
	}

	if err := s.insertEntry(ctx, dbTx, txId, wal.WalOperation{Kind: wal.OpCommitTx, TransactionId: txId}, wal.StateCommitted); err != nil {
		dbTx.Rollback()
		return err
	}
	if _, err := dbTx.ExecContext(ctx, `UPDATE wal_entries SET state = ? WHERE transaction_id = ?`, int(wal.StateCommitted), txId[:]); err != nil {
		dbTx.Rollback()
		return wal.WrapStorageError("mark transaction committed", err)
	}

	if err := dbTx.Commit(); err != nil {
		return wal.WrapStorageError("commit transaction", err)
	}

	s.txMu.Lock()
	s.txs[txId] = txCommitted
	s.txMu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ObserveCommit()
	}
	return nil
}

// RollbackTx discards the transaction: no CommitEvent op is applied, and
// every entry the transaction logged is marked RolledBack.
func (s *Store) RollbackTx(ctx context.Context, txId wal.TxId) error {
	if err := s.requireActive(txId); err != nil {
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wal.WrapStorageError("begin sqlite transaction", err)
	}
	if err := s.insertEntry(ctx, dbTx, txId, wal.WalOperation{Kind: wal.OpRollbackTx, TransactionId: txId}, wal.StateRolledBack); err != nil {
		dbTx.Rollback()
		return err
	}
	if _, err := dbTx.ExecContext(ctx, `UPDATE wal_entries SET state = ? WHERE transaction_id = ?`, int(wal.StateRolledBack), txId[:]); err != nil {
		dbTx.Rollback()
		return wal.WrapStorageError("mark transaction rolled back", err)
	}
	if err := dbTx.Commit(); err != nil {
		return wal.WrapStorageError("commit rollback", err)
	}

	s.txMu.Lock()
	s.txs[txId] = txRolledBack
	s.txMu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ObserveRollback()
	}
	return nil
}

// Commit durably applies header/payload with no enclosing transaction: a
// single CommitEvent entry, logged already-Committed with the nil
// TransactionId. Used by the recovery apply step and by callers that don't
// need a BeginTx/CommitTx pair around a single event.
func (s *Store) Commit(ctx context.Context, header wal.EventHeader, payload []byte) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wal.WrapStorageError("begin sqlite transaction", err)
	}
	if err := s.insertEntry(ctx, dbTx, uuid.Nil, wal.WalOperation{Kind: wal.OpCommitEvent, Header: header, Payload: payload}, wal.StateCommitted); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := commitEvent(ctx, dbTx, header, payload); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return wal.WrapStorageError("commit wal entry", err)
	}
	if s.Metrics != nil {
		s.Metrics.ObserveCommit()
	}
	return nil
}

// Header returns the header with the given id, if any.
func (s *Store) Header(ctx context.Context, id wal.EventId) (wal.EventHeader, bool, error) {
	if s.Metrics != nil {
		s.Metrics.ObserveRead()
	}
	var h wal.EventHeader
	var digest []byte
	var ts, intent, parents string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, parents, digest, timestamp, intent, kind FROM event_headers WHERE id = ?`, id[:],
	).Scan(&h.Id, &parents, &digest, &ts, &intent, &h.Kind)
	if err == sql.ErrNoRows {
		return wal.EventHeader{}, false, nil
	}
	if err != nil {
		return wal.EventHeader{}, false, wal.WrapStorageError("query event header", err)
	}
	copy(h.Digest[:], digest)
	h.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return wal.EventHeader{}, false, wal.WrapStorageError("parse event header timestamp", err)
	}
	h.Intent, err = uuid.Parse(intent)
	if err != nil {
		return wal.EventHeader{}, false, wal.WrapStorageError("parse event header intent", err)
	}
	if err := json.Unmarshal([]byte(parents), &h.Parents); err != nil {
		return wal.EventHeader{}, false, wal.WrapStorageError("decode event header parents", err)
	}
	return h, true, nil
}

// PayloadBytes returns the payload stored under digest.
func (s *Store) PayloadBytes(ctx context.Context, digest wal.Digest) ([]byte, bool, error) {
	if s.Metrics != nil {
		s.Metrics.ObserveRead()
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload_data FROM event_payloads WHERE digest = ?`, digest[:]).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wal.WrapStorageError("query event payload", err)
	}
	return payload, true, nil
}

type recoveryRow struct {
	txId     wal.TxId
	sequence uint64
	kind     wal.WalOperationKind
	op       wal.WalOperation
	state    wal.WalEntryState
}

// Recover replays every wal_entries row in sequence order: transactions
// with a Committed CommitTx entry are applied (idempotently, via the same
// dedup/upsert commitEvent path); every other transaction is rolled back.
// Deserialization failures on individual rows are recorded in
// RecoveryErrors and skipped rather than aborting the whole pass.
func (s *Store) Recover(ctx context.Context) (wal.RecoveryReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, sequence_number, operation_kind, operation_data, state FROM wal_entries ORDER BY sequence_number ASC`,
	)
	if err != nil {
		return wal.RecoveryReport{}, wal.WrapStorageError("query wal entries for recovery", err)
	}

	var all []recoveryRow
	report := wal.RecoveryReport{}
	for rows.Next() {
		var r recoveryRow
		var kind, state int
		var data []byte
		if err := rows.Scan(&r.txId, &r.sequence, &kind, &data, &state); err != nil {
			rows.Close()
			return report, wal.WrapStorageError("scan wal entry for recovery", err)
		}
		r.kind = wal.WalOperationKind(kind)
		r.state = wal.WalEntryState(state)
		op, err := decodeOperation(r.kind, data)
		if err != nil {
			report.RecoveryErrors = append(report.RecoveryErrors, fmt.Sprintf("sequence %d: %v", r.sequence, err))
			continue
		}
		r.op = op
		all = append(all, r)
		report.EntriesRecovered++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, wal.WrapStorageError("iterate wal entries for recovery", err)
	}

	byTx := make(map[wal.TxId][]recoveryRow)
	order := make([]wal.TxId, 0)
	for _, r := range all {
		if _, seen := byTx[r.txId]; !seen {
			order = append(order, r.txId)
		}
		byTx[r.txId] = append(byTx[r.txId], r)
	}
	sort.Slice(order, func(i, j int) bool {
		return byTx[order[i]][0].sequence < byTx[order[j]][0].sequence
	})

	for _, txId := range order {
		group := byTx[txId]
		hasCommit := false
		for _, r := range group {
			if r.kind == wal.OpCommitTx && r.state == wal.StateCommitted {
				hasCommit = true
				break
			}
		}

		if hasCommit {
			for _, r := range group {
				if r.state == wal.StateCommitted && r.kind == wal.OpCommitEvent {
					dbTx, err := s.db.BeginTx(ctx, nil)
					if err != nil {
						report.RecoveryErrors = append(report.RecoveryErrors, err.Error())
						continue
					}
					if err := commitEvent(ctx, dbTx, r.op.Header, r.op.Payload); err != nil {
						dbTx.Rollback()
						report.RecoveryErrors = append(report.RecoveryErrors, err.Error())
						continue
					}
					if err := dbTx.Commit(); err != nil {
						report.RecoveryErrors = append(report.RecoveryErrors, err.Error())
					}
				}
			}
			report.TransactionsCommitted++
			s.txMu.Lock()
			s.txs[txId] = txCommitted
			s.txMu.Unlock()
			continue
		}

		if err := s.forceRollback(ctx, txId); err != nil {
			report.RecoveryErrors = append(report.RecoveryErrors, err.Error())
			continue
		}
		report.TransactionsRolledBack++
	}

	if s.Metrics != nil {
		s.Metrics.ObserveRecovery(report)
	}
	return report, nil
}

// forceRollback marks a transaction's entries RolledBack during recovery,
// regardless of its current tracked state (an abandoned transaction never
// reached Active in this process's lifetime).
func (s *Store) forceRollback(ctx context.Context, txId wal.TxId) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE wal_entries SET state = ? WHERE transaction_id = ? AND state != ?`,
		int(wal.StateRolledBack), txId[:], int(wal.StateCommitted)); err != nil {
		return wal.WrapStorageError("force rollback wal entries", err)
	}
	s.txMu.Lock()
	s.txs[txId] = txRolledBack
	s.txMu.Unlock()
	return nil
}

// Checkpoint marks every Committed entry with sequence <= seq as
// Checkpointed. Rows are kept, not deleted, for audit purposes.
func (s *Store) Checkpoint(ctx context.Context, seq uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wal_entries SET state = ? WHERE sequence_number <= ? AND state = ?`,
		int(wal.StateCheckpointed), seq, int(wal.StateCommitted),
	)
	if err != nil {
		return wal.WrapStorageError("checkpoint wal entries", err)
	}
	return nil
}

// CurrentSequence returns the highest sequence number assigned so far.
func (s *Store) CurrentSequence(ctx context.Context) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.nextSeq, nil
}
