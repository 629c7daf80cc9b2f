// Package wal defines component C2: a durable, transactional append-only
// store for event headers plus content-deduplicated payloads, with crash
// recovery. Three backends implement WriteAheadLog: walmem (in-memory,
// tests), walfile (single append-only file, production), and walsql
// (embedded SQLite database, production default).
package wal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/corelattice/raftcore"
)

// TxId identifies one WAL transaction, spanning a BeginTx through its
// CommitTx or RollbackTx.
type TxId = uuid.UUID

// EventId identifies one committed event header.
type EventId = uuid.UUID

// Digest is the content hash used to deduplicate payloads: two headers
// whose payloads hash identically share one stored payload row.
type Digest [32]byte

// EventHeader is the durable, queryable metadata for one committed event.
// The payload itself is stored separately, keyed by Digest, so identical
// payloads across many headers are stored once.
type EventHeader struct {
	Id        EventId
	Parents   []uuid.UUID
	Digest    Digest
	Timestamp time.Time
	Intent    uuid.UUID
	Kind      string
}

// WalOperation is the tagged union of actions a WAL entry can record.
// Exactly one field is populated per the Kind discriminant.
type WalOperationKind int

const (
	OpBeginTx WalOperationKind = iota
	OpCommitEvent
	OpCommitTx
	OpRollbackTx
	OpCheckpoint
)

type WalOperation struct {
	Kind WalOperationKind

	// Populated for OpBeginTx, OpCommitTx, OpRollbackTx.
	TransactionId TxId

	// Populated for OpCommitEvent.
	Header  EventHeader
	Payload []byte

	// Populated for OpCheckpoint: every Committed entry at or below this
	// sequence number is being marked Checkpointed.
	CheckpointSeq uint64
}

// WalEntryState tracks one WAL entry through its lifecycle.
type WalEntryState int

const (
	StatePending WalEntryState = iota
	StateCommitted
	StateRolledBack
	StateCheckpointed
)

// WalEntry is one row of the append-only log: a sequence-numbered,
// timestamped WalOperation plus its current lifecycle state.
type WalEntry struct {
	Id            uuid.UUID
	TransactionId TxId
	Sequence      uint64
	Timestamp     time.Time
	Operation     WalOperation
	State         WalEntryState
}

// RecoveryReport summarizes a recover() pass: how many entries were
// scanned and how each transaction was resolved.
type RecoveryReport struct {
	EntriesRecovered       int
	TransactionsCommitted  int
	TransactionsRolledBack int
	EntriesCheckpointed    int
	RecoveryErrors         []string
}

// IssueSeverity classifies how much an IntegrityIssue should worry an
// operator.
type IssueSeverity int

const (
	SeverityWarning IssueSeverity = iota
	SeverityError
	SeverityCritical
)

func (s IssueSeverity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IntegrityIssueType classifies the kind of defect VerifyIntegrity found.
type IntegrityIssueType int

const (
	IssueChecksumMismatch IntegrityIssueType = iota
	IssueOther
)

// IntegrityIssue describes one defect found scanning a backend's durable
// storage for corruption.
type IntegrityIssue struct {
	Type        IntegrityIssueType
	Description string
	LogIndex    uint64
	Severity    IssueSeverity
}

// IntegrityReport summarizes a VerifyIntegrity pass over a backend's
// on-disk state.
type IntegrityReport struct {
	IsValid           bool
	Issues            []IntegrityIssue
	EntriesChecked    int
	SnapshotsChecked  int
	VerificationTime  time.Duration
}

// WriteAheadLog is the durable transactional store interface (component
// C2). Implementations: walmem.Store, walfile.Store, walsql.Store.
//
// Transaction protocol: BeginTx returns a TxId; WriteEntry appends
// CommitEvent operations to that transaction; CommitTx durably marks every
// entry in the transaction as committed and applies each CommitEvent to
// the header/payload tables; RollbackTx marks the transaction (and
// whatever entries it logged) as rolled back without applying anything.
// A transaction with no CommitTx entry by the time recover() runs is
// treated as abandoned and rolled back.
type WriteAheadLog interface {
	BeginTx(ctx context.Context) (TxId, error)
	WriteEntry(ctx context.Context, tx TxId, op WalOperation) error
	CommitTx(ctx context.Context, tx TxId) error
	RollbackTx(ctx context.Context, tx TxId) error

	// Commit durably appends header/payload directly, without a surrounding
	// BeginTx/CommitTx pair. Used by the recovery apply step and by callers
	// that don't need transactional grouping of multiple events.
	Commit(ctx context.Context, header EventHeader, payload []byte) error

	// Header returns the header with the given id, if any header has ever
	// been committed under that id.
	Header(ctx context.Context, id EventId) (EventHeader, bool, error)
	// PayloadBytes returns the payload stored under the given digest.
	PayloadBytes(ctx context.Context, digest Digest) ([]byte, bool, error)

	// Recover replays the log on startup: transactions with a Committed
	// CommitTx entry are applied; all others are rolled back.
	Recover(ctx context.Context) (RecoveryReport, error)

	// Checkpoint marks every Committed entry with sequence <= seq as
	// Checkpointed, permitting (but not requiring) later compaction.
	Checkpoint(ctx context.Context, seq uint64) error

	// CurrentSequence returns the highest sequence number assigned so far.
	CurrentSequence(ctx context.Context) (uint64, error)
}

// WrapStorageError classifies a low-level I/O error into the raftcore
// error taxonomy so callers above the storage layer don't need to inspect
// driver-specific error types.
func WrapStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &raftcore.IoFailedError{Detail: op, Cause: err}
}
