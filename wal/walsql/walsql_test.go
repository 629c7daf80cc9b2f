package walsql

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corelattice/raftcore/wal"
)

func digestOf(payload []byte) wal.Digest {
	return sha256.Sum256(payload)
}

func openMem(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CommitAppliesHeaderAndPayload(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello")
	intent := uuid.New()
	parents := []uuid.UUID{uuid.New()}
	header := wal.EventHeader{Id: uuid.New(), Parents: parents, Digest: digestOf(payload), Timestamp: time.Now(), Intent: intent, Kind: "test"}
	if err := s.WriteEntry(ctx, tx, wal.WalOperation{Kind: wal.OpCommitEvent, Header: header, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitTx(ctx, tx); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Header(ctx, header.Id)
	if err != nil || !ok || got.Intent != intent || got.Kind != "test" || len(got.Parents) != len(parents) || got.Parents[0] != parents[0] {
		t.Fatalf("Header() = %+v, %v, %v", got, ok, err)
	}
	p, ok, err := s.PayloadBytes(ctx, header.Digest)
	if err != nil || !ok || string(p) != "hello" {
		t.Fatalf("PayloadBytes() = %q, %v, %v", p, ok, err)
	}
}

func TestStore_MissingHeaderAndPayload(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	if _, ok, err := s.Header(ctx, uuid.New()); ok || err != nil {
		t.Fatalf("Header() for unknown id = ok:%v err:%v, want false, nil", ok, err)
	}
	var zero wal.Digest
	if _, ok, err := s.PayloadBytes(ctx, zero); ok || err != nil {
		t.Fatalf("PayloadBytes() for unknown digest = ok:%v err:%v, want false, nil", ok, err)
	}
}

func TestStore_RollbackAppliesNothing(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, _ := s.BeginTx(ctx)
	payload := []byte("abandoned")
	header := wal.EventHeader{Id: uuid.New(), Digest: digestOf(payload), Timestamp: time.Now(), Intent: uuid.New(), Kind: "test"}
	if err := s.WriteEntry(ctx, tx, wal.WalOperation{Kind: wal.OpCommitEvent, Header: header, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if err := s.RollbackTx(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Header(ctx, header.Id); ok {
		t.Fatal("expected no header after rollback")
	}
}

func TestStore_WriteAfterTerminalIsError(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, _ := s.BeginTx(ctx)
	if err := s.CommitTx(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteEntry(ctx, tx, wal.WalOperation{Kind: wal.OpCommitEvent}); err == nil {
		t.Fatal("expected error writing to a committed transaction")
	}
}

func TestStore_PayloadDedupByDigest(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	shared := []byte("same-bytes")
	d := digestOf(shared)

	tx1, _ := s.BeginTx(ctx)
	h1 := wal.EventHeader{Id: uuid.New(), Digest: d, Timestamp: time.Now(), Intent: uuid.New(), Kind: "test"}
	if err := s.WriteEntry(ctx, tx1, wal.WalOperation{Kind: wal.OpCommitEvent, Header: h1, Payload: shared}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitTx(ctx, tx1); err != nil {
		t.Fatal(err)
	}

	tx2, _ := s.BeginTx(ctx)
	h2 := wal.EventHeader{Id: uuid.New(), Digest: d, Timestamp: time.Now(), Intent: uuid.New(), Kind: "test"}
	if err := s.WriteEntry(ctx, tx2, wal.WalOperation{Kind: wal.OpCommitEvent, Header: h2, Payload: shared}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitTx(ctx, tx2); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_payloads`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("event_payloads count = %d, want 1 (deduped by digest)", count)
	}
	if _, ok, _ := s.Header(ctx, h1.Id); !ok {
		t.Fatal("expected h1 header present")
	}
	if _, ok, _ := s.Header(ctx, h2.Id); !ok {
		t.Fatal("expected h2 header present")
	}
}

// TestStore_RecoverAppliesOnlyCommittedTransactions models reopening after
// a crash: a committed transaction's events must be applied by Recover,
// an abandoned (never committed or rolled back) transaction must not be.
func TestStore_RecoverAppliesOnlyCommittedTransactions(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	committedTx, _ := s.BeginTx(ctx)
	committedPayload := []byte("durable")
	committedHeader := wal.EventHeader{Id: uuid.New(), Digest: digestOf(committedPayload), Timestamp: time.Now(), Intent: uuid.New(), Kind: "test"}
	if err := s.WriteEntry(ctx, committedTx, wal.WalOperation{Kind: wal.OpCommitEvent, Header: committedHeader, Payload: committedPayload}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitTx(ctx, committedTx); err != nil {
		t.Fatal(err)
	}

	abandonedTx, _ := s.BeginTx(ctx)
	abandonedPayload := []byte("lost")
	abandonedHeader := wal.EventHeader{Id: uuid.New(), Digest: digestOf(abandonedPayload), Timestamp: time.Now(), Intent: uuid.New(), Kind: "test"}
	if err := s.WriteEntry(ctx, abandonedTx, wal.WalOperation{Kind: wal.OpCommitEvent, Header: abandonedHeader, Payload: abandonedPayload}); err != nil {
		t.Fatal(err)
	}

	report, err := s.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.TransactionsCommitted != 1 || report.TransactionsRolledBack != 1 {
		t.Fatalf("report = %+v, want 1 committed, 1 rolled back", report)
	}

	if _, ok, _ := s.Header(ctx, committedHeader.Id); !ok {
		t.Fatal("expected committed header to survive recovery")
	}
	if _, ok, _ := s.Header(ctx, abandonedHeader.Id); ok {
		t.Fatal("expected abandoned header to not be applied")
	}
}

func TestStore_RecoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, _ := s.BeginTx(ctx)
	payload := []byte("dupe-safe")
	header := wal.EventHeader{Id: uuid.New(), Digest: digestOf(payload), Timestamp: time.Now(), Intent: uuid.New(), Kind: "test"}
	if err := s.WriteEntry(ctx, tx, wal.WalOperation{Kind: wal.OpCommitEvent, Header: header, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitTx(ctx, tx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	p, ok, err := s.PayloadBytes(ctx, header.Digest)
	if err != nil || !ok || string(p) != "dupe-safe" {
		t.Fatalf("PayloadBytes() = %q, %v, %v", p, ok, err)
	}
}

func TestStore_CheckpointRetainsRows(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, _ := s.BeginTx(ctx)
	payload := []byte("checkpoint-me")
	header := wal.EventHeader{Id: uuid.New(), Digest: digestOf(payload), Timestamp: time.Now(), Intent: uuid.New(), Kind: "test"}
	if err := s.WriteEntry(ctx, tx, wal.WalOperation{Kind: wal.OpCommitEvent, Header: header, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitTx(ctx, tx); err != nil {
		t.Fatal(err)
	}

	seq, err := s.CurrentSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Checkpoint(ctx, seq); err != nil {
		t.Fatal(err)
	}

	var count, checkpointed int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_entries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wal_entries WHERE state = ?`, int(wal.StateCheckpointed)).Scan(&checkpointed); err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Fatal("expected checkpointed rows to remain in wal_entries")
	}
	if checkpointed == 0 {
		t.Fatal("expected at least one row marked Checkpointed")
	}
	if _, ok, _ := s.Header(ctx, header.Id); !ok {
		t.Fatal("header should remain queryable after checkpoint")
	}
}
