package walmem

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

func TestStore_CommitAppliesHeaderAndPayload(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("hello")
	header := wal.EventHeader{Id: uuid.New(), Digest: digestOf(payload), Timestamp: time.Now(), Intent: uuid.New(), Kind: "test"}
	if err := s.WriteEntry(ctx, tx, wal.WalOperation{Kind: wal.OpCommitEvent, Header: header, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitTx(ctx, tx); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Header(ctx, header.Id)
	if err != nil || !ok {
		t.Fatalf("Header() = %v, %v, %v", got, ok, err)
	}
	p, ok, err := s.PayloadBytes(ctx, header.Digest)
	if err != nil || !ok || string(p) != "hello" {
		t.Fatalf("PayloadBytes() = %q, %v, %v", p, ok, err)
	}
}

func TestStore_RollbackAppliesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}

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

func TestStore_WriteAfterCommitIsError(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.BeginTx(ctx)
	if err := s.CommitTx(ctx, tx); err != nil {
		t.Fatal(err)
	}
	err := s.WriteEntry(ctx, tx, wal.WalOperation{Kind: wal.OpCommitEvent})
	if err == nil {
		t.Fatal("expected error writing to committed transaction")
	}
}

// TestStore_RecoverAppliesOnlyCommittedTransactions models a crash after a
// committed transaction and an abandoned (never committed or rolled back)
// transaction: recover() must apply the former and roll back the latter.
func TestStore_RecoverAppliesOnlyCommittedTransactions(t *testing.T) {
	ctx := context.Background()
	s := New()

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
	// Crash before commit or rollback: abandonedTx stays Active.

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

// TestStore_RecoverIsIdempotent ensures running recover() twice in a row
// (e.g. a crash during recovery itself) does not double-apply anything or
// change the outcome.
func TestStore_RecoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

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

func TestStore_PayloadDedupByDigest(t *testing.T) {
	ctx := context.Background()
	s := New()

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

	if len(s.payloads) != 1 {
		t.Fatalf("len(payloads) = %d, want 1 (deduped by digest)", len(s.payloads))
	}
	if _, ok, _ := s.Header(ctx, h1.Id); !ok {
		t.Fatal("expected h1 header present")
	}
	if _, ok, _ := s.Header(ctx, h2.Id); !ok {
		t.Fatal("expected h2 header present")
	}
}

func TestStore_CheckpointMarksWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	s := New()

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

	if len(s.entries) == 0 {
		t.Fatal("expected checkpointed entries to remain in the log")
	}
	found := false
	for _, e := range s.entries {
		if e.State == wal.StateCheckpointed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected at least one entry marked Checkpointed")
	}

	if _, ok, _ := s.Header(ctx, header.Id); !ok {
		t.Fatal("header should remain queryable after checkpoint")
	}
}
