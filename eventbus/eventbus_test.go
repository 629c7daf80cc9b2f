package eventbus

import (
	"testing"
	"time"

	"github.com/corelattice/raftcore"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New(4)
	r := b.Subscribe()
	defer r.Close()

	if err := b.PublishApplied(raftcore.AppliedEntry{Index: 1, Term: 1, AppliedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	d, ok := r.Recv()
	if !ok {
		t.Fatal("expected a delivery")
	}
	if d.Event == nil || d.Event.Applied == nil || d.Event.Applied.Index != 1 {
		t.Fatalf("delivery = %+v, want AppliedEntry{Index:1}", d)
	}
}

func TestBus_PublishWithNoSubscribersIsNoOp(t *testing.T) {
	b := New(4)
	if err := b.PublishApplied(raftcore.AppliedEntry{Index: 1, AppliedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func TestBus_SlowSubscriberObservesLagged(t *testing.T) {
	b := New(2)
	r := b.Subscribe()
	defer r.Close()

	for i := 0; i < 5; i++ {
		if err := b.PublishApplied(raftcore.AppliedEntry{Index: raftcore.LogIndex(i), AppliedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	sawLagged := false
	for i := 0; i < 2; i++ {
		d, ok := r.Recv()
		if !ok {
			t.Fatal("expected a delivery")
		}
		if d.Lagged != nil {
			sawLagged = true
		}
	}
	if !sawLagged {
		t.Fatal("expected at least one Lagged marker after overflowing a capacity-2 buffer with 5 publishes")
	}
}

func TestBus_ValidateRejectsOversizeResult(t *testing.T) {
	b := New(4)
	oversized := make([]byte, MaxStateSnapshotLen+1)
	err := b.PublishApplied(raftcore.AppliedEntry{Index: 1, Result: oversized, AppliedAt: time.Now()})
	if err == nil {
		t.Fatal("expected SizeBoundError for oversize result")
	}
	if _, ok := err.(*raftcore.SizeBoundError); !ok {
		t.Fatalf("expected *raftcore.SizeBoundError, got %T", err)
	}
}

func TestBus_ValidateRejectsStaleTimestamp(t *testing.T) {
	b := New(4)
	err := b.PublishKernel(raftcore.KernelEvent{
		Kind:      raftcore.KernelRoleChanged,
		Timestamp: time.Now().Add(-48 * time.Hour),
	})
	if err == nil {
		t.Fatal("expected rejection for timestamp outside 24h drift window")
	}
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	b := New(4)
	r := b.Subscribe()
	r.Close()

	if err := b.PublishApplied(raftcore.AppliedEntry{Index: 1, AppliedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Recv(); ok {
		t.Fatal("expected closed receiver to report ok=false")
	}
}
