package statemachine

import (
	"testing"

	"github.com/corelattice/raftcore"
)

func TestInMemoryKV_SetAndGet(t *testing.T) {
	kv := NewInMemoryKV()

	result, err := kv.Apply(raftcore.NewCommandEntry(1, 1, []byte("SET key1 value1")))
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "OK" {
		t.Fatalf("Apply(SET) = %q, want OK", result)
	}

	result, err = kv.Apply(raftcore.NewCommandEntry(2, 1, []byte("GET key1")))
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "value1" {
		t.Fatalf("Apply(GET) = %q, want value1", result)
	}
}

func TestInMemoryKV_GetMissingKey(t *testing.T) {
	kv := NewInMemoryKV()
	result, err := kv.Apply(raftcore.NewCommandEntry(1, 1, []byte("GET nope")))
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "NOT_FOUND" {
		t.Fatalf("Apply(GET) = %q, want NOT_FOUND", result)
	}
}

func TestInMemoryKV_UnknownCommand(t *testing.T) {
	kv := NewInMemoryKV()
	result, err := kv.Apply(raftcore.NewCommandEntry(1, 1, []byte("DELETE key1")))
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "UNKNOWN_COMMAND" {
		t.Fatalf("Apply(DELETE) = %q, want UNKNOWN_COMMAND", result)
	}
}

func TestInMemoryKV_NoopEntryIsNoOp(t *testing.T) {
	kv := NewInMemoryKV()
	result, err := kv.Apply(raftcore.NewNoopEntry(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Fatalf("Apply(noop) = %q, want nil", result)
	}
}

func TestInMemoryKV_SnapshotRoundTrip(t *testing.T) {
	kv := NewInMemoryKV()
	if _, err := kv.Apply(raftcore.NewCommandEntry(1, 1, []byte("SET k v"))); err != nil {
		t.Fatal(err)
	}
	snap, err := kv.TakeSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	kv2 := NewInMemoryKV()
	if err := kv2.RestoreFromSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	v, ok := kv2.Get("k")
	if !ok || v != "v" {
		t.Fatalf("Get(k) after restore = %q, %v; want v, true", v, ok)
	}
}
