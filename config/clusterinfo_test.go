package config

import "testing"

func TestNewClusterInfo(t *testing.T) {
	ci, err := NewClusterInfo([]ServerId{"s1", "s2", "s3"}, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if ci.GetThisServerId() != "s1" {
		t.Fatal()
	}
	if ci.GetClusterSize() != 3 {
		t.Fatal()
	}
	if ci.QuorumSizeForCluster() != 2 {
		t.Fatal()
	}
	if len(ci.PeerServerIds()) != 2 {
		t.Fatal()
	}
	if !ci.IsPeer("s2") || ci.IsPeer("s1") {
		t.Fatal()
	}
	if !ci.IsMember("s1") || !ci.IsMember("s2") || ci.IsMember("s9") {
		t.Fatal()
	}
}

func TestNewClusterInfo_Errors(t *testing.T) {
	if _, err := NewClusterInfo(nil, "s1"); err == nil {
		t.Fatal("expected error for nil allServerIds")
	}
	if _, err := NewClusterInfo([]ServerId{}, "s1"); err == nil {
		t.Fatal("expected error for empty allServerIds")
	}
	if _, err := NewClusterInfo([]ServerId{"s1", "s2"}, ""); err == nil {
		t.Fatal("expected error for empty thisServerId")
	}
	if _, err := NewClusterInfo([]ServerId{"s1", ""}, "s1"); err == nil {
		t.Fatal("expected error for empty member id")
	}
	if _, err := NewClusterInfo([]ServerId{"s1", "s1"}, "s1"); err == nil {
		t.Fatal("expected error for duplicate member id")
	}
	if _, err := NewClusterInfo([]ServerId{"s1", "s2"}, "s3"); err == nil {
		t.Fatal("expected error when thisServerId is not a member")
	}
}

func TestQuorumSizeForClusterSize(t *testing.T) {
	cases := map[uint]uint{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 6: 4, 7: 4}
	for size, want := range cases {
		if got := QuorumSizeForClusterSize(size); got != want {
			t.Fatalf("QuorumSizeForClusterSize(%d) = %d, want %d", size, got, want)
		}
	}
}
