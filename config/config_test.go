package config

import (
	"testing"
	"time"
)

func TestTimeSettings_Validate(t *testing.T) {
	good := TimeSettings{
		ElectionTimeoutLow: 150 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		TickerDuration:     5 * time.Millisecond,
	}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}

	bad := good
	bad.HeartbeatInterval = 80 * time.Millisecond // 2*80 >= 150
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error when heartbeat*2 >= election timeout")
	}

	bad2 := good
	bad2.TickerDuration = 20 * time.Millisecond
	if err := bad2.Validate(); err == nil {
		t.Fatal("expected error when ticker duration exceeds 10ms")
	}
}

func TestRandomElectionTimeout_InRange(t *testing.T) {
	ts := TimeSettings{ElectionTimeoutLow: 150 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := ts.RandomElectionTimeout()
		if d < ts.ElectionTimeoutLow || d >= 2*ts.ElectionTimeoutLow {
			t.Fatalf("RandomElectionTimeout() = %v, out of range [%v, %v)", d, ts.ElectionTimeoutLow, 2*ts.ElectionTimeoutLow)
		}
	}
}

func TestNodeConfig_Validate(t *testing.T) {
	nc := NodeConfig{
		NodeId:               "s1",
		Peers:                []ServerId{"s2", "s3"},
		ElectionTimeoutBase:  150 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		MaxEntriesPerRequest: 64,
	}
	if err := nc.Validate(); err != nil {
		t.Fatal(err)
	}

	nc.MaxEntriesPerRequest = 0
	if err := nc.Validate(); err == nil {
		t.Fatal("expected error for zero MaxEntriesPerRequest")
	}
}
