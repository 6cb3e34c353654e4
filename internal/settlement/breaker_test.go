package settlement

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.Record("transfer", false)
		if !b.Allowed("transfer") {
			t.Fatalf("breaker open before threshold at failure %d", i+1)
		}
	}
	b.Record("transfer", false)
	if b.Allowed("transfer") {
		t.Fatalf("breaker should be open after 3 failures")
	}

	// Other operations are unaffected.
	if !b.Allowed("fee") {
		t.Fatalf("unrelated op should stay closed")
	}
}

func TestBreakerCooldownAndSuccessReset(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	b.Record("transfer", false)
	b.Record("transfer", false)
	if b.Allowed("transfer") {
		t.Fatalf("breaker should be open")
	}

	now = now.Add(61 * time.Second)
	if !b.Allowed("transfer") {
		t.Fatalf("breaker should allow after cooldown")
	}

	b.Record("transfer", true)
	if !b.Allowed("transfer") {
		t.Fatalf("success should close the breaker")
	}
	if len(b.Snapshot()) != 0 {
		t.Fatalf("snapshot should be empty after success")
	}
}

func TestBreakerSnapshotAndReset(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute)
	b.Record("transfer", false)

	snap := b.Snapshot()
	st, ok := snap["transfer"]
	if !ok || !st.Open || st.Failures != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	b.Reset()
	if !b.Allowed("transfer") {
		t.Fatalf("reset should close all ops")
	}
}
