package channel

import (
	"testing"
	"time"
)

func TestReconnectHappyCycle(t *testing.T) {
	r := NewReconnector(DefaultReconnectPolicy())
	now := base

	if r.State() != ConnIdle || !r.ShouldDial(now) {
		t.Fatalf("fresh reconnector must be idle and dialable")
	}
	r.DialStarted(now)
	if r.State() != ConnConnecting {
		t.Fatalf("expected connecting, got %s", r.State())
	}
	r.DialSucceeded()
	if r.State() != ConnConnected || r.Attempts() != 0 {
		t.Fatalf("expected connected with cleared attempts")
	}
	if r.ShouldDial(now) {
		t.Fatalf("connected machine must not dial")
	}
}

func TestRejoinIdempotent(t *testing.T) {
	r := NewReconnector(DefaultReconnectPolicy())
	r.DialStarted(base)
	r.DialSucceeded()
	r.DialSucceeded()
	if r.State() != ConnConnected {
		t.Fatalf("joining an already-live channel must be a no-op")
	}
}

func TestSettleDelayAfterRegain(t *testing.T) {
	r := NewReconnector(DefaultReconnectPolicy())
	now := base
	r.DialStarted(now)
	r.DialSucceeded()

	r.ConnectivityLost()
	if r.State() != ConnDegraded {
		t.Fatalf("expected degraded after connectivity loss")
	}

	now = now.Add(time.Minute)
	r.ConnectivityRegained(now)
	if r.State() != ConnBackoff {
		t.Fatalf("expected backoff after regain")
	}
	if r.ShouldDial(now.Add(2 * time.Second)) {
		t.Fatalf("must wait out the settle delay")
	}
	if !r.ShouldDial(now.Add(6 * time.Second)) {
		t.Fatalf("expected dialable after settle delay and min interval")
	}
}

func TestMinimumIntervalBetweenAttempts(t *testing.T) {
	r := NewReconnector(DefaultReconnectPolicy())
	now := base
	r.DialStarted(now)
	r.DialFailed(now)

	// backoff after one failure is one MinInterval
	if r.ShouldDial(now.Add(4 * time.Second)) {
		t.Fatalf("4s is inside the minimum inter-attempt interval")
	}
	if !r.ShouldDial(now.Add(5 * time.Second)) {
		t.Fatalf("5s should allow the next attempt")
	}
}

func TestBackoffGrows(t *testing.T) {
	r := NewReconnector(DefaultReconnectPolicy())
	now := base
	r.DialStarted(now)
	r.DialFailed(now)

	now = now.Add(5 * time.Second)
	r.DialStarted(now)
	r.DialFailed(now)

	// two failures: next window is 2 x MinInterval
	if r.ShouldDial(now.Add(7 * time.Second)) {
		t.Fatalf("7s is inside the grown backoff window")
	}
	if !r.ShouldDial(now.Add(10 * time.Second)) {
		t.Fatalf("10s should allow the next attempt")
	}
}

func TestBoundedAttemptsThenFailed(t *testing.T) {
	policy := DefaultReconnectPolicy()
	r := NewReconnector(policy)
	now := base
	for i := 0; i < policy.MaxAttempts; i++ {
		if !r.ShouldDial(now) {
			now = now.Add(time.Minute)
		}
		r.DialStarted(now)
		r.DialFailed(now)
		now = now.Add(time.Minute)
	}
	if r.State() != ConnFailed {
		t.Fatalf("expected terminal failed after %d attempts, got %s", policy.MaxAttempts, r.State())
	}
	if r.ShouldDial(now.Add(time.Hour)) {
		t.Fatalf("failed is terminal; no silent retry loop")
	}

	r.Reset()
	if r.State() != ConnIdle || r.Attempts() != 0 {
		t.Fatalf("manual reset must return to idle")
	}
	if !r.ShouldDial(now) {
		t.Fatalf("reset machine must be dialable again")
	}
}

func TestLossWhileIdleIsIgnored(t *testing.T) {
	r := NewReconnector(DefaultReconnectPolicy())
	r.ConnectivityLost()
	if r.State() != ConnIdle {
		t.Fatalf("loss before any connection must not change state")
	}
	r.ConnectivityRegained(base)
	if r.State() != ConnIdle {
		t.Fatalf("regain outside degraded must not change state")
	}
}
