package sampler

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)

// latOffset shifts latitude by roughly the given number of meters.
func latOffset(meters float64) float64 {
	return meters / 111320.0
}

func fixAt(lat, lng, accuracy float64, at time.Time) Fix {
	return Fix{Lat: lat, Lng: lng, AccuracyMeters: accuracy, SpeedMps: 1.2, CapturedAt: at}
}

func TestRejectTooImprecise(t *testing.T) {
	s := New(DefaultConfig())
	if d := s.Observe(fixAt(43.25, 76.90, 600, t0)); d != Reject {
		t.Fatalf("600m accuracy must be rejected, got %s", d)
	}
	if d := s.Observe(fixAt(43.25, 76.90, 0, t0)); d != Reject {
		t.Fatalf("missing accuracy must be rejected, got %s", d)
	}
	if d := s.Observe(fixAt(43.25, 76.90, -1, t0)); d != Reject {
		t.Fatalf("negative accuracy must be rejected, got %s", d)
	}
}

func TestGoodFixAlwaysEmits(t *testing.T) {
	s := New(DefaultConfig())
	if d := s.Observe(fixAt(43.25, 76.90, 50, t0)); d != Emit {
		t.Fatalf("first 50m fix must emit, got %s", d)
	}
	// well past the throttle window, far away, still good accuracy
	if d := s.Observe(fixAt(43.25+latOffset(100), 76.90, 50, t0.Add(time.Minute))); d != Emit {
		t.Fatalf("later 50m fix must emit, got %s", d)
	}
}

func TestAcceptableDefersWhenGoodIsRecent(t *testing.T) {
	s := New(DefaultConfig())
	if d := s.Observe(fixAt(43.25, 76.90, 80, t0)); d != Emit {
		t.Fatalf("good fix: got %s", d)
	}
	if d := s.Observe(fixAt(43.25+latOffset(50), 76.90, 200, t0.Add(10*time.Second))); d != Defer {
		t.Fatalf("acceptable fix within good window must defer, got %s", d)
	}
}

func TestAcceptableFallsBackWhenGoodIsStale(t *testing.T) {
	s := New(DefaultConfig())
	s.Observe(fixAt(43.25, 76.90, 80, t0))
	d := s.Observe(fixAt(43.25+latOffset(50), 76.90, 200, t0.Add(31*time.Second)))
	if d != EmitFallback {
		t.Fatalf("acceptable fix past good window must fallback-emit, got %s", d)
	}
	if !d.Emitted() {
		t.Fatalf("fallback decision must count as emitted")
	}
}

func TestFallbackWithNoGoodHistory(t *testing.T) {
	s := New(DefaultConfig())
	if d := s.Observe(fixAt(43.25, 76.90, 300, t0)); d != EmitFallback {
		t.Fatalf("acceptable fix with no good history must fallback-emit, got %s", d)
	}
}

func TestThrottleSmallRecentMove(t *testing.T) {
	s := New(DefaultConfig())
	if d := s.Observe(fixAt(43.25, 76.90, 40, t0)); d != Emit {
		t.Fatalf("first fix: got %s", d)
	}
	// 3m and 2s later: both throttle conditions hold, suppress
	if d := s.Observe(fixAt(43.25+latOffset(3), 76.90, 40, t0.Add(2*time.Second))); d != Suppress {
		t.Fatalf("3m/2s fix must be suppressed, got %s", d)
	}
}

func TestLargeJumpAlwaysEmits(t *testing.T) {
	s := New(DefaultConfig())
	s.Observe(fixAt(43.25, 76.90, 40, t0))
	// 10m in 2s: distance condition fails, emit
	if d := s.Observe(fixAt(43.25+latOffset(10), 76.90, 40, t0.Add(2*time.Second))); d != Emit {
		t.Fatalf("10m jump must emit even when recent, got %s", d)
	}
}

func TestStallEventuallyEmits(t *testing.T) {
	s := New(DefaultConfig())
	s.Observe(fixAt(43.25, 76.90, 40, t0))
	// no movement but past the time window: emit so the view stays live
	if d := s.Observe(fixAt(43.25, 76.90, 40, t0.Add(6*time.Second))); d != Emit {
		t.Fatalf("stationary fix past interval must emit, got %s", d)
	}
}

func TestSuppressedFixDoesNotResetThrottle(t *testing.T) {
	s := New(DefaultConfig())
	s.Observe(fixAt(43.25, 76.90, 40, t0))
	s.Observe(fixAt(43.25+latOffset(3), 76.90, 40, t0.Add(2*time.Second)))
	// 4s after the first emission, 4m from it: still inside both windows
	// relative to the last *emitted* sample, so still suppressed
	if d := s.Observe(fixAt(43.25+latOffset(4), 76.90, 40, t0.Add(4*time.Second))); d != Suppress {
		t.Fatalf("throttle must measure against last emitted fix, got %s", d)
	}
	last, ok := s.LastEmitted()
	if !ok || last.CapturedAt != t0 {
		t.Fatalf("last emitted must still be the first fix")
	}
}

func TestMovingClassification(t *testing.T) {
	s := New(DefaultConfig())
	if s.Moving(Fix{SpeedMps: 0.7}) {
		t.Fatal("0.7 m/s is stationary (strictly greater required)")
	}
	if !s.Moving(Fix{SpeedMps: 0.8}) {
		t.Fatal("0.8 m/s is moving")
	}
}

func TestDistance(t *testing.T) {
	d := Distance(43.25, 76.90, 43.25+latOffset(100), 76.90)
	if d < 95 || d > 105 {
		t.Fatalf("expected ~100m, got %.2f", d)
	}
	if got := Distance(43.25, 76.90, 43.25, 76.90); got != 0 {
		t.Fatalf("zero distance expected, got %.6f", got)
	}
}
