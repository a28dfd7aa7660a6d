package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"walkly/internal/walk/repo"
)

type memHistory struct {
	mu      sync.Mutex
	samples []repo.Sample
	failing bool
}

func (h *memHistory) Append(_ context.Context, s repo.Sample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing {
		return errors.New("store unreachable")
	}
	h.samples = append(h.samples, s)
	return nil
}

func (h *memHistory) all() []repo.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]repo.Sample, len(h.samples))
	copy(out, h.samples)
	return out
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

var base = time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)

func sampleAt(sessionID string, offset time.Duration) repo.Sample {
	return repo.Sample{SessionID: sessionID, Lat: 43.25, Lng: 76.90, AccuracyMeters: 40, CapturedAt: base.Add(offset)}
}

func TestPublishReachesBothSinks(t *testing.T) {
	h := &memHistory{}
	c := New(h, nopLogger{}, 0)
	feed, cancel := c.Subscribe("s1", "watcher-1")
	defer cancel()

	s := sampleAt("s1", 0)
	if err := c.Publish(context.Background(), s, true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := h.all(); len(got) != 1 || !got[0].CapturedAt.Equal(s.CapturedAt) {
		t.Fatalf("durable history missing the sample")
	}
	select {
	case got := <-feed:
		if got.Lat != s.Lat || got.Lng != s.Lng {
			t.Fatalf("live feed delivered wrong sample")
		}
	default:
		t.Fatalf("live feed empty after publish")
	}
}

func TestHistoryPreservesCaptureOrder(t *testing.T) {
	h := &memHistory{}
	c := New(h, nopLogger{}, 0)
	for i := 0; i < 20; i++ {
		if err := c.Publish(context.Background(), sampleAt("s1", time.Duration(i)*10*time.Second), true); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	got := h.all()
	if len(got) != 20 {
		t.Fatalf("expected 20 samples, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CapturedAt.Before(got[i-1].CapturedAt) {
			t.Fatalf("history out of capture order at %d", i)
		}
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	c := New(&memHistory{}, nopLogger{}, 0)
	first, cancel1 := c.Subscribe("s1", "watcher-1")
	second, cancel2 := c.Subscribe("s1", "watcher-1")
	if first != second {
		t.Fatalf("joining twice must return the same feed")
	}
	c.Publish(context.Background(), sampleAt("s1", 0), true)
	if len(first) != 1 {
		t.Fatalf("expected exactly one delivery for a double join, got %d", len(first))
	}
	cancel1()
	// second cancel refers to the same subscription; must not panic
	cancel2()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New(&memHistory{}, nopLogger{}, 0)
	feed, cancel := c.Subscribe("s1", "watcher-1")
	cancel()
	if _, open := <-feed; open {
		t.Fatalf("feed must be closed after cancel")
	}
	// publishing to a session with no subscribers is fine
	if err := c.Publish(context.Background(), sampleAt("s1", 0), true); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestLatestWinsOnSlowConsumer(t *testing.T) {
	c := New(&memHistory{}, nopLogger{}, 0)
	feed, cancel := c.Subscribe("s1", "watcher-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+4; i++ {
		c.Publish(context.Background(), sampleAt("s1", time.Duration(i)*time.Second), true)
	}
	if len(feed) != subscriberBuffer {
		t.Fatalf("expected a full buffer, got %d", len(feed))
	}
	// oldest entries were dropped; the first readable one is not sample 0
	got := <-feed
	if got.CapturedAt.Equal(base) {
		t.Fatalf("oldest sample should have been dropped")
	}
}

func TestDegradedPausesLiveButNotHistory(t *testing.T) {
	h := &memHistory{}
	c := New(h, nopLogger{}, 0)
	feed, cancel := c.Subscribe("s1", "watcher-1")
	defer cancel()

	c.MarkDegraded("s1")
	if !c.Degraded("s1") {
		t.Fatalf("expected degraded")
	}
	c.Publish(context.Background(), sampleAt("s1", 0), true)
	if len(feed) != 0 {
		t.Fatalf("degraded channel must not push live")
	}
	if len(h.all()) != 1 {
		t.Fatalf("durable append must continue while degraded")
	}

	c.MarkRecovered("s1")
	c.Publish(context.Background(), sampleAt("s1", 10*time.Second), true)
	if len(feed) != 1 {
		t.Fatalf("recovered channel must push live again")
	}
}

func TestPublishReturnsAppendError(t *testing.T) {
	h := &memHistory{failing: true}
	c := New(h, nopLogger{}, 0)
	feed, cancel := c.Subscribe("s1", "watcher-1")
	defer cancel()

	err := c.Publish(context.Background(), sampleAt("s1", 0), true)
	if err == nil {
		t.Fatalf("expected append error to surface for retry")
	}
	// the live sink is independent of the durable one
	if len(feed) != 1 {
		t.Fatalf("live push must still happen when append fails")
	}
}

func TestStaleProviderAdvisory(t *testing.T) {
	c := New(&memHistory{}, nopLogger{}, 0)
	c.Publish(context.Background(), sampleAt("s1", 0), true)

	if _, stale := c.StaleSince("s1", base.Add(5*time.Minute)); stale {
		t.Fatalf("5 minutes is within the advisory window")
	}
	age, stale := c.StaleSince("s1", base.Add(7*time.Minute))
	if !stale {
		t.Fatalf("expected stale advisory past 6 minutes while moving")
	}
	if age != 7*time.Minute {
		t.Fatalf("expected 7m age, got %v", age)
	}

	// a stationary provider is never reported stalled
	c.Publish(context.Background(), sampleAt("s2", 0), false)
	if _, stale := c.StaleSince("s2", base.Add(time.Hour)); stale {
		t.Fatalf("stationary provider must not trigger the advisory")
	}
}

// A watcher leaving mid-stream must never crash the publisher: sends
// and the cancel-side close are serialized on the channel mutex.
func TestPublishSurvivesConcurrentLeave(t *testing.T) {
	c := New(&memHistory{}, nopLogger{}, 0)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			feed, cancel := c.Subscribe("s1", "watcher-1")
			cancel()
			for range feed {
			}
		}
	}()

	for i := 0; ; i++ {
		select {
		case <-done:
			return
		default:
		}
		if err := c.Publish(context.Background(), sampleAt("s1", time.Duration(i)*time.Second), true); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
}

func TestCloseCompletesFeeds(t *testing.T) {
	c := New(&memHistory{}, nopLogger{}, 0)
	feed, _ := c.Subscribe("s1", "watcher-1")
	c.Publish(context.Background(), sampleAt("s1", 0), true)
	c.Close("s1")

	if _, ok := <-feed; !ok {
		t.Fatalf("expected the buffered sample before close")
	}
	if _, open := <-feed; open {
		t.Fatalf("feed must complete after session close")
	}
	if _, ok := c.Latest("s1"); ok {
		t.Fatalf("track state must be gone after close")
	}
}
