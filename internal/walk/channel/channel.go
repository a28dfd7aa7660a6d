package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"walkly/internal/walk/repo"
)

// Logger is the minimal logging surface shared by this package.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// History is the durable sink for emitted samples.
type History interface {
	Append(ctx context.Context, s repo.Sample) error
}

// subscriberBuffer bounds each live feed; consumers only care about the
// current position, so overflow drops the oldest sample.
const subscriberBuffer = 8

// track is the ephemeral per-session live state. It is rebuilt from
// nothing on reconnect and never persisted.
type track struct {
	subscribers map[string]chan repo.Sample
	last        *repo.Sample
	lastMoving  bool
	degraded    bool
}

// Channel fans emitted samples out to live subscribers and appends them
// to the durable history. The live path is best-effort: a disconnected
// watcher simply misses pushes and falls back to polling history.
type Channel struct {
	history    History
	logger     Logger
	staleAfter time.Duration

	mu     sync.RWMutex
	tracks map[string]*track
}

// New constructs a Channel. staleAfter governs the stalled-provider
// advisory; zero selects the 6 minute default.
func New(history History, logger Logger, staleAfter time.Duration) *Channel {
	if staleAfter <= 0 {
		staleAfter = 6 * time.Minute
	}
	return &Channel{
		history:    history,
		logger:     logger,
		staleAfter: staleAfter,
		tracks:     make(map[string]*track),
	}
}

func (c *Channel) trackFor(sessionID string) *track {
	t, ok := c.tracks[sessionID]
	if !ok {
		t = &track{subscribers: make(map[string]chan repo.Sample)}
		c.tracks[sessionID] = t
	}
	return t
}

// Publish appends the sample to durable history and pushes it to live
// subscribers. The append error is returned so the producer can retry
// (duplicates are tolerated downstream); live push failures never
// propagate.
func (c *Channel) Publish(ctx context.Context, s repo.Sample, moving bool) error {
	appendErr := c.history.Append(ctx, s)
	if appendErr != nil {
		c.logger.Errorf("append sample for session %s: %v", s.SessionID, appendErr)
	}

	// Pushes happen under the lock. Subscribe's cancel and Close both
	// close feeds under the same lock, so a send can never hit a feed
	// that a leaving subscriber just closed. push never blocks, so the
	// critical section stays short.
	c.mu.Lock()
	t := c.trackFor(s.SessionID)
	t.last = &s
	t.lastMoving = moving
	if !t.degraded {
		for _, ch := range t.subscribers {
			push(ch, s)
		}
	}
	c.mu.Unlock()

	if appendErr != nil {
		return fmt.Errorf("append sample: %w", appendErr)
	}
	return nil
}

// push delivers latest-wins: when the buffer is full the oldest sample
// is dropped to make room.
func push(ch chan repo.Sample, s repo.Sample) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe joins the live feed for a session. Joining twice with the
// same subscriber id is idempotent: the existing feed is returned and
// no second join takes place. The returned func leaves the feed.
func (c *Channel) Subscribe(sessionID, subscriberID string) (<-chan repo.Sample, func()) {
	c.mu.Lock()
	t := c.trackFor(sessionID)
	ch, exists := t.subscribers[subscriberID]
	if !exists {
		ch = make(chan repo.Sample, subscriberBuffer)
		t.subscribers[subscriberID] = ch
		c.logger.Infof("subscriber %s joined session %s", subscriberID, sessionID)
	}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		t, ok := c.tracks[sessionID]
		if !ok {
			return
		}
		if cur, ok := t.subscribers[subscriberID]; ok && cur == ch {
			delete(t.subscribers, subscriberID)
			close(cur)
		}
	}
	return ch, cancel
}

// MarkDegraded pauses live pushes for a session. Sampling and durable
// appends continue; only live delivery stops.
func (c *Channel) MarkDegraded(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackFor(sessionID).degraded = true
}

// MarkRecovered resumes live pushes after the reconnection policy has
// settled.
func (c *Channel) MarkRecovered(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackFor(sessionID).degraded = false
}

// Degraded reports whether live delivery is currently paused.
func (c *Channel) Degraded(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tracks[sessionID]
	return ok && t.degraded
}

// Latest returns the most recently published sample, if any.
func (c *Channel) Latest(sessionID string) (repo.Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tracks[sessionID]
	if !ok || t.last == nil {
		return repo.Sample{}, false
	}
	return *t.last, true
}

// StaleSince reports the sample age when the provider looks stalled:
// the last classification was moving but nothing arrived for longer
// than the advisory window. This never cancels anything.
func (c *Channel) StaleSince(sessionID string, now time.Time) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tracks[sessionID]
	if !ok || t.last == nil || !t.lastMoving {
		return 0, false
	}
	age := now.Sub(t.last.CapturedAt)
	if age <= c.staleAfter {
		return 0, false
	}
	return age, true
}

// StaleSessions returns every session currently tripping the advisory,
// keyed by sample age. Used by the background advisory sweep.
func (c *Channel) StaleSessions(now time.Time) map[string]time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Duration)
	for id, t := range c.tracks {
		if t.last == nil || !t.lastMoving {
			continue
		}
		if age := now.Sub(t.last.CapturedAt); age > c.staleAfter {
			out[id] = age
		}
	}
	return out
}

// Close tears down the session's live state, closing all subscriber
// feeds. Called when the session reaches a terminal state.
func (c *Channel) Close(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tracks[sessionID]
	if !ok {
		return
	}
	for id, ch := range t.subscribers {
		delete(t.subscribers, id)
		close(ch)
	}
	delete(c.tracks, sessionID)
}
