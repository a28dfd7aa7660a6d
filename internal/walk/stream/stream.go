// Package stream exposes a session as a lazy, restartable sequence of
// events: session snapshots interleaved with live location samples,
// completing when the session reaches a terminal state. Consumers that
// miss live pushes fall back to the durable history; this stream only
// carries current truth.
package stream

import (
	"context"
	"time"

	"github.com/google/uuid"

	"walkly/internal/walk/channel"
	"walkly/internal/walk/lifecycle"
	"walkly/internal/walk/repo"
)

// Event is one element of the sequence. Exactly one field is set.
type Event struct {
	Session *lifecycle.Session `json:"session,omitempty"`
	Sample  *repo.Sample       `json:"sample,omitempty"`
}

// SessionSource loads session snapshots.
type SessionSource interface {
	Get(ctx context.Context, id string) (lifecycle.Session, error)
}

// Logger is the minimal logging surface for the streamer.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Streamer merges store polling with the live channel.
type Streamer struct {
	sessions SessionSource
	live     *channel.Channel
	logger   Logger
	poll     time.Duration
}

// New constructs a Streamer. poll controls how often the session
// snapshot is refreshed; zero selects 2 seconds.
func New(sessions SessionSource, live *channel.Channel, logger Logger, poll time.Duration) *Streamer {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Streamer{sessions: sessions, live: live, logger: logger, poll: poll}
}

// Subscribe starts the sequence for a session. The returned channel
// yields an initial snapshot, then snapshots on every observed change
// and samples as they arrive, and closes once the session is terminal
// or the context is cancelled. Calling Subscribe again restarts the
// sequence from current truth.
func (st *Streamer) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	s, err := st.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	feed, leave := st.live.Subscribe(sessionID, "stream:"+uuid.NewString())

	go func() {
		defer close(out)
		defer leave()

		snapshot := s
		if !emit(ctx, out, Event{Session: &snapshot}) {
			return
		}
		if snapshot.Terminal() {
			return
		}

		ticker := time.NewTicker(st.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case sample, open := <-feed:
				if !open {
					// live channel closed under us: deliver the final
					// snapshot before completing
					st.finalSnapshot(out, sessionID)
					return
				}
				s := sample
				if !emit(ctx, out, Event{Sample: &s}) {
					return
				}
			case <-ticker.C:
				cur, err := st.sessions.Get(ctx, sessionID)
				if err != nil {
					st.logger.Errorf("stream poll session %s: %v", sessionID, err)
					continue
				}
				if cur.State == snapshot.State && cur.UpdatedAt.Equal(snapshot.UpdatedAt) {
					continue
				}
				snapshot = cur
				if !emit(ctx, out, Event{Session: &snapshot}) {
					return
				}
				if snapshot.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (st *Streamer) finalSnapshot(out chan Event, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cur, err := st.sessions.Get(ctx, sessionID)
	if err != nil {
		return
	}
	select {
	case out <- Event{Session: &cur}:
	default:
	}
}

func emit(ctx context.Context, out chan Event, e Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- e:
		return true
	}
}
