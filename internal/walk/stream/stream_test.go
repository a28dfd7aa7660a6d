package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"walkly/internal/walk/channel"
	"walkly/internal/walk/fsm"
	"walkly/internal/walk/lifecycle"
	"walkly/internal/walk/repo"
)

type fakeSessions struct {
	mu sync.Mutex
	s  lifecycle.Session
}

func (f *fakeSessions) Get(context.Context, string) (lifecycle.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, nil
}

func (f *fakeSessions) set(state string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.State = state
	f.s.UpdatedAt = at
}

type nopHistory struct{}

func (nopHistory) Append(context.Context, repo.Sample) error { return nil }

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func activeSession() lifecycle.Session {
	now := time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)
	return lifecycle.Session{
		ID: "s1", RequesterID: 100, ProviderID: 200,
		State: fsm.StateActive, UpdatedAt: now, CreatedAt: now,
	}
}

func TestSubscribeYieldsInitialSnapshot(t *testing.T) {
	sessions := &fakeSessions{s: activeSession()}
	live := channel.New(nopHistory{}, nopLogger{}, 0)
	st := New(sessions, live, nopLogger{}, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := st.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	first := <-events
	if first.Session == nil || first.Session.State != fsm.StateActive {
		t.Fatalf("expected initial session snapshot, got %+v", first)
	}
}

func TestSubscribeForwardsSamples(t *testing.T) {
	sessions := &fakeSessions{s: activeSession()}
	live := channel.New(nopHistory{}, nopLogger{}, 0)
	st := New(sessions, live, nopLogger{}, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := st.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	<-events // initial snapshot

	want := repo.Sample{SessionID: "s1", Lat: 43.25, Lng: 76.90, CapturedAt: time.Now()}
	live.Publish(ctx, want, true)

	select {
	case e := <-events:
		if e.Sample == nil || e.Sample.Lat != want.Lat {
			t.Fatalf("expected the published sample, got %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for sample event")
	}
}

func TestSubscribeCompletesOnTerminalState(t *testing.T) {
	sessions := &fakeSessions{s: activeSession()}
	live := channel.New(nopHistory{}, nopLogger{}, 0)
	st := New(sessions, live, nopLogger{}, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := st.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	<-events // initial snapshot

	sessions.set(fsm.StateCompleted, time.Now())

	var sawTerminal bool
	for e := range events {
		if e.Session != nil && e.Session.State == fsm.StateCompleted {
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Fatal("expected a terminal snapshot before completion")
	}
}

func TestSubscribeOnTerminalSessionCompletesImmediately(t *testing.T) {
	s := activeSession()
	s.State = fsm.StateCompleted
	sessions := &fakeSessions{s: s}
	live := channel.New(nopHistory{}, nopLogger{}, 0)
	st := New(sessions, live, nopLogger{}, time.Hour)

	events, err := st.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	first := <-events
	if first.Session == nil || first.Session.State != fsm.StateCompleted {
		t.Fatalf("expected terminal snapshot, got %+v", first)
	}
	if _, open := <-events; open {
		t.Fatal("sequence must complete after a terminal snapshot")
	}
}

func TestSubscribeRestartable(t *testing.T) {
	sessions := &fakeSessions{s: activeSession()}
	live := channel.New(nopHistory{}, nopLogger{}, 0)
	st := New(sessions, live, nopLogger{}, time.Hour)

	ctx1, cancel1 := context.WithCancel(context.Background())
	first, err := st.Subscribe(ctx1, "s1")
	if err != nil {
		t.Fatal(err)
	}
	<-first
	cancel1()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	second, err := st.Subscribe(ctx2, "s1")
	if err != nil {
		t.Fatal(err)
	}
	e := <-second
	if e.Session == nil {
		t.Fatal("restarted sequence must begin from current truth")
	}
}
