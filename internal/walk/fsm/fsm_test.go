package fsm

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

var allStates = []string{
	StatePendingAcceptance,
	StateAccepted,
	StateConfirmed,
	StateActive,
	StateCancellationRequested,
	StateCompleted,
	StateRejected,
	StateCancelled,
}

var allRoles = []string{RoleProvider, RoleRequester, RoleSystem}

type triple struct {
	from, to, role string
}

// The full transition table. Every triple not listed here must be denied.
var allowedTriples = map[triple]struct{}{
	{StatePendingAcceptance, StateAccepted, RoleProvider}:  {},
	{StatePendingAcceptance, StateRejected, RoleProvider}:  {},
	{StatePendingAcceptance, StateRejected, RoleRequester}: {},

	{StateAccepted, StateConfirmed, RoleSystem}: {},

	{StateConfirmed, StateActive, RoleProvider}:  {},
	{StateConfirmed, StateActive, RoleRequester}: {},

	{StateActive, StateCancellationRequested, RoleProvider}:  {},
	{StateActive, StateCancellationRequested, RoleRequester}: {},
	{StateActive, StateCompleted, RoleProvider}:              {},
	{StateActive, StateCompleted, RoleRequester}:             {},
	{StateActive, StateCancelled, RoleProvider}:              {},

	{StateCancellationRequested, StateCancelled, RoleProvider}:  {},
	{StateCancellationRequested, StateCancelled, RoleRequester}: {},
	{StateCancellationRequested, StateActive, RoleProvider}:     {},
	{StateCancellationRequested, StateActive, RoleRequester}:    {},
}

func TestCanTransitionExhaustive(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			for _, role := range allRoles {
				_, want := allowedTriples[triple{from, to, role}]
				got := CanTransition(from, to, role)
				if got != want {
					t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", from, to, role, got, want)
				}
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []string{StateCompleted, StateRejected, StateCancelled} {
		if !IsTerminal(from) {
			t.Fatalf("expected %s to be terminal", from)
		}
		for _, to := range allStates {
			for _, role := range allRoles {
				if CanTransition(from, to, role) {
					t.Fatalf("terminal state %s must not allow %s -> %s by %s", from, from, to, role)
				}
			}
		}
	}
	for _, s := range []string{StatePendingAcceptance, StateAccepted, StateConfirmed, StateActive, StateCancellationRequested} {
		if IsTerminal(s) {
			t.Fatalf("did not expect %s to be terminal", s)
		}
	}
}

func TestSameStateIsNotATransition(t *testing.T) {
	for _, s := range allStates {
		for _, role := range allRoles {
			if CanTransition(s, s, role) {
				t.Fatalf("same-state %s must be denied for %s", s, role)
			}
		}
	}
}

func TestUnknownStatesDenied(t *testing.T) {
	if CanTransition("unknown", StateActive, RoleProvider) {
		t.Fatal("unknown source state must be denied")
	}
	if CanTransition(StateActive, "unknown", RoleProvider) {
		t.Fatal("unknown target state must be denied")
	}
	if CanTransition(StateConfirmed, StateActive, "admin") {
		t.Fatal("unknown role must be denied")
	}
}

type fakeResult struct{ rows int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, nil }

type fakeExecer struct {
	rows int64
	err  error

	query string
	args  []interface{}
}

func (e *fakeExecer) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	e.query = query
	e.args = args
	if e.err != nil {
		return nil, e.err
	}
	return fakeResult{rows: e.rows}, nil
}

func TestApplyWinsWhenStateStillMatches(t *testing.T) {
	ex := &fakeExecer{rows: 1}
	if err := Apply(context.Background(), ex, "s1", StateActive, StateCompleted); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(ex.args) != 3 || ex.args[0] != StateCompleted || ex.args[1] != "s1" || ex.args[2] != StateActive {
		t.Fatalf("conditional write got args %v", ex.args)
	}
}

func TestApplyLosesConcurrentRace(t *testing.T) {
	ex := &fakeExecer{rows: 0}
	err := Apply(context.Background(), ex, "s1", StateActive, StateCompleted)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("raced apply must report sql.ErrNoRows, got %v", err)
	}
}

func TestApplyPropagatesExecErrors(t *testing.T) {
	boom := errors.New("connection reset")
	ex := &fakeExecer{err: boom}
	if err := Apply(context.Background(), ex, "s1", StateActive, StateCompleted); !errors.Is(err, boom) {
		t.Fatalf("expected the exec error back, got %v", err)
	}
}
