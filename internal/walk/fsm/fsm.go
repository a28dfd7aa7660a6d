package fsm

import (
	"context"
	"database/sql"
)

// State names used by the walk session state machine.
const (
	StatePendingAcceptance     = "pending_acceptance"
	StateAccepted              = "accepted"
	StateConfirmed             = "confirmed"
	StateActive                = "active"
	StateCancellationRequested = "cancellation_requested"
	StateCompleted             = "completed"
	StateRejected              = "rejected"
	StateCancelled             = "cancelled"
)

// Role names. RoleSystem marks transitions driven by external events
// (payment confirmation) rather than by either participant.
const (
	RoleProvider  = "provider"
	RoleRequester = "requester"
	RoleSystem    = "system"
)

type edge struct {
	from string
	to   string
}

var transitions = map[edge]map[string]struct{}{
	{StatePendingAcceptance, StateAccepted}: {RoleProvider: {}},
	// A requester withdrawing before acceptance is a rejection, not a
	// cancellation, so the terminal taxonomy stays meaningful for billing.
	{StatePendingAcceptance, StateRejected}:   {RoleProvider: {}, RoleRequester: {}},
	{StateAccepted, StateConfirmed}:           {RoleSystem: {}},
	{StateConfirmed, StateActive}:             {RoleProvider: {}, RoleRequester: {}},
	{StateActive, StateCancellationRequested}: {RoleProvider: {}, RoleRequester: {}},
	{StateActive, StateCompleted}:             {RoleProvider: {}, RoleRequester: {}},
	// Direct cancellation from active is the provider force path only.
	{StateActive, StateCancelled}:                {RoleProvider: {}},
	{StateCancellationRequested, StateCancelled}: {RoleProvider: {}, RoleRequester: {}},
	{StateCancellationRequested, StateActive}:    {RoleProvider: {}, RoleRequester: {}},
}

// IsTerminal reports whether no further transition can leave the state.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateRejected, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the acting role may move a session from
// one state to another. Unknown states, terminal states and same-state
// "transitions" all return false; callers treat false as a no-op.
func CanTransition(from, to, role string) bool {
	allowed, ok := transitions[edge{from, to}]
	if !ok {
		return false
	}
	_, ok = allowed[role]
	return ok
}

// Execer is the slice of database/sql that Apply needs. Both *sql.DB
// and *sql.Tx satisfy it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Apply performs the conditional state write. The WHERE clause makes
// concurrent movers race safely: the loser sees sql.ErrNoRows. Policy
// (who may move what) is the caller's job via CanTransition; Apply only
// guards against lost updates.
func Apply(ctx context.Context, ex Execer, sessionID, from, to string) error {
	res, err := ex.ExecContext(ctx, `UPDATE walk_sessions SET state = $1, updated_at = now() WHERE id = $2 AND state = $3`, to, sessionID, from)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
