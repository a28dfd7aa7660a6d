package lifecycle

import (
	"time"

	"walkly/internal/walk/fsm"
)

// Cancellation is the sub-record describing an open or resolved
// cancellation negotiation.
type Cancellation struct {
	RequestedBy string     `json:"requested_by"`
	Reason      string     `json:"reason"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// StatusEvent captures the session status timeline for audit.
type StatusEvent struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// CancelledBy values distinguish the two auditable cancellation paths.
const (
	CancelledMutual         = "mutual"
	CancelledProviderForced = "provider_forced"
)

// Session aggregates one booked walk between a requester and a provider.
// Only the Coordinator mutates it.
type Session struct {
	ID              string        `json:"id"`
	RequesterID     int64         `json:"requester_id"`
	ProviderID      int64         `json:"provider_id"`
	State           string        `json:"state"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	ActualMinutes   int           `json:"actual_minutes,omitempty"`
	Cancellation    *Cancellation `json:"cancellation,omitempty"`
	CancelledBy     string        `json:"cancelled_by,omitempty"`
	TotalCost       float64       `json:"total_cost"`
	Photos          []string      `json:"photos,omitempty"`
	Timeline        []StatusEvent `json:"timeline,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ParticipantRole returns the role userID plays in the session, or ""
// when the user is not a participant. Authorization in this module is
// exactly this check, scoped to the session's two ids.
func (s *Session) ParticipantRole(userID int64) string {
	switch userID {
	case s.ProviderID:
		return fsm.RoleProvider
	case s.RequesterID:
		return fsm.RoleRequester
	}
	return ""
}

// Terminal reports whether the session reached a final state.
func (s *Session) Terminal() bool {
	return fsm.IsTerminal(s.State)
}

func (s *Session) appendStatus(state string, at time.Time, note string) {
	s.State = state
	s.UpdatedAt = at
	s.Timeline = append(s.Timeline, StatusEvent{State: state, At: at, Note: note})
}

func (s *Session) close(at time.Time) {
	s.EndedAt = &at
	if s.StartedAt != nil {
		elapsed := at.Sub(*s.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		s.ActualMinutes = int(elapsed.Minutes())
	}
}
