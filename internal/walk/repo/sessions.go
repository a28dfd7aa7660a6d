package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"walkly/internal/walk/fsm"
	"walkly/internal/walk/lifecycle"
)

// SessionsRepo provides access to walk session records. State updates
// are conditional on the previous state so that concurrent movers
// serialize through the database.
type SessionsRepo struct {
	db *sql.DB
}

// NewSessionsRepo constructs a SessionsRepo.
func NewSessionsRepo(db *sql.DB) *SessionsRepo {
	return &SessionsRepo{db: db}
}

// Create inserts a new session and its initial timeline event.
func (r *SessionsRepo) Create(ctx context.Context, s lifecycle.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO walk_sessions (id, requester_id, provider_id, state, scheduled_at, duration_minutes, total_cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.RequesterID, s.ProviderID, s.State, s.ScheduledAt, s.DurationMinutes, s.TotalCost, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return err
	}
	if err = insertTimeline(ctx, tx, s.ID, s.Timeline); err != nil {
		return err
	}
	return tx.Commit()
}

// Get fetches a session with its photos and timeline.
func (r *SessionsRepo) Get(ctx context.Context, id string) (lifecycle.Session, error) {
	var s lifecycle.Session
	var startedAt, endedAt sql.NullTime
	var actualMinutes sql.NullInt64
	var cancelBy, cancelReason, cancelledBy sql.NullString
	var cancelRequestedAt, cancelResolvedAt sql.NullTime

	row := r.db.QueryRowContext(ctx,
		`SELECT id, requester_id, provider_id, state, scheduled_at, duration_minutes, started_at, ended_at, actual_minutes,
		        cancel_requested_by, cancel_reason, cancel_requested_at, cancel_resolved_at, cancelled_by, total_cost, created_at, updated_at
		 FROM walk_sessions WHERE id = $1`, id)
	err := row.Scan(&s.ID, &s.RequesterID, &s.ProviderID, &s.State, &s.ScheduledAt, &s.DurationMinutes, &startedAt, &endedAt, &actualMinutes,
		&cancelBy, &cancelReason, &cancelRequestedAt, &cancelResolvedAt, &cancelledBy, &s.TotalCost, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return lifecycle.Session{}, ErrNotFound
	}
	if err != nil {
		return lifecycle.Session{}, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		s.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if actualMinutes.Valid {
		s.ActualMinutes = int(actualMinutes.Int64)
	}
	if cancelledBy.Valid {
		s.CancelledBy = cancelledBy.String
	}
	if cancelBy.Valid && cancelRequestedAt.Valid {
		c := &lifecycle.Cancellation{RequestedBy: cancelBy.String, Reason: cancelReason.String, RequestedAt: cancelRequestedAt.Time}
		if cancelResolvedAt.Valid {
			t := cancelResolvedAt.Time
			c.ResolvedAt = &t
		}
		s.Cancellation = c
	}

	if s.Photos, err = r.listPhotos(ctx, id); err != nil {
		return lifecycle.Session{}, err
	}
	if s.Timeline, err = r.listTimeline(ctx, id); err != nil {
		return lifecycle.Session{}, err
	}
	return s, nil
}

// Update writes the session conditionally on its previous state. A
// missed condition returns lifecycle.ErrStaleState so the coordinator
// can re-render current truth instead of failing hard.
func (r *SessionsRepo) Update(ctx context.Context, s lifecycle.Session, fromState string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cancelBy, cancelReason interface{}
	var cancelRequestedAt, cancelResolvedAt interface{}
	if s.Cancellation != nil {
		cancelBy = s.Cancellation.RequestedBy
		cancelReason = s.Cancellation.Reason
		cancelRequestedAt = s.Cancellation.RequestedAt
		if s.Cancellation.ResolvedAt != nil {
			cancelResolvedAt = *s.Cancellation.ResolvedAt
		}
	}

	// the state column moves through the conditional write; everything
	// else follows only once the move is won
	if err = fsm.Apply(ctx, tx, s.ID, fromState, s.State); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = lifecycle.ErrStaleState
		}
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE walk_sessions SET started_at = $1, ended_at = $2, actual_minutes = $3,
		        cancel_requested_by = $4, cancel_reason = $5, cancel_requested_at = $6, cancel_resolved_at = $7,
		        cancelled_by = NULLIF($8, ''), updated_at = $9
		 WHERE id = $10`,
		s.StartedAt, s.EndedAt, s.ActualMinutes,
		cancelBy, cancelReason, cancelRequestedAt, cancelResolvedAt,
		s.CancelledBy, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if len(s.Timeline) > 0 {
		// only the newly appended entry needs writing
		if err = insertTimeline(ctx, tx, s.ID, s.Timeline[len(s.Timeline)-1:]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendPhoto attaches an uploaded photo URL to the session.
func (r *SessionsRepo) AppendPhoto(ctx context.Context, id, url string) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO walk_session_photos (session_id, url) VALUES ($1, $2)`, id, url)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// ListForUser returns sessions where the user participates in either
// role, newest first.
func (r *SessionsRepo) ListForUser(ctx context.Context, userID int64, limit int) ([]lifecycle.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM walk_sessions WHERE requester_id = $1 OR provider_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]lifecycle.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *SessionsRepo) listPhotos(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT url FROM walk_session_photos WHERE session_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func (r *SessionsRepo) listTimeline(ctx context.Context, id string) ([]lifecycle.StatusEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT state, at, note FROM walk_session_events WHERE session_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []lifecycle.StatusEvent
	for rows.Next() {
		var e lifecycle.StatusEvent
		var note sql.NullString
		if err := rows.Scan(&e.State, &e.At, &note); err != nil {
			return nil, err
		}
		e.Note = note.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func insertTimeline(ctx context.Context, tx *sql.Tx, sessionID string, events []lifecycle.StatusEvent) error {
	for _, e := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO walk_session_events (session_id, state, at, note) VALUES ($1, $2, $3, $4)`,
			sessionID, e.State, e.At, e.Note); err != nil {
			return err
		}
	}
	return nil
}
