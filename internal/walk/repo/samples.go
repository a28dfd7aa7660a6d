package repo

import (
	"context"
	"database/sql"
	"time"
)

// Sample represents one row of the walk_location_samples table.
// Samples are immutable once written and only deleted with the session.
type Sample struct {
	ID             int64     `json:"-"`
	SessionID      string    `json:"session_id"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_m"`
	SpeedMps       float64   `json:"speed_mps"`
	Fallback       bool      `json:"fallback,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// SamplesRepo provides access to the durable location history.
type SamplesRepo struct {
	db *sql.DB
}

// NewSamplesRepo constructs a SamplesRepo.
func NewSamplesRepo(db *sql.DB) *SamplesRepo {
	return &SamplesRepo{db: db}
}

// Append writes one sample. Delivery into history is at-least-once;
// duplicate rows are tolerated because readers order by captured_at and
// samples carry their own timestamps.
func (r *SamplesRepo) Append(ctx context.Context, s Sample) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO walk_location_samples (session_id, lat, lng, accuracy_m, speed_mps, fallback, captured_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.SessionID, s.Lat, s.Lng, s.AccuracyMeters, s.SpeedMps, s.Fallback, s.CapturedAt)
	return err
}

// ListBySession returns the session history in non-decreasing
// captured_at order.
func (r *SamplesRepo) ListBySession(ctx context.Context, sessionID string) ([]Sample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, lat, lng, accuracy_m, speed_mps, fallback, captured_at FROM walk_location_samples WHERE session_id = $1 ORDER BY captured_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Lat, &s.Lng, &s.AccuracyMeters, &s.SpeedMps, &s.Fallback, &s.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Latest returns the newest sample for the session.
func (r *SamplesRepo) Latest(ctx context.Context, sessionID string) (Sample, error) {
	var s Sample
	row := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, lat, lng, accuracy_m, speed_mps, fallback, captured_at FROM walk_location_samples WHERE session_id = $1 ORDER BY captured_at DESC, id DESC LIMIT 1`,
		sessionID)
	err := row.Scan(&s.ID, &s.SessionID, &s.Lat, &s.Lng, &s.AccuracyMeters, &s.SpeedMps, &s.Fallback, &s.CapturedAt)
	if err == sql.ErrNoRows {
		return Sample{}, ErrNotFound
	}
	return s, err
}
