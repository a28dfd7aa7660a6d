// Package rating implements the closure-flow review aggregation. The
// running average is recomputed inside a transaction with the provider
// row locked, so concurrent reviews never lose updates.
package rating

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrInvalidScore is returned for scores outside 1..5.
var ErrInvalidScore = errors.New("score must be between 1 and 5")

// Summary is a provider's aggregated rating.
type Summary struct {
	ProviderID int64   `json:"provider_id"`
	Average    float64 `json:"average"`
	Count      int64   `json:"count"`
}

// Service records per-session reviews and maintains provider averages.
type Service struct {
	db *sql.DB
}

// NewService constructs a Service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Record stores one review and folds it into the provider's running
// average: newAvg = (oldAvg*count + score) / (count+1).
func (s *Service) Record(ctx context.Context, sessionID string, providerID, byUserID int64, score int, comment string) (Summary, error) {
	if score < 1 || score > 5 {
		return Summary{}, ErrInvalidScore
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO walk_ratings (session_id, provider_id, by_user_id, score, comment) VALUES ($1, $2, $3, $4, $5)`,
		sessionID, providerID, byUserID, score, comment)
	if err != nil {
		return Summary{}, fmt.Errorf("insert rating: %w", err)
	}

	var avg float64
	var count int64
	row := tx.QueryRowContext(ctx,
		`SELECT rating_avg, rating_count FROM provider_ratings WHERE provider_id = $1 FOR UPDATE`, providerID)
	switch err = row.Scan(&avg, &count); err {
	case nil:
	case sql.ErrNoRows:
		avg, count = 0, 0
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO provider_ratings (provider_id, rating_avg, rating_count) VALUES ($1, 0, 0)`, providerID); err != nil {
			return Summary{}, fmt.Errorf("init provider rating: %w", err)
		}
	default:
		return Summary{}, err
	}

	newAvg := nextAverage(avg, count, score)
	if _, err = tx.ExecContext(ctx,
		`UPDATE provider_ratings SET rating_avg = $1, rating_count = $2 WHERE provider_id = $3`,
		newAvg, count+1, providerID); err != nil {
		return Summary{}, fmt.Errorf("update provider rating: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return Summary{}, err
	}
	return Summary{ProviderID: providerID, Average: newAvg, Count: count + 1}, nil
}

func nextAverage(avg float64, count int64, score int) float64 {
	return (avg*float64(count) + float64(score)) / float64(count+1)
}

// Get returns a provider's current summary.
func (s *Service) Get(ctx context.Context, providerID int64) (Summary, error) {
	sum := Summary{ProviderID: providerID}
	row := s.db.QueryRowContext(ctx,
		`SELECT rating_avg, rating_count FROM provider_ratings WHERE provider_id = $1`, providerID)
	err := row.Scan(&sum.Average, &sum.Count)
	if err == sql.ErrNoRows {
		return sum, nil
	}
	return sum, err
}
