package geo

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Position is a provider's last-known coordinate within a session.
type Position struct {
	Lon       float64
	Lat       float64
	UpdatedAt time.Time
}

// ProviderLocator keeps the last-known provider position per active
// session in Redis GEO. This is ephemeral presence data: it is cleared
// when the session closes and carries no history.
type ProviderLocator struct {
	rdb *redis.Client
}

// NewProviderLocator creates a locator.
func NewProviderLocator(rdb *redis.Client) *ProviderLocator {
	return &ProviderLocator{rdb: rdb}
}

const liveKey = "walks:live"

func memberName(sessionID string) string {
	return fmt.Sprintf("walk:%s", sessionID)
}

func seenKey(sessionID string) string {
	return fmt.Sprintf("walks:seen:%s", sessionID)
}

// Update validates and stores the provider's position for the session.
func (l *ProviderLocator) Update(ctx context.Context, sessionID string, lon, lat float64, at time.Time) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("geo update: empty session id")
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return fmt.Errorf("geo update: invalid coords lon=%.8f lat=%.8f", lon, lat)
	}
	if math.Abs(lon) < 1e-4 && math.Abs(lat) < 1e-4 {
		return fmt.Errorf("geo update: near-zero coords lon=%.8f lat=%.8f", lon, lat)
	}
	if err := l.rdb.GeoAdd(ctx, liveKey, &redis.GeoLocation{
		Name:      memberName(sessionID),
		Longitude: lon,
		Latitude:  lat,
	}).Err(); err != nil {
		return err
	}
	return l.rdb.Set(ctx, seenKey(sessionID), at.UTC().Format(time.RFC3339Nano), 24*time.Hour).Err()
}

// LastPosition returns the provider's last-known position for the
// session, or found=false when none is recorded.
func (l *ProviderLocator) LastPosition(ctx context.Context, sessionID string) (Position, bool, error) {
	pos, err := l.rdb.GeoPos(ctx, liveKey, memberName(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return Position{}, false, nil
		}
		return Position{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return Position{}, false, nil
	}
	p := Position{Lon: pos[0].Longitude, Lat: pos[0].Latitude}
	raw, err := l.rdb.Get(ctx, seenKey(sessionID)).Result()
	if err == nil {
		if t, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			p.UpdatedAt = t
		}
	} else if err != redis.Nil {
		return Position{}, false, err
	}
	return p, true, nil
}

// Clear removes the session's live presence. Called on terminal states
// and when the provider disconnects for good.
func (l *ProviderLocator) Clear(ctx context.Context, sessionID string) error {
	if err := l.rdb.ZRem(ctx, liveKey, memberName(sessionID)).Err(); err != nil {
		return err
	}
	return l.rdb.Del(ctx, seenKey(sessionID)).Err()
}
