// Package timeutil pins the service to a single display timezone so
// walk timestamps (advisories, track responses) render consistently
// regardless of where a node runs. The zone comes from WALK_TIMEZONE
// and defaults to Asia/Almaty, the launch market.
package timeutil

import (
	"os"
	"time"
)

const defaultZone = "Asia/Almaty"

var serviceLocation = loadLocation()

func loadLocation() *time.Location {
	name := os.Getenv("WALK_TIMEZONE")
	if name == "" {
		name = defaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// containers without tzdata fall back to the fixed UTC+5 offset
		return time.FixedZone(defaultZone, 5*60*60)
	}
	return loc
}

// Now returns the current time in the service timezone.
func Now() time.Time {
	return time.Now().In(serviceLocation)
}

// In converts t to the service timezone without changing the instant.
func In(t time.Time) time.Time {
	return t.In(serviceLocation)
}

// Location returns the service timezone.
func Location() *time.Location {
	return serviceLocation
}
