package lifecycle

import "time"

// Force-cancel reason codes. Only these justify skipping the
// negotiation handshake; everything else must go through it.
const (
	ReasonProviderEmergency = "provider_emergency"
	ReasonAnimalUnsafe      = "animal_unsafe"
	ReasonWeatherUnsafe     = "weather_unsafe"
)

// Config holds coordinator tunables.
type Config struct {
	// MinActiveBeforeCancel is how long a walk must run before either
	// party may request cancellation.
	MinActiveBeforeCancel time.Duration
	// ForceCancelReasons is the fixed reason-code whitelist for the
	// provider's direct cancellation path.
	ForceCancelReasons map[string]struct{}
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinActiveBeforeCancel: 10 * time.Minute,
		ForceCancelReasons: map[string]struct{}{
			ReasonProviderEmergency: {},
			ReasonAnimalUnsafe:      {},
			ReasonWeatherUnsafe:     {},
		},
	}
}
