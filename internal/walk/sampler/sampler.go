package sampler

import (
	"math"
	"time"
)

// Fix is one raw position observation from the provider's device.
type Fix struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_m"`
	SpeedMps       float64   `json:"speed_mps"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Decision is the sampler's verdict for a single fix.
type Decision string

const (
	// Emit means the fix passed all filters at good accuracy.
	Emit Decision = "emit"
	// EmitFallback means acceptable accuracy with no recent good fix;
	// emitted anyway but flagged so the UI can show reduced quality.
	EmitFallback Decision = "emit_fallback"
	// Defer means acceptable accuracy but a good fix arrived recently,
	// so we wait for better precision instead of emitting noise.
	Defer Decision = "defer"
	// Suppress means the movement/time throttle swallowed the fix.
	Suppress Decision = "suppress"
	// Reject means accuracy was missing or too poor to use at all.
	Reject Decision = "reject"
)

// Emitted reports whether the decision produces a sample.
func (d Decision) Emitted() bool { return d == Emit || d == EmitFallback }

// Config holds the emission policy thresholds.
type Config struct {
	GoodAccuracyMeters float64
	MaxAccuracyMeters  float64
	GoodFixWindow      time.Duration
	MinMoveMeters      float64
	MinEmitInterval    time.Duration
	MovingSpeedMps     float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		GoodAccuracyMeters: 100,
		MaxAccuracyMeters:  500,
		GoodFixWindow:      30 * time.Second,
		MinMoveMeters:      5,
		MinEmitInterval:    5 * time.Second,
		MovingSpeedMps:     0.7,
	}
}

// Sampler decides which raw fixes become location samples. It runs on
// the provider side as the sole producer for its session, so it keeps
// plain unsynchronized state.
type Sampler struct {
	cfg Config

	hasEmitted  bool
	lastEmitted Fix
	lastEmitAt  time.Time
	lastGoodAt  time.Time
}

// New constructs a Sampler, filling zero thresholds from defaults.
func New(cfg Config) *Sampler {
	def := DefaultConfig()
	if cfg.GoodAccuracyMeters <= 0 {
		cfg.GoodAccuracyMeters = def.GoodAccuracyMeters
	}
	if cfg.MaxAccuracyMeters <= 0 {
		cfg.MaxAccuracyMeters = def.MaxAccuracyMeters
	}
	if cfg.GoodFixWindow <= 0 {
		cfg.GoodFixWindow = def.GoodFixWindow
	}
	if cfg.MinMoveMeters <= 0 {
		cfg.MinMoveMeters = def.MinMoveMeters
	}
	if cfg.MinEmitInterval <= 0 {
		cfg.MinEmitInterval = def.MinEmitInterval
	}
	if cfg.MovingSpeedMps <= 0 {
		cfg.MovingSpeedMps = def.MovingSpeedMps
	}
	return &Sampler{cfg: cfg}
}

// Observe evaluates one fix against the emission policy, in order:
// accuracy gate, defer-for-precision, fallback, then the movement/time
// throttle. Both throttle conditions must hold to suppress: a large
// jump always emits even if recent, and a long stall always emits
// eventually so the live view never goes silent.
func (s *Sampler) Observe(fix Fix) Decision {
	acc := fix.AccuracyMeters
	if acc <= 0 || math.IsNaN(acc) || acc > s.cfg.MaxAccuracyMeters {
		return Reject
	}

	good := acc <= s.cfg.GoodAccuracyMeters
	if !good {
		if !s.lastGoodAt.IsZero() && fix.CapturedAt.Sub(s.lastGoodAt) <= s.cfg.GoodFixWindow {
			return Defer
		}
		return s.throttle(fix, EmitFallback)
	}

	s.lastGoodAt = fix.CapturedAt
	return s.throttle(fix, Emit)
}

func (s *Sampler) throttle(fix Fix, verdict Decision) Decision {
	if s.hasEmitted {
		dist := Distance(s.lastEmitted.Lat, s.lastEmitted.Lng, fix.Lat, fix.Lng)
		elapsed := fix.CapturedAt.Sub(s.lastEmitAt)
		if dist < s.cfg.MinMoveMeters && elapsed < s.cfg.MinEmitInterval {
			return Suppress
		}
	}
	s.hasEmitted = true
	s.lastEmitted = fix
	s.lastEmitAt = fix.CapturedAt
	return verdict
}

// Moving classifies the fix for display and stall alerting only; it
// never filters emission.
func (s *Sampler) Moving(fix Fix) bool {
	return fix.SpeedMps > s.cfg.MovingSpeedMps
}

// LastEmitted returns the most recent emitted fix, if any.
func (s *Sampler) LastEmitted() (Fix, bool) {
	return s.lastEmitted, s.hasEmitted
}

// Distance returns meters between two coordinates using haversine.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadius = 6371000.0
	rl1 := toRadians(lat1)
	rl2 := toRadians(lat2)
	dLat := rl2 - rl1
	dLng := toRadians(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rl1)*math.Cos(rl2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

func toRadians(v float64) float64 {
	return v * math.Pi / 180
}
