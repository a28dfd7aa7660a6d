package walk

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"walkly/internal/walk/channel"
	"walkly/internal/walk/lifecycle"
	"walkly/internal/walk/sampler"
)

const (
	defaultMinActiveBeforeCancel = 10 * time.Minute
	defaultStaleAfter            = 6 * time.Minute
	defaultHistoryLimit          = 500
)

// WalkConfig holds runtime configuration for the walk module.
type WalkConfig struct {
	MinActiveBeforeCancel time.Duration
	StaleAfter            time.Duration
	HistoryLimit          int
	Sampler               sampler.Config
	Reconnect             channel.ReconnectPolicy
	PaymentWebhookSecret  string
}

// LoadWalkConfig reads configuration from environment variables and applies defaults.
func LoadWalkConfig() (WalkConfig, error) {
	cfg := WalkConfig{
		MinActiveBeforeCancel: defaultMinActiveBeforeCancel,
		StaleAfter:            defaultStaleAfter,
		HistoryLimit:          defaultHistoryLimit,
		Sampler:               sampler.DefaultConfig(),
		Reconnect:             channel.DefaultReconnectPolicy(),
	}

	if v := os.Getenv("WALK_MIN_ACTIVE_BEFORE_CANCEL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return WalkConfig{}, fmt.Errorf("parse WALK_MIN_ACTIVE_BEFORE_CANCEL_SECONDS: %w", err)
		}
		cfg.MinActiveBeforeCancel = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("WALK_STALE_AFTER_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return WalkConfig{}, fmt.Errorf("parse WALK_STALE_AFTER_SECONDS: %w", err)
		}
		cfg.StaleAfter = time.Duration(secs) * time.Second
	}

	if v, err := readIntEnv("WALK_HISTORY_LIMIT"); err != nil {
		return WalkConfig{}, fmt.Errorf("parse WALK_HISTORY_LIMIT: %w", err)
	} else if v != nil {
		cfg.HistoryLimit = *v
	}

	if v, err := readFloatEnv("WALK_GOOD_ACCURACY_METERS"); err != nil {
		return WalkConfig{}, fmt.Errorf("parse WALK_GOOD_ACCURACY_METERS: %w", err)
	} else if v != nil {
		cfg.Sampler.GoodAccuracyMeters = *v
	}

	if v, err := readFloatEnv("WALK_MAX_ACCURACY_METERS"); err != nil {
		return WalkConfig{}, fmt.Errorf("parse WALK_MAX_ACCURACY_METERS: %w", err)
	} else if v != nil {
		cfg.Sampler.MaxAccuracyMeters = *v
	}

	if v, err := readFloatEnv("WALK_MIN_MOVE_METERS"); err != nil {
		return WalkConfig{}, fmt.Errorf("parse WALK_MIN_MOVE_METERS: %w", err)
	} else if v != nil {
		cfg.Sampler.MinMoveMeters = *v
	}

	if v, err := readFloatEnv("WALK_MOVING_SPEED_MPS"); err != nil {
		return WalkConfig{}, fmt.Errorf("parse WALK_MOVING_SPEED_MPS: %w", err)
	} else if v != nil {
		cfg.Sampler.MovingSpeedMps = *v
	}

	if v, err := readIntEnv("WALK_RECONNECT_MAX_ATTEMPTS"); err != nil {
		return WalkConfig{}, fmt.Errorf("parse WALK_RECONNECT_MAX_ATTEMPTS: %w", err)
	} else if v != nil {
		cfg.Reconnect.MaxAttempts = *v
	}

	cfg.PaymentWebhookSecret = os.Getenv("WALK_PAYMENT_WEBHOOK_SECRET")
	if cfg.PaymentWebhookSecret == "" {
		return WalkConfig{}, fmt.Errorf("WALK_PAYMENT_WEBHOOK_SECRET is required")
	}

	if cfg.MinActiveBeforeCancel <= 0 {
		return WalkConfig{}, fmt.Errorf("minimum active time must be positive")
	}
	if cfg.Sampler.GoodAccuracyMeters <= 0 || cfg.Sampler.MaxAccuracyMeters <= 0 {
		return WalkConfig{}, fmt.Errorf("accuracy thresholds must be positive")
	}
	if cfg.Sampler.GoodAccuracyMeters > cfg.Sampler.MaxAccuracyMeters {
		return WalkConfig{}, fmt.Errorf("WALK_GOOD_ACCURACY_METERS must be <= WALK_MAX_ACCURACY_METERS")
	}

	return cfg, nil
}

// Lifecycle derives the coordinator configuration.
func (c WalkConfig) Lifecycle() lifecycle.Config {
	lc := lifecycle.DefaultConfig()
	lc.MinActiveBeforeCancel = c.MinActiveBeforeCancel
	return lc
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readFloatEnv(name string) (*float64, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
