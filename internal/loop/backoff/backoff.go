// Package backoff computes wait intervals between status polls.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config controls the delay curve.
type Config struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	GrowthFactor float64       `yaml:"growth_factor"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// Jitter spreads each delay by up to 10% in either direction.
	Jitter bool   `yaml:"jitter"`
	Seed   uint64 `yaml:"seed"`
}

// DefaultConfig returns 30s growing by 1.5x up to 5m.
// 30s, 45s, 67.5s, 101.25s, 151.875s, ...
func DefaultConfig() Config {
	return Config{
		BaseDelay:    30 * time.Second,
		GrowthFactor: 1.5,
		MaxDelay:     300 * time.Second,
	}
}

// ErrInvalidConfig is returned for a curve that would not grow or is unbounded.
var ErrInvalidConfig = errors.New("invalid backoff config")

// Validate checks the curve parameters.
func (c Config) Validate() error {
	if c.BaseDelay <= 0 {
		return fmt.Errorf("%w: base delay must be positive", ErrInvalidConfig)
	}
	if c.GrowthFactor <= 1 {
		return fmt.Errorf("%w: growth factor must be greater than 1", ErrInvalidConfig)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("%w: max delay below base delay", ErrInvalidConfig)
	}
	return nil
}

const jitterFraction = 0.1

// Scheduler maps a poll attempt number to a delay. It holds no state, so
// the same attempt always yields the same delay.
type Scheduler struct {
	cfg Config
}

// New creates a scheduler after validating cfg.
func New(cfg Config) (Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return Scheduler{}, err
	}
	return Scheduler{cfg: cfg}, nil
}

// Config returns the scheduler parameters.
func (s Scheduler) Config() Config {
	return s.cfg
}

// Delay returns min(MaxDelay, BaseDelay * GrowthFactor^(attempt-1)).
// Attempts are 1-indexed; anything below 1 is treated as 1.
func (s Scheduler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(s.cfg.BaseDelay) * math.Pow(s.cfg.GrowthFactor, float64(attempt-1))
	if math.IsInf(delay, 0) || delay > float64(s.cfg.MaxDelay) {
		delay = float64(s.cfg.MaxDelay)
	}

	if s.cfg.Jitter {
		r := rand.New(rand.NewPCG(s.cfg.Seed, uint64(attempt)))
		delay += delay * jitterFraction * (2*r.Float64() - 1)
		if delay > float64(s.cfg.MaxDelay) {
			delay = float64(s.cfg.MaxDelay)
		}
	}

	return time.Duration(delay)
}
