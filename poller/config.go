package poller

import (
	"fmt"
	"time"

	"github.com/freundallein/sqspoller/chassis/config"
)

// PollingConfig controls the cadence and stop policy of an Engine.
type PollingConfig struct {
	// BaseInterval is the pause between polls while the queue is active.
	BaseInterval time.Duration
	// IdleInterval is the pause once IdleThreshold consecutive polls came back empty.
	IdleInterval time.Duration
	// IdleThreshold is the number of consecutive empty polls before the
	// engine slows down (or stops, with AutoStopOnIdle). Zero means always idle.
	IdleThreshold uint
	// FailureThreshold is the number of consecutive processing failures
	// after which the engine stops itself. Non-positive disables the check.
	FailureThreshold int
	// AutoStopOnIdle stops the engine instead of slowing it down.
	AutoStopOnIdle bool
	// LegacyIdleCount counts every iteration as idle, including ones that
	// received a message, and checks the idle stop before sleeping.
	LegacyIdleCount bool
}

// DefaultPollingConfig ...
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		BaseInterval:     time.Second,
		IdleInterval:     30 * time.Second,
		IdleThreshold:    10,
		FailureThreshold: -1,
	}
}

// Validate ...
func (c PollingConfig) Validate() error {
	if c.BaseInterval < 0 || c.IdleInterval < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidConfig)
	}
	if c.IdleInterval < c.BaseInterval {
		return fmt.Errorf("%w: idle interval %s is shorter than base interval %s", ErrInvalidConfig, c.IdleInterval, c.BaseInterval)
	}
	return nil
}

// FromConfig converts the millisecond based file settings.
func FromConfig(p config.Polling) (PollingConfig, error) {
	if p.IdleAfter < 0 {
		return PollingConfig{}, fmt.Errorf("%w: negative idleAfter %d", ErrInvalidConfig, p.IdleAfter)
	}
	cfg := PollingConfig{
		BaseInterval:     time.Duration(p.Sleep) * time.Millisecond,
		IdleInterval:     time.Duration(p.IdleSleep) * time.Millisecond,
		IdleThreshold:    uint(p.IdleAfter),
		FailureThreshold: p.KillAfter,
		AutoStopOnIdle:   p.AutoStop,
		LegacyIdleCount:  p.LegacyIdleCount,
	}
	return cfg, cfg.Validate()
}
