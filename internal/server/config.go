package server

import (
	"fmt"
	"time"
)

// Config holds server configuration
type Config struct {
	// ProbeInterval is the heartbeat period for transports without native
	// liveness detection.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// AcceptBackoff is the pause after a failed accept before listening again.
	AcceptBackoff time.Duration `yaml:"accept_backoff"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 500 * time.Millisecond,
		AcceptBackoff: 100 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("%w: probe_interval must be positive", ErrInvalidConfig)
	}
	if c.AcceptBackoff < 0 {
		return fmt.Errorf("%w: accept_backoff must not be negative", ErrInvalidConfig)
	}
	return nil
}
