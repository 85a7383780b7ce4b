package throttle

import "time"

// AdaptiveConfig holds configuration for adaptive polling.
type AdaptiveConfig struct {
	// Enabled controls whether adaptive polling is active
	Enabled bool

	// Interval bounds
	MinPollInterval time.Duration // Fastest polling rate (default: 100ms)
	MaxPollInterval time.Duration // Slowest polling rate (default: 60s)

	// Lag thresholds for interval adjustment
	LagNormalThreshold int64 // Below this = half interval (default: 5)
	LagBurstThreshold  int64 // Above this = no wait at all (default: 50)
}

// DefaultConfig returns sensible defaults for adaptive polling.
func DefaultConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:            true,
		MinPollInterval:    100 * time.Millisecond,
		MaxPollInterval:    60 * time.Second,
		LagNormalThreshold: 5,
		LagBurstThreshold:  50,
	}
}
