package throttle

import (
	"time"
)

// AdaptiveController computes how long an ingestor waits before asking the
// endpoint for the next block, based on how far behind the head it is.
type AdaptiveController struct {
	basePollInterval time.Duration
	config           AdaptiveConfig

	// Last computed interval, exported as a gauge by the ingestor.
	currentInterval time.Duration
}

// NewAdaptiveController creates a new adaptive controller.
func NewAdaptiveController(basePollInterval time.Duration, config AdaptiveConfig) *AdaptiveController {
	return &AdaptiveController{
		basePollInterval: basePollInterval,
		config:           config,
		currentInterval:  basePollInterval,
	}
}

// ComputeInterval calculates the wait before the next poll.
//
//   - lag <= 0: base interval (at chain head, save API calls)
//   - lag < normal: base interval / 2
//   - lag < burst: min interval
//   - lag >= burst: no wait
func (c *AdaptiveController) ComputeInterval(lag int64) time.Duration {
	if !c.config.Enabled {
		c.currentInterval = c.basePollInterval
		if lag > 0 {
			c.currentInterval = 0
		}
		return c.currentInterval
	}

	var interval time.Duration

	switch {
	case lag <= 0:
		interval = c.basePollInterval

	case lag < c.config.LagNormalThreshold:
		interval = c.basePollInterval / 2

	case lag < c.config.LagBurstThreshold:
		interval = c.config.MinPollInterval

	default:
		c.currentInterval = 0
		return 0
	}

	// Enforce bounds
	interval = max(interval, c.config.MinPollInterval)
	interval = min(interval, c.config.MaxPollInterval)

	c.currentInterval = interval
	return interval
}

// GetCurrentInterval returns the last computed interval (for metrics).
func (c *AdaptiveController) GetCurrentInterval() time.Duration {
	return c.currentInterval
}
