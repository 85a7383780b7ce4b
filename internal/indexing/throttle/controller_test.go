package throttle

import (
	"testing"
	"time"
)

func TestComputeInterval(t *testing.T) {
	config := DefaultConfig()
	config.MinPollInterval = 100 * time.Millisecond
	config.MaxPollInterval = 60 * time.Second
	config.LagNormalThreshold = 5
	config.LagBurstThreshold = 50

	controller := NewAdaptiveController(12*time.Second, config)

	tests := []struct {
		name     string
		lag      int64
		expected time.Duration
	}{
		{
			name:     "at chain head (lag=0)",
			lag:      0,
			expected: 12 * time.Second, // base interval
		},
		{
			name:     "slightly behind (lag=3)",
			lag:      3,
			expected: 6 * time.Second, // base / 2
		},
		{
			name:     "catching up (lag=20)",
			lag:      20,
			expected: 100 * time.Millisecond, // min interval
		},
		{
			name:     "far behind (lag=100)",
			lag:      100,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := controller.ComputeInterval(tt.lag)
			if result != tt.expected {
				t.Errorf("ComputeInterval(%d) = %v, want %v", tt.lag, result, tt.expected)
			}
			if cur := controller.GetCurrentInterval(); cur != tt.expected {
				t.Errorf("GetCurrentInterval() = %v after lag %d, want %v", cur, tt.lag, tt.expected)
			}
		})
	}
}

func TestComputeInterval_Disabled(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false
	controller := NewAdaptiveController(2*time.Second, config)

	if d := controller.ComputeInterval(0); d != 2*time.Second {
		t.Errorf("expected base interval at head, got %v", d)
	}
	if d := controller.ComputeInterval(10); d != 0 {
		t.Errorf("expected no wait when behind, got %v", d)
	}
	if cur := controller.GetCurrentInterval(); cur != 0 {
		t.Errorf("GetCurrentInterval() = %v, want 0", cur)
	}
}
