// Package health provides deployment health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a deployment.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Thresholds decide when lag or failure reports degrade a deployment.
type Thresholds struct {
	DegradedLag int64
	CriticalLag int64
	// CheckInterval rate limits head polls; reports are cached in between.
	CheckInterval time.Duration
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedLag:   10,
		CriticalLag:   100,
		CheckInterval: 10 * time.Second,
	}
}

// DeploymentHealth contains health figures for one deployment.
type DeploymentHealth struct {
	DeploymentID    string       `json:"deployment_id"`
	Network         string       `json:"network"`
	Status          SystemStatus `json:"status"`
	State           string       `json:"state"`
	Reason          string       `json:"reason,omitempty"`
	Block           *uint64      `json:"block,omitempty"`
	ChainHead       uint64       `json:"chain_head"`
	Lag             int64        `json:"lag"`
	FailedBlocks    int          `json:"failed_blocks"`
	BlocksPerSecond float64      `json:"blocks_per_second"`
	Reverts         int          `json:"reverts"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                `json:"system_status"`
	Deployments  map[string]DeploymentHealth `json:"deployments"`
}

// Aggregate returns the worst status of the deployments.
func Aggregate(deployments map[string]DeploymentHealth) SystemStatus {
	status := StatusHealthy
	for _, d := range deployments {
		if d.Status == StatusCritical {
			return StatusCritical
		}
		if d.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
