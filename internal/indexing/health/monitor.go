package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vietddude/graphnode/internal/core/cursor"
	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// HeadFetcher fetches the latest block number of a network.
type HeadFetcher interface {
	HeadNumber(ctx context.Context) (uint64, error)
}

// Deployment names a monitored deployment and the network it indexes.
type Deployment struct {
	ID      string
	Network string
}

// Monitor aggregates health status of every deployment.
type Monitor struct {
	deployments []Deployment
	cursorMgr   cursor.Manager
	failedRepo  storage.FailedBlockRepository
	heads       map[string]HeadFetcher
	thresholds  Thresholds
	lastCheck   time.Time
	lastReport  map[string]DeploymentHealth
	mu          sync.Mutex
}

// NewMonitor creates a new health monitor. heads maps network names to
// their head fetchers.
func NewMonitor(
	deployments []Deployment,
	cursorMgr cursor.Manager,
	failedRepo storage.FailedBlockRepository,
	heads map[string]HeadFetcher,
	thresholds Thresholds,
) *Monitor {
	return &Monitor{
		deployments: deployments,
		cursorMgr:   cursorMgr,
		failedRepo:  failedRepo,
		heads:       heads,
		thresholds:  thresholds,
		lastReport:  make(map[string]DeploymentHealth),
	}
}

// CheckHealth performs a health check for all deployments.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]DeploymentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < m.thresholds.CheckInterval && len(m.lastReport) > 0 {
		return m.lastReport
	}

	// One head poll per network per check.
	heads := make(map[string]uint64)
	headErrs := make(map[string]error)
	for _, d := range m.deployments {
		if _, done := heads[d.Network]; done || headErrs[d.Network] != nil {
			continue
		}
		fetcher, ok := m.heads[d.Network]
		if !ok {
			headErrs[d.Network] = errors.New("no endpoint for network")
			continue
		}
		head, err := fetcher.HeadNumber(ctx)
		if err != nil {
			headErrs[d.Network] = err
			continue
		}
		heads[d.Network] = head
	}

	report := make(map[string]DeploymentHealth, len(m.deployments))
	for _, d := range m.deployments {
		report[d.ID] = m.check(ctx, d, heads, headErrs)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) check(
	ctx context.Context,
	d Deployment,
	heads map[string]uint64,
	headErrs map[string]error,
) DeploymentHealth {
	h := DeploymentHealth{
		DeploymentID: d.ID,
		Network:      d.Network,
		Status:       StatusHealthy,
	}

	c, err := m.cursorMgr.Get(ctx, d.ID)
	if err != nil {
		h.Status = StatusDegraded
		h.State = string(domain.CursorStateInit)
		h.Reason = err.Error()
		return h
	}
	h.State = string(c.State)
	h.Reason = c.Reason
	if n, ok := c.Height(); ok {
		h.Block = &n
	}
	metrics := m.cursorMgr.GetMetrics(d.ID)
	h.BlocksPerSecond = metrics.BlocksPerSecond
	h.Reverts = metrics.Reverts

	if m.failedRepo != nil {
		if count, err := m.failedRepo.Count(ctx, d.ID); err == nil {
			h.FailedBlocks = count
		}
	}

	if err := headErrs[d.Network]; err != nil {
		h.Status = StatusDegraded
		if h.Reason == "" {
			h.Reason = "chain head unavailable: " + err.Error()
		}
	} else {
		h.ChainHead = heads[d.Network]
		if lag, err := m.cursorMgr.GetLag(ctx, d.ID, h.ChainHead); err == nil {
			h.Lag = lag
		}
	}

	switch {
	case c.State == domain.CursorStateFailed:
		h.Status = StatusCritical
	case h.Lag > m.thresholds.CriticalLag:
		h.Status = StatusCritical
	case h.Lag > m.thresholds.DegradedLag, h.FailedBlocks > 0, c.State == domain.CursorStatePaused:
		h.Status = StatusDegraded
	}
	return h
}
