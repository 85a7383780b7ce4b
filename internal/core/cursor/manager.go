package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

var (
	// ErrCursorPaused is returned when resuming work on a paused deployment.
	ErrCursorPaused = errors.New("deployment is paused")

	// ErrCursorFailed is returned when resuming work on a failed deployment.
	ErrCursorFailed = errors.New("deployment is failed")
)

// Manager handles deployment state with state machine enforcement.
type Manager interface {
	// Get retrieves the current cursor of a deployment.
	Get(ctx context.Context, deploymentID string) (*domain.Cursor, error)

	// Initialize creates the cursor if missing and returns it.
	Initialize(ctx context.Context, deploymentID string, startBlock uint64) (*domain.Cursor, error)

	// SetState transitions the deployment to a new state (validates transition).
	SetState(ctx context.Context, deploymentID string, newState State, reason string) error

	// Pause stops a deployment until Resume.
	Pause(ctx context.Context, deploymentID string, reason string) error

	// Resume restarts a paused deployment.
	Resume(ctx context.Context, deploymentID string) error

	// Fail halts a deployment until Unfail.
	Fail(ctx context.Context, deploymentID string, reason string) error

	// Unfail clears the failed state after operator intervention.
	Unfail(ctx context.Context, deploymentID string) error

	// RecordBlock records that a block was committed.
	RecordBlock(deploymentID string, blockNumber uint64)

	// RecordRevert records a rollback to target, unwinding depth blocks.
	RecordRevert(deploymentID string, target *domain.BlockPtr, depth uint64)

	// GetLag returns blocks behind the chain head.
	GetLag(ctx context.Context, deploymentID string, head uint64) (int64, error)

	// GetMetrics returns performance metrics for a deployment.
	GetMetrics(deploymentID string) Metrics

	// SetStateChangeCallback registers callback for state changes.
	SetStateChangeCallback(fn func(deploymentID string, t Transition))
}

// DefaultManager implements Manager with state machine enforcement.
type DefaultManager struct {
	repo             storage.CursorRepository
	mu               sync.RWMutex
	stateCallback    func(string, Transition)
	blockTimeHistory map[string]*MetricsCollector
}

var _ Manager = (*DefaultManager)(nil)

// Get retrieves the current cursor of a deployment.
func (m *DefaultManager) Get(ctx context.Context, deploymentID string) (*domain.Cursor, error) {
	return m.repo.Cursor(ctx, deploymentID)
}

// Initialize creates a new cursor at startBlock, or returns the existing one.
// An existing cursor keeps its original start block.
func (m *DefaultManager) Initialize(
	ctx context.Context,
	deploymentID string,
	startBlock uint64,
) (*domain.Cursor, error) {
	c, err := m.repo.InitCursor(ctx, deploymentID, startBlock)
	if errors.Is(err, storage.ErrCursorExists) {
		c, err = m.repo.Cursor(ctx, deploymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cursor: %w", err)
	}

	m.collector(deploymentID)
	return c, nil
}

func (m *DefaultManager) collector(deploymentID string) *MetricsCollector {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.blockTimeHistory[deploymentID]
	if !ok {
		c = NewMetricsCollector(100)
		m.blockTimeHistory[deploymentID] = c
	}
	return c
}

// SetState transitions the deployment to a new state. Setting the current
// state again only refreshes the reason.
func (m *DefaultManager) SetState(
	ctx context.Context,
	deploymentID string,
	newState State,
	reason string,
) error {
	cursor, err := m.repo.Cursor(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor.State == newState {
		return m.repo.UpdateState(ctx, deploymentID, newState, reason)
	}

	// Validate transition
	if !CanTransition(cursor.State, newState) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			cursor.State,
			newState,
		)
	}

	transition := NewTransition(cursor.State, newState, reason)

	if err := m.repo.UpdateState(ctx, deploymentID, newState, reason); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	c := m.collector(deploymentID)
	m.mu.Lock()
	c.RecordTransition(transition)
	m.mu.Unlock()

	m.mu.RLock()
	cb := m.stateCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(deploymentID, transition)
	}

	return nil
}

// Pause pauses a deployment.
func (m *DefaultManager) Pause(ctx context.Context, deploymentID string, reason string) error {
	return m.SetState(ctx, deploymentID, domain.CursorStatePaused, reason)
}

// Resume resumes a paused deployment.
func (m *DefaultManager) Resume(ctx context.Context, deploymentID string) error {
	cursor, err := m.repo.Cursor(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor.State != domain.CursorStatePaused {
		return fmt.Errorf("deployment is not paused, current state: %s", cursor.State)
	}

	return m.SetState(ctx, deploymentID, domain.CursorStateSyncing, "manual resume")
}

// Fail marks a deployment failed.
func (m *DefaultManager) Fail(ctx context.Context, deploymentID string, reason string) error {
	return m.SetState(ctx, deploymentID, domain.CursorStateFailed, reason)
}

// Unfail clears a failure so the runner picks the deployment up again.
func (m *DefaultManager) Unfail(ctx context.Context, deploymentID string) error {
	cursor, err := m.repo.Cursor(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor.State != domain.CursorStateFailed {
		return fmt.Errorf("deployment is not failed, current state: %s", cursor.State)
	}

	return m.SetState(ctx, deploymentID, domain.CursorStateSyncing, "manual unfail")
}

// RecordBlock records timing for a committed block.
func (m *DefaultManager) RecordBlock(deploymentID string, blockNumber uint64) {
	c := m.collector(deploymentID)
	m.mu.Lock()
	c.RecordBlock(blockNumber, time.Now())
	m.mu.Unlock()
}

// RecordRevert records a store rollback.
func (m *DefaultManager) RecordRevert(deploymentID string, target *domain.BlockPtr, depth uint64) {
	c := m.collector(deploymentID)
	m.mu.Lock()
	c.RecordRevert(target, depth, time.Now())
	m.mu.Unlock()
}

// GetLag returns how many blocks the deployment is behind head.
func (m *DefaultManager) GetLag(
	ctx context.Context,
	deploymentID string,
	head uint64,
) (int64, error) {
	cursor, err := m.repo.Cursor(ctx, deploymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}

	next := cursor.Next()
	if next > head+1 {
		return 0, nil
	}
	return int64(head+1) - int64(next), nil
}

// GetMetrics returns performance metrics for a deployment.
func (m *DefaultManager) GetMetrics(deploymentID string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collector, ok := m.blockTimeHistory[deploymentID]; ok {
		return collector.GetMetrics()
	}

	return Metrics{}
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(deploymentID string, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}
