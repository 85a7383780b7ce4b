// Package indexer runs deployments: one single-writer loop per deployment
// that turns chain events into committed entity changes.
package indexer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/graphnode/internal/core/cursor"
	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/emitter"
	"github.com/vietddude/graphnode/internal/indexing/ingest"
	"github.com/vietddude/graphnode/internal/indexing/recovery"
	"github.com/vietddude/graphnode/internal/indexing/runtime"
	"github.com/vietddude/graphnode/internal/infra/storage"
	"github.com/vietddude/graphnode/internal/manifest"
)

// ErrDeploymentFailed is returned by Start when the deployment was halted.
var ErrDeploymentFailed = errors.New("deployment failed")

// Indexer is the per-deployment runner.
type Indexer interface {
	// Start runs the deployment until ctx is done, Stop is called or the
	// deployment fails.
	Start(ctx context.Context) error

	// Stop gracefully stops the indexer after the current block.
	Stop() error

	// Pause stops processing after the current block until Resume.
	Pause(ctx context.Context, reason string) error

	// Resume continues a paused deployment.
	Resume(ctx context.Context) error

	// GetStatus returns current indexing status
	GetStatus() Status
}

// ChainSource produces the chain events of one network.
type ChainSource interface {
	Next(ctx context.Context) (ingest.ChainEvent, error)
	Reset(ptrs []domain.BlockPtr)
	Head() uint64
}

// Invoker runs mapping handlers.
type Invoker interface {
	Invoke(
		ctx context.Context,
		source *manifest.DataSource,
		handler string,
		payload domain.TriggerPayload,
		view runtime.View,
	) (*runtime.Result, error)
}

type Status struct {
	DeploymentID    string  `json:"deployment_id"`
	Network         string  `json:"network"`
	Running         bool    `json:"running"`
	State           string  `json:"state"`
	Block           *uint64 `json:"block,omitempty"`
	ChainHead       uint64  `json:"chain_head"`
	Lag             int64   `json:"lag"`
	BlocksPerSecond float64 `json:"blocks_per_second"`
	Reverts         int     `json:"reverts"`
	Sources         int     `json:"sources"`
	LastError       string  `json:"last_error,omitempty"`
}

// Config holds indexer configuration
type Config struct {
	DeploymentID string
	Network      string
	Manifest     *manifest.Manifest
	Chain        ChainSource
	Runtime      Invoker
	Store        storage.Store
	Cursor       cursor.Manager
	Recovery     *recovery.Handler       // optional
	Emitter      *emitter.FinalityBuffer // optional

	// ConfirmationDepth bounds the pointers used to reseed the chain source.
	ConfirmationDepth uint64
	// MaxBlockRetries bounds retries of a block failing deterministically.
	MaxBlockRetries   int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	// MaxDynamicDepth bounds nested data source creation within one block.
	MaxDynamicDepth int
	// Paused starts the deployment paused.
	Paused bool

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxBlockRetries < 0 {
		c.MaxBlockRetries = 0
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = time.Second
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.MaxDynamicDepth <= 0 {
		c.MaxDynamicDepth = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
