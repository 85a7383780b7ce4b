package control

import (
	"context"
	"fmt"

	"github.com/vietddude/graphnode/internal/core/config"
	"github.com/vietddude/graphnode/internal/core/worker"
	"github.com/vietddude/graphnode/internal/indexing/emitter"
	"github.com/vietddude/graphnode/internal/indexing/indexer"
	"github.com/vietddude/graphnode/internal/indexing/ingest"
	"github.com/vietddude/graphnode/internal/indexing/recovery"
	"github.com/vietddude/graphnode/internal/indexing/runtime"
	"github.com/vietddude/graphnode/internal/indexing/throttle"
	"github.com/vietddude/graphnode/internal/infra/ipfs"
	"github.com/vietddude/graphnode/internal/manifest"
)

// build assembles the runner of one deployment.
func (s *Service) build(
	ctx context.Context,
	dc config.DeploymentConfig,
	n config.NetworkConfig,
	head *throttle.HeadCache,
	fetcher ipfs.Fetcher,
) (*Deployment, error) {
	log := s.log.With("deployment", dc.ID, "network", n.Name)
	idx := s.cfg.Indexing

	m, err := manifest.Load(ctx, dc.Manifest, fetcher)
	if err != nil {
		return nil, err
	}
	if m.Network != "" && m.Network != n.Name {
		return nil, fmt.Errorf("manifest indexes %q, deployment is on %q", m.Network, n.Name)
	}

	rt, err := runtime.New(runtime.Config{
		Fuel:    idx.FuelPerHandler,
		Timeout: idx.HandlerTimeout,
	}, dc.ID, m, fetcher, log)
	if err != nil {
		return nil, err
	}

	chainSource := ingest.New(ingest.Config{
		Deployment:        dc.ID,
		Network:           n.Name,
		StartBlock:        m.StartBlock(),
		ConfirmationDepth: n.ConfirmationDepth,
		PollInterval:      n.PollInterval,
		RetryInitialDelay: idx.RetryInitialDelay,
		RetryMaxDelay:     idx.RetryMaxDelay,
		Adaptive:          throttle.DefaultConfig(),
	}, head, log)

	out := emitter.Multi{&emitter.LogEmitter{Logger: log}, s.feed}

	pipeline := indexer.NewPipeline(indexer.Config{
		DeploymentID:      dc.ID,
		Network:           n.Name,
		Manifest:          m,
		Chain:             chainSource,
		Runtime:           rt,
		Store:             s.stores.Store,
		Cursor:            s.cursors,
		Recovery:          recovery.NewHandler(s.stores.Failed, log),
		Emitter:           emitter.NewFinalityBuffer(out, n.ConfirmationDepth),
		ConfirmationDepth: n.ConfirmationDepth,
		MaxBlockRetries:   idx.MaxBlockRetries,
		RetryInitialDelay: idx.RetryInitialDelay,
		RetryMaxDelay:     idx.RetryMaxDelay,
		MaxDynamicDepth:   idx.MaxDynamicDepth,
		Paused:            dc.Paused,
		Logger:            log,
	})

	d := &Deployment{
		ID:       dc.ID,
		Network:  n.Name,
		pipeline: pipeline,
	}
	if idx.HistoryBlocks > 0 {
		d.pruner = worker.NewPruner(worker.PrunerConfig{
			DeploymentID:      dc.ID,
			HistoryBlocks:     idx.HistoryBlocks,
			ConfirmationDepth: n.ConfirmationDepth,
			Interval:          idx.PruneInterval,
		}, s.stores.Store, log)
	}
	return d, nil
}
