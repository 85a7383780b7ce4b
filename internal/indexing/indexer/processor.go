package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/filter"
	"github.com/vietddude/graphnode/internal/indexing/ingest"
	"github.com/vietddude/graphnode/internal/indexing/metrics"
	"github.com/vietddude/graphnode/internal/indexing/recovery"
	"github.com/vietddude/graphnode/internal/indexing/runtime"
	"github.com/vietddude/graphnode/internal/infra/chain"
	"github.com/vietddude/graphnode/internal/infra/storage"
	"github.com/vietddude/graphnode/internal/manifest"
)

// processBlock runs every trigger of block and commits the result. Nothing
// is written unless every handler succeeds.
func (p *Pipeline) processBlock(ctx context.Context, block *domain.Block) error {
	start := time.Now()
	cache := runtime.NewEntityCache(p.cfg.Store, p.cfg.DeploymentID, p.base)

	created, err := p.runTriggers(ctx, cache, p.resolver.Resolve(block, p.index))
	if err != nil {
		return err
	}

	// Sources created while processing the block also see the block: each
	// pass resolves it again for only the sources the previous pass created.
	var (
		dynamic []domain.DynamicSource
		added   []*manifest.DataSource
		seen    = make(map[string]bool)
	)
	for depth := 1; len(created) > 0; depth++ {
		idx := filter.NewSourceIndex()
		for _, d := range created {
			ds, err := p.instantiate(d)
			if err != nil {
				return err
			}
			if seen[ds.Key()] || p.index.Has(ds.Key()) {
				continue
			}
			seen[ds.Key()] = true
			idx.Add(ds)
			added = append(added, ds)
			dynamic = append(dynamic, d)
		}
		if idx.Size() == 0 {
			break
		}
		if depth > p.cfg.MaxDynamicDepth {
			first := idx.Sources()[0]
			return &runtime.Failure{
				Kind:    runtime.FailureHandler,
				Source:  first.Template,
				Handler: "create_data_source",
				Message: fmt.Sprintf("data sources nested deeper than %d levels in block %d",
					p.cfg.MaxDynamicDepth, block.Number),
			}
		}
		if created, err = p.runTriggers(ctx, cache, p.resolver.Resolve(block, idx)); err != nil {
			return err
		}
	}

	changes := domain.BlockChanges{
		Operations:     cache.Operations(),
		DynamicSources: dynamic,
	}
	commitStart := time.Now()
	// A started commit is not cancelled with ctx.
	if err := p.cfg.Store.Apply(context.WithoutCancel(ctx), p.cfg.DeploymentID, block.Ptr(), block.ParentHash, changes); err != nil {
		return fmt.Errorf("apply block %d: %w", block.Number, err)
	}
	metrics.StoreCommitDuration.WithLabelValues(p.cfg.DeploymentID, "apply").Observe(time.Since(commitStart).Seconds())

	p.index.AddBatch(added)
	p.sources.Store(int64(p.index.Size()))
	ptr := block.Ptr()
	p.base = &ptr
	p.setBlock(&ptr)
	p.cfg.Cursor.RecordBlock(p.cfg.DeploymentID, block.Number)

	metrics.BlocksProcessed.WithLabelValues(p.cfg.DeploymentID).Inc()
	metrics.DeploymentHeadBlock.WithLabelValues(p.cfg.DeploymentID).Set(float64(block.Number))
	metrics.BlockProcessingDuration.WithLabelValues(p.cfg.DeploymentID).Observe(time.Since(start).Seconds())

	if len(changes.Operations) > 0 || len(dynamic) > 0 {
		p.logger.Debug("applied block",
			"block", block.Number,
			"operations", len(changes.Operations),
			"new_sources", len(dynamic),
			"duration", time.Since(start),
		)
	}
	p.publish(ctx, ptr, changes.EntityTypes())
	return nil
}

func (p *Pipeline) runTriggers(ctx context.Context, cache *runtime.EntityCache, triggers []filter.Trigger) ([]domain.DynamicSource, error) {
	var created []domain.DynamicSource
	for _, t := range triggers {
		res, err := p.cfg.Runtime.Invoke(ctx, t.Source, t.Handler, t.Payload, cache)
		if err != nil {
			return nil, err
		}
		cache.Apply(res.Operations)
		created = append(created, res.DynamicSources...)
		metrics.TriggersProcessed.WithLabelValues(p.cfg.DeploymentID, string(t.Payload.Kind)).Inc()
	}
	return created, nil
}

func (p *Pipeline) instantiate(d domain.DynamicSource) (*manifest.DataSource, error) {
	t, ok := p.cfg.Manifest.Template(d.Template)
	if !ok {
		return nil, fmt.Errorf("%w: template %q", runtime.ErrUnknownSource, d.Template)
	}
	return t.Instantiate(d.Address, d.CreatedAt), nil
}

func (p *Pipeline) publish(ctx context.Context, block domain.BlockPtr, types []string) {
	if p.cfg.Emitter == nil {
		return
	}
	err := p.cfg.Emitter.Applied(ctx, &domain.ChangeEvent{
		Deployment:  p.cfg.DeploymentID,
		Kind:        domain.ChangeApplied,
		Block:       block,
		EntityTypes: types,
		EmittedAt:   time.Now(),
	})
	if err == nil {
		err = p.cfg.Emitter.OnNewBlock(ctx, p.cfg.Chain.Head())
	}
	if err != nil {
		p.logger.Warn("failed to publish change", "block", block.Number, "error", err)
	}
}

// Classify maps a block processing error to its retry category.
func Classify(err error) recovery.FailureCategory {
	if f, ok := runtime.AsFailure(err); ok {
		if f.Deterministic() {
			return recovery.CategoryDeterministic
		}
		return recovery.CategoryTransient
	}
	switch {
	// A revert target the store never applied means the cursor and the
	// ingestor disagree; retrying repeats the same revert.
	case errors.Is(err, ingest.ErrDeepReorg),
		errors.Is(err, runtime.ErrUnknownSource),
		errors.Is(err, storage.ErrUnknownBlock):
		return recovery.CategoryFatal
	default:
		return recovery.CategoryTransient
	}
}

// FailureType labels err for failure reports.
func FailureType(err error) domain.FailureType {
	if f, ok := runtime.AsFailure(err); ok {
		switch f.Kind {
		case runtime.FailureFuel:
			return domain.FailureTypeFuel
		case runtime.FailureTimeout:
			return domain.FailureTypeTimeout
		case runtime.FailureHost:
			return domain.FailureTypeHost
		default:
			return domain.FailureTypeHandler
		}
	}
	switch {
	case errors.Is(err, ingest.ErrDeepReorg):
		return domain.FailureTypeDeepReorg
	case errors.Is(err, chain.ErrUnavailable):
		return domain.FailureTypeEndpoint
	default:
		return domain.FailureTypeStore
	}
}
