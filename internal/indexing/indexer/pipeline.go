package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/graphnode/internal/core/cursor"
	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/filter"
	"github.com/vietddude/graphnode/internal/indexing/ingest"
	"github.com/vietddude/graphnode/internal/indexing/metrics"
	"github.com/vietddude/graphnode/internal/indexing/recovery"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// Pipeline implements the Indexer interface
type Pipeline struct {
	cfg      Config
	resolver *filter.Resolver
	backoff  *recovery.ExponentialBackoff
	logger   *slog.Logger

	// Owned by the Start goroutine.
	index *filter.SourceIndex
	base  *domain.BlockPtr
	start uint64

	running  atomic.Bool
	paused   atomic.Bool
	sources  atomic.Int64
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu          sync.RWMutex
	state       domain.CursorState
	pauseReason string
	lastBlock   *domain.BlockPtr
	lastErr     string
	interrupt   context.CancelFunc // cancels a pending Chain.Next
}

var _ Indexer = (*Pipeline)(nil)

// NewPipeline creates a new indexing pipeline
func NewPipeline(cfg Config) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:      cfg,
		resolver: filter.NewResolver(cfg.Logger),
		logger:   cfg.Logger.With("component", "indexer", "deployment", cfg.DeploymentID),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	p.backoff = &recovery.ExponentialBackoff{
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxAttempts:  cfg.MaxBlockRetries,
		Classifier:   Classify,
	}
	if cfg.Paused {
		p.requestPause("paused by configuration")
	}
	return p
}

// Start begins the indexing loop
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer p.running.Store(false)

	c, err := p.cfg.Cursor.Initialize(ctx, p.cfg.DeploymentID, p.cfg.Manifest.StartBlock())
	if err != nil {
		return err
	}
	p.start = c.StartBlock
	p.setStatusState(c.State)
	switch c.State {
	case domain.CursorStateFailed:
		return fmt.Errorf("%w: %w: %s", ErrDeploymentFailed, cursor.ErrCursorFailed, c.Reason)
	case domain.CursorStatePaused:
		p.requestPause(c.Reason)
	case domain.CursorStateInit, domain.CursorStateReorg:
		if p.paused.Load() {
			break
		}
		if err := p.setState(ctx, domain.CursorStateSyncing, "started"); err != nil {
			return err
		}
	}

	if err := p.resync(ctx); err != nil {
		return err
	}
	p.logger.Info("deployment started",
		"network", p.cfg.Network,
		"cursor", ptrString(p.base),
		"sources", p.index.Size(),
		"paused", p.paused.Load(),
	)

	// held is an event that arrived after a pause was requested.
	var held *ingest.ChainEvent
	for {
		if p.stopped() || !p.waitWhilePaused(ctx) {
			return nil
		}

		ev := held
		held = nil
		if ev == nil {
			next, ok, err := p.next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return p.fail(ctx, p.headPtr(), 0, err)
			}
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			ev = &next
		}
		if p.stopped() {
			return nil
		}
		if p.paused.Load() {
			held = ev
			continue
		}

		if err := p.handle(ctx, *ev); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, ErrDeploymentFailed):
				return err
			}
			return fmt.Errorf("deployment %s: %w", p.cfg.DeploymentID, err)
		}
	}
}

// next waits for the next chain event. Stop and Pause interrupt the wait,
// in which case ok is false and err is nil.
func (p *Pipeline) next(ctx context.Context) (ev ingest.ChainEvent, ok bool, err error) {
	nctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.interrupt = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.interrupt = nil
		p.mu.Unlock()
	}()

	// Requests made before the interrupt was installed.
	if p.stopped() || p.paused.Load() {
		return ingest.ChainEvent{}, false, nil
	}

	ev, err = p.cfg.Chain.Next(nctx)
	if err != nil {
		if nctx.Err() != nil && ctx.Err() == nil {
			return ingest.ChainEvent{}, false, nil
		}
		return ingest.ChainEvent{}, false, err
	}
	return ev, true, nil
}

func (p *Pipeline) interruptNext() {
	p.mu.RLock()
	cancel := p.interrupt
	p.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pipeline) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// handle processes one chain event, retrying per the failure policy. A
// conflicting store write makes the pipeline resync instead.
func (p *Pipeline) handle(ctx context.Context, ev ingest.ChainEvent) error {
	var (
		at domain.BlockPtr
		fn func() error
	)
	switch ev.Kind {
	case ingest.EventRevert:
		at = p.headPtr()
		fn = func() error { return p.revert(ctx, ev) }
	case ingest.EventNewBlock:
		at = ev.Block.Ptr()
		fn = func() error { return p.processBlock(ctx, ev.Block) }
	default:
		return fmt.Errorf("unknown chain event %q", ev.Kind)
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			p.setError(nil)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.setError(err)

		if errors.Is(err, storage.ErrConflict) {
			p.logger.Warn("store rejected block, resyncing", "block", at.String(), "error", err)
			return p.resync(ctx)
		}
		if !p.backoff.ShouldRetry(err, attempt) {
			return p.fail(ctx, at, attempt+1, err)
		}
		p.logger.Warn("block processing failed, retrying",
			"block", at.String(),
			"attempt", attempt+1,
			"category", Classify(err).String(),
			"delay", p.backoff.GetDelay(attempt),
			"error", err,
		)
		if !recovery.Wait(ctx, p.backoff, attempt) {
			return ctx.Err()
		}
	}
}

// resync reloads the cursor and data sources from the store and reseeds the
// chain source right after the committed cursor.
func (p *Pipeline) resync(ctx context.Context) error {
	c, err := p.cfg.Store.Cursor(ctx, p.cfg.DeploymentID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	p.base = c.Block
	p.setBlock(c.Block)

	var ptrs []domain.BlockPtr
	if c.Block != nil {
		from := c.StartBlock
		if c.Block.Number > from+p.cfg.ConfirmationDepth {
			from = c.Block.Number - p.cfg.ConfirmationDepth
		}
		if ptrs, err = p.cfg.Store.Pointers(ctx, p.cfg.DeploymentID, from); err != nil {
			return fmt.Errorf("load block pointers: %w", err)
		}
	}
	p.cfg.Chain.Reset(ptrs)
	return p.reloadSources(ctx)
}

// reloadSources rebuilds the source index from the manifest and the
// committed dynamic sources.
func (p *Pipeline) reloadSources(ctx context.Context) error {
	dynamic, err := p.cfg.Store.DynamicSources(ctx, p.cfg.DeploymentID)
	if err != nil {
		return fmt.Errorf("load dynamic sources: %w", err)
	}
	idx := filter.NewSourceIndex(p.cfg.Manifest.DataSources...)
	for _, d := range dynamic {
		t, ok := p.cfg.Manifest.Template(d.Template)
		if !ok {
			return fmt.Errorf("dynamic source %s: unknown template %q", d.Address.Hex(), d.Template)
		}
		idx.Add(t.Instantiate(d.Address, d.CreatedAt))
	}
	p.index = idx
	p.sources.Store(int64(idx.Size()))
	return nil
}

func (p *Pipeline) revert(ctx context.Context, ev ingest.ChainEvent) error {
	var to uint64
	switch {
	case ev.To != nil:
		to = ev.To.Number
	case p.start > 0:
		to = p.start - 1
	default:
		return fmt.Errorf("%w: genesis block replaced", ingest.ErrDeepReorg)
	}

	if err := p.setState(ctx, domain.CursorStateReorg, fmt.Sprintf("reverting to %d", to)); err != nil {
		return err
	}
	start := time.Now()
	// Not cancelled with ctx.
	target, err := p.cfg.Store.Revert(context.WithoutCancel(ctx), p.cfg.DeploymentID, to)
	if err != nil {
		return fmt.Errorf("revert to %d: %w", to, err)
	}
	metrics.StoreCommitDuration.WithLabelValues(p.cfg.DeploymentID, "revert").Observe(time.Since(start).Seconds())
	p.base = target
	p.setBlock(target)

	if err := p.reloadSources(ctx); err != nil {
		return err
	}
	if err := p.setState(ctx, domain.CursorStateSyncing, "reverted"); err != nil {
		return err
	}

	p.cfg.Cursor.RecordRevert(p.cfg.DeploymentID, target, ev.Depth)
	metrics.Reverts.WithLabelValues(p.cfg.DeploymentID).Inc()
	metrics.RevertDepth.WithLabelValues(p.cfg.DeploymentID).Observe(float64(ev.Depth))
	p.logger.Warn("reverted blocks", "to", ptrString(target), "depth", ev.Depth)

	if p.cfg.Emitter != nil {
		change := &domain.ChangeEvent{
			Deployment: p.cfg.DeploymentID,
			Kind:       domain.ChangeReverted,
			EmittedAt:  time.Now(),
		}
		if target != nil {
			change.Block = *target
		}
		if err := p.cfg.Emitter.Reverted(ctx, change); err != nil {
			p.logger.Warn("failed to publish revert", "error", err)
		}
	}
	return nil
}

// fail halts the deployment: the failure is reported, the cursor is marked
// failed and the error is returned wrapped in ErrDeploymentFailed.
func (p *Pipeline) fail(ctx context.Context, at domain.BlockPtr, attempts int, cause error) error {
	ft := FailureType(cause)
	p.setError(cause)
	p.logger.Error("deployment failed",
		"block", at.String(),
		"failure_type", ft,
		"attempts", attempts,
		"error", cause,
	)

	ctx = context.WithoutCancel(ctx)
	if p.cfg.Recovery != nil {
		if _, err := p.cfg.Recovery.HandleFailure(ctx, p.cfg.DeploymentID, at, ft, attempts, cause); err != nil {
			p.logger.Warn("failed to record failed block", "error", err)
		}
	}
	if err := p.cfg.Cursor.Fail(ctx, p.cfg.DeploymentID, cause.Error()); err != nil {
		p.logger.Warn("failed to mark deployment failed", "error", err)
	}
	p.setStatusState(domain.CursorStateFailed)
	metrics.DeploymentFailures.WithLabelValues(p.cfg.DeploymentID, string(ft)).Inc()
	return fmt.Errorf("%w: block %s: %w", ErrDeploymentFailed, at, cause)
}

func (p *Pipeline) setState(ctx context.Context, state domain.CursorState, reason string) error {
	if err := p.cfg.Cursor.SetState(ctx, p.cfg.DeploymentID, state, reason); err != nil {
		return fmt.Errorf("set state %s: %w", state, err)
	}
	p.setStatusState(state)
	return nil
}

// waitWhilePaused blocks between blocks while a pause is requested. Cursor
// state changes are made here so that only the loop goroutine writes them.
func (p *Pipeline) waitWhilePaused(ctx context.Context) bool {
	if !p.paused.Load() {
		return true
	}
	p.mu.RLock()
	reason := p.pauseReason
	p.mu.RUnlock()
	if err := p.setState(ctx, domain.CursorStatePaused, reason); err != nil {
		p.logger.Warn("failed to record pause", "error", err)
	}
	p.logger.Info("deployment paused", "reason", reason)

	for p.paused.Load() {
		select {
		case <-ctx.Done():
			return false
		case <-p.stop:
			return false
		case <-p.wake:
		}
	}

	if err := p.setState(ctx, domain.CursorStateSyncing, "resumed"); err != nil {
		p.logger.Warn("failed to record resume", "error", err)
	}
	p.logger.Info("deployment resumed")
	return true
}

// Stop stops the pipeline
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.signal()
	p.interruptNext()
	return nil
}

// Pause takes effect between blocks.
func (p *Pipeline) Pause(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "paused by operator"
	}
	p.requestPause(reason)
	p.interruptNext()
	return nil
}

func (p *Pipeline) requestPause(reason string) {
	p.mu.Lock()
	p.pauseReason = reason
	p.mu.Unlock()
	p.paused.Store(true)
}

func (p *Pipeline) Resume(ctx context.Context) error {
	if !p.paused.CompareAndSwap(true, false) {
		return fmt.Errorf("deployment %s is not paused", p.cfg.DeploymentID)
	}
	p.signal()
	return nil
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// GetStatus returns the current status
func (p *Pipeline) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := p.cfg.Cursor.GetMetrics(p.cfg.DeploymentID)
	s := Status{
		DeploymentID:    p.cfg.DeploymentID,
		Network:         p.cfg.Network,
		Running:         p.running.Load(),
		State:           string(p.state),
		ChainHead:       p.cfg.Chain.Head(),
		BlocksPerSecond: m.BlocksPerSecond,
		Reverts:         m.Reverts,
		Sources:         int(p.sources.Load()),
		LastError:       p.lastErr,
	}
	if p.lastBlock != nil {
		n := p.lastBlock.Number
		s.Block = &n
		if s.ChainHead > n {
			s.Lag = int64(s.ChainHead - n)
		}
	}
	return s
}

func (p *Pipeline) setBlock(b *domain.BlockPtr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b == nil {
		p.lastBlock = nil
		return
	}
	ptr := *b
	p.lastBlock = &ptr
}

func (p *Pipeline) setStatusState(state domain.CursorState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Pipeline) setError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.lastErr = ""
		return
	}
	p.lastErr = err.Error()
}

func (p *Pipeline) headPtr() domain.BlockPtr {
	if p.base == nil {
		return domain.BlockPtr{}
	}
	return *p.base
}

func ptrString(b *domain.BlockPtr) string {
	if b == nil {
		return "none"
	}
	return b.String()
}
