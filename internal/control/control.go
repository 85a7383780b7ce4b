// Package control wires configured deployments to their chains, stores and
// runtimes and runs them side by side.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/graphnode/internal/core/config"
	"github.com/vietddude/graphnode/internal/core/cursor"
	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/core/worker"
	"github.com/vietddude/graphnode/internal/indexing/emitter"
	"github.com/vietddude/graphnode/internal/indexing/health"
	"github.com/vietddude/graphnode/internal/indexing/indexer"
	"github.com/vietddude/graphnode/internal/indexing/throttle"
	"github.com/vietddude/graphnode/internal/infra/chain"
	"github.com/vietddude/graphnode/internal/infra/chain/evm"
	"github.com/vietddude/graphnode/internal/infra/chain/routing"
	"github.com/vietddude/graphnode/internal/infra/ipfs"
)

// ErrUnknownDeployment is returned for deployment ids missing from the config.
var ErrUnknownDeployment = errors.New("unknown deployment")

// Dialer opens the chain endpoint of a network.
type Dialer func(ctx context.Context, n config.NetworkConfig) (chain.Endpoint, error)

// DialEVM connects to the EVM JSON-RPC nodes of a network. With fallback
// URLs the nodes sit behind a failover router; fallbacks that cannot be
// reached at startup are skipped.
func DialEVM(ctx context.Context, n config.NetworkConfig) (chain.Endpoint, error) {
	primary, err := evm.Dial(ctx, n.Name, n.URL)
	if err != nil {
		return nil, err
	}
	if len(n.FallbackURLs) == 0 {
		return primary, nil
	}

	providers := []routing.Provider{{Name: "primary", Endpoint: primary}}
	for i, url := range n.FallbackURLs {
		ep, err := evm.Dial(ctx, n.Name, url)
		if err != nil {
			slog.Warn("skipping fallback endpoint", "network", n.Name, "index", i, "error", err)
			continue
		}
		providers = append(providers, routing.Provider{Name: fmt.Sprintf("fallback-%d", i), Endpoint: ep})
	}
	return routing.NewRouter(n.Name, providers, routing.DefaultConfig(), nil), nil
}

// Options override how the service reaches the outside world.
type Options struct {
	Dialer Dialer  // defaults to DialEVM
	Stores *Stores // defaults to OpenStores; not closed by the service
	Logger *slog.Logger
}

// Service owns every deployment of one process.
type Service struct {
	cfg         *config.AppConfig
	stores      *Stores
	ownStores   bool
	cursors     *cursor.DefaultManager
	feed        *emitter.Broadcaster
	heads       map[string]*throttle.HeadCache
	deployments []*Deployment
	byID        map[string]*Deployment
	monitor     *health.Monitor
	server      *health.Server
	log         *slog.Logger
}

// New builds the service and every configured deployment. Manifests are
// loaded and mapping code compiled here, so configuration mistakes surface
// before anything runs.
func New(ctx context.Context, cfg *config.AppConfig, opts Options) (*Service, error) {
	if opts.Dialer == nil {
		opts.Dialer = DialEVM
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		stores: opts.Stores,
		feed:   emitter.NewBroadcaster(),
		heads:  make(map[string]*throttle.HeadCache),
		byID:   make(map[string]*Deployment),
		log:    opts.Logger.With("component", "control"),
	}
	if s.stores == nil {
		stores, err := OpenStores(ctx, cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
		s.stores = stores
		s.ownStores = true
	}

	s.cursors = cursor.NewManager(s.stores.Store)
	s.cursors.SetStateChangeCallback(func(id string, t cursor.Transition) {
		s.log.Info("deployment state changed",
			"deployment", id,
			"from", t.From,
			"to", t.To,
			"reason", t.Reason,
		)
	})

	var fetcher ipfs.Fetcher
	if cfg.IPFS.URL != "" {
		fetcher = ipfs.NewClient(cfg.IPFS, s.stores.Content, opts.Logger)
	}

	fail := func(err error) (*Service, error) {
		if s.ownStores {
			_ = s.stores.Close()
		}
		return nil, err
	}

	for _, dc := range cfg.Deployments {
		n, ok := cfg.Network(dc.Network)
		if !ok {
			return fail(fmt.Errorf("deployment %s: unknown network %q", dc.ID, dc.Network))
		}
		head, err := s.endpoint(ctx, n, opts.Dialer)
		if err != nil {
			return fail(err)
		}
		d, err := s.build(ctx, dc, n, head, fetcher)
		if err != nil {
			return fail(fmt.Errorf("deployment %s: %w", dc.ID, err))
		}
		s.deployments = append(s.deployments, d)
		s.byID[d.ID] = d
	}

	targets := make([]health.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		targets = append(targets, health.Deployment{ID: d.ID, Network: d.Network})
	}
	fetchers := make(map[string]health.HeadFetcher, len(s.heads))
	for name, h := range s.heads {
		fetchers[name] = h
	}
	s.monitor = health.NewMonitor(targets, s.cursors, s.stores.Failed, fetchers, health.DefaultThresholds())
	s.server = health.NewServer(s.monitor, cfg.Server.Port)
	return s, nil
}

// endpoint returns the shared head cache of a network, dialing it once.
func (s *Service) endpoint(ctx context.Context, n config.NetworkConfig, dial Dialer) (*throttle.HeadCache, error) {
	if h, ok := s.heads[n.Name]; ok {
		return h, nil
	}
	ep, err := dial(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.Name, err)
	}
	h := throttle.NewHeadCache(ep, n.HeadCacheTTL)
	s.heads[n.Name] = h
	return h, nil
}

// Run starts every deployment and blocks until ctx is done. A deployment
// that fails is reported and left halted; the others keep running.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.server.Stop(shutdownCtx)
	})

	if db := s.stores.DB(); db != nil {
		db.StartMetricsCollector(ctx)
	}

	for _, d := range s.deployments {
		g.Go(func() error {
			d.run(ctx, s.log)
			return nil
		})
		if d.pruner != nil {
			g.Go(func() error {
				d.pruner.Start(ctx)
				return nil
			})
		}
	}

	s.log.Info("service started", "deployments", len(s.deployments), "port", s.cfg.Server.Port)
	return g.Wait()
}

// Close releases the stores opened by New.
func (s *Service) Close() error {
	_ = s.feed.Close()
	if s.ownStores {
		return s.stores.Close()
	}
	return nil
}

func (s *Service) deployment(id string) (*Deployment, error) {
	d, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
	}
	return d, nil
}

// Pause pauses a deployment after its current block.
func (s *Service) Pause(ctx context.Context, id, reason string) error {
	d, err := s.deployment(id)
	if err != nil {
		return err
	}
	return d.pipeline.Pause(ctx, reason)
}

// Resume continues a paused deployment.
func (s *Service) Resume(ctx context.Context, id string) error {
	d, err := s.deployment(id)
	if err != nil {
		return err
	}
	return d.pipeline.Resume(ctx)
}

// Stop stops a deployment after its current block. It is not restarted
// until the process is.
func (s *Service) Stop(id string) error {
	d, err := s.deployment(id)
	if err != nil {
		return err
	}
	return d.pipeline.Stop()
}

// Status returns the runner status of a deployment.
func (s *Service) Status(id string) (indexer.Status, error) {
	d, err := s.deployment(id)
	if err != nil {
		return indexer.Status{}, err
	}
	return d.pipeline.GetStatus(), nil
}

// Statuses returns the status of every deployment ordered by id.
func (s *Service) Statuses() []indexer.Status {
	out := make([]indexer.Status, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d.pipeline.GetStatus())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out
}

// Err returns the error that ended a deployment, if any.
func (s *Service) Err(id string) error {
	d, err := s.deployment(id)
	if err != nil {
		return err
	}
	return d.Err()
}

// Subscribe streams the change events of a deployment.
func (s *Service) Subscribe(id string, buffer int) (<-chan domain.ChangeEvent, func(), error) {
	if _, err := s.deployment(id); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.feed.Subscribe(id, buffer)
	return ch, cancel, nil
}

// Health returns the current health report.
func (s *Service) Health(ctx context.Context) health.HealthReport {
	deployments := s.monitor.CheckHealth(ctx)
	return health.HealthReport{
		SystemStatus: health.Aggregate(deployments),
		Deployments:  deployments,
	}
}

// Deployment is one configured deployment and its workers.
type Deployment struct {
	ID       string
	Network  string
	pipeline *indexer.Pipeline
	pruner   *worker.Pruner

	mu  sync.Mutex
	err error
}

func (d *Deployment) run(ctx context.Context, log *slog.Logger) {
	err := d.pipeline.Start(ctx)
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()

	switch {
	case err == nil:
		log.Info("deployment stopped", "deployment", d.ID)
	case errors.Is(err, indexer.ErrDeploymentFailed):
		log.Error("deployment halted", "deployment", d.ID, "error", err)
	default:
		log.Error("deployment exited", "deployment", d.ID, "error", err)
	}
}

// Err returns the error the deployment's runner ended with.
func (d *Deployment) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
