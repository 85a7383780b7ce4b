// Package routing spreads the calls of one network over several endpoint
// providers with failover and a per-provider circuit breaker.
//
// The router sticks to the provider that answered last. A provider whose
// calls fail transiently FailureThreshold times in a row is skipped until
// Cooldown has passed, after which it gets one trial call (half-open).
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/metrics"
	"github.com/vietddude/graphnode/internal/infra/chain"
)

// Provider is one named endpoint of a network.
type Provider struct {
	Name     string
	Endpoint chain.Endpoint
}

// Config tunes the circuit breaker.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig returns the breaker settings used when none are given.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type providerMetrics struct {
	successCount     int
	failureCount     int
	consecutiveFails int
	openedAt         time.Time
	circuitOpen      bool
}

// ProviderStats is a snapshot of one provider's health.
type ProviderStats struct {
	Name             string `json:"name"`
	Successes        int    `json:"successes"`
	Failures         int    `json:"failures"`
	ConsecutiveFails int    `json:"consecutive_fails"`
	CircuitOpen      bool   `json:"circuit_open"`
}

// Router is a chain.Endpoint backed by several providers.
type Router struct {
	network   string
	cfg       Config
	providers []Provider
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	current int
	health  []*providerMetrics
}

var _ chain.Endpoint = (*Router)(nil)

// NewRouter creates a router over providers, preferring them in order.
func NewRouter(network string, providers []Provider, cfg Config, logger *slog.Logger) *Router {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	health := make([]*providerMetrics, len(providers))
	for i := range health {
		health[i] = &providerMetrics{}
	}
	return &Router{
		network:   network,
		cfg:       cfg,
		providers: providers,
		log:       logger.With("component", "routing", "network", network),
		now:       time.Now,
		health:    health,
	}
}

// candidates returns provider indexes in the order to try them: the current
// provider first, then the rest round-robin. Open circuits are left out
// unless their cooldown passed or nothing else is left.
func (r *Router) candidates() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.providers)
	order := make([]int, 0, n)
	var open []int
	for k := 0; k < n; k++ {
		i := (r.current + k) % n
		h := r.health[i]
		if h.circuitOpen && r.now().Sub(h.openedAt) < r.cfg.Cooldown {
			open = append(open, i)
			continue
		}
		order = append(order, i)
	}
	if len(order) == 0 {
		return open
	}
	return order
}

func (r *Router) recordSuccess(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.health[i]
	h.successCount++
	h.consecutiveFails = 0
	h.circuitOpen = false
	if r.current != i {
		r.log.Info("switched provider", "provider", r.providers[i].Name)
		metrics.EndpointFailovers.WithLabelValues(r.network, r.providers[i].Name).Inc()
		r.current = i
	}
}

func (r *Router) recordFailure(i int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.health[i]
	h.failureCount++
	h.consecutiveFails++
	if h.consecutiveFails >= r.cfg.FailureThreshold && !h.circuitOpen {
		h.circuitOpen = true
		h.openedAt = r.now()
		r.log.Warn("provider circuit opened",
			"provider", r.providers[i].Name,
			"consecutive_fails", h.consecutiveFails,
			"error", err,
		)
	} else if h.circuitOpen {
		// A failed half-open trial restarts the cooldown.
		h.openedAt = r.now()
	}
}

// call runs fn against each candidate until one answers. Only transient
// errors move on to the next provider.
func call[T any](ctx context.Context, r *Router, fn func(chain.Endpoint) (T, error)) (T, error) {
	var zero T
	if len(r.providers) == 0 {
		return zero, fmt.Errorf("%w: no providers for %s", chain.ErrUnavailable, r.network)
	}

	var lastErr error
	for _, i := range r.candidates() {
		v, err := fn(r.providers[i].Endpoint)
		if err == nil {
			r.recordSuccess(i)
			return v, nil
		}
		if !errors.Is(err, chain.ErrUnavailable) {
			return zero, err
		}
		r.recordFailure(i, err)
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("all providers of %s failed: %w", r.network, lastErr)
}

func (r *Router) HeadNumber(ctx context.Context) (uint64, error) {
	return call(ctx, r, func(ep chain.Endpoint) (uint64, error) {
		return ep.HeadNumber(ctx)
	})
}

func (r *Router) BlockByNumber(ctx context.Context, number uint64) (*domain.Block, error) {
	return call(ctx, r, func(ep chain.Endpoint) (*domain.Block, error) {
		return ep.BlockByNumber(ctx, number)
	})
}

func (r *Router) BlockByHash(ctx context.Context, hash common.Hash) (*domain.Block, error) {
	return call(ctx, r, func(ep chain.Endpoint) (*domain.Block, error) {
		return ep.BlockByHash(ctx, hash)
	})
}

// Stats returns the health of every provider in configuration order.
func (r *Router) Stats() []ProviderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProviderStats, len(r.providers))
	for i, p := range r.providers {
		h := r.health[i]
		out[i] = ProviderStats{
			Name:             p.Name,
			Successes:        h.successCount,
			Failures:         h.failureCount,
			ConsecutiveFails: h.consecutiveFails,
			CircuitOpen:      h.circuitOpen,
		}
	}
	return out
}
