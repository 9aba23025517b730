package rates

import (
	"sync"

	"github.com/meterline/creditledger/pkg/credits"
	"go.uber.org/zap"
)

// minimumCost floors every discounted resolution.
const minimumCost credits.Credits = 1

type cacheKey struct {
	endpoint string
	tier     string
}

// Resolver resolves endpoint costs against the current Config snapshot.
// Resolutions are memoized per (endpoint, tier); the memo is dropped whenever
// a snapshot with a different version is installed.
type Resolver struct {
	mu     sync.RWMutex
	config Config
	cache  map[cacheKey]credits.Credits
	logger *zap.Logger
}

// NewResolver wires a resolver over an initial snapshot.
func NewResolver(config Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		config: config,
		cache:  make(map[cacheKey]credits.Credits),
		logger: logger,
	}
}

// Swap installs a new snapshot. A version change invalidates the memoized
// resolutions; installing the same version is a no-op.
func (resolver *Resolver) Swap(config Config) {
	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if config.Version() == resolver.config.Version() {
		return
	}
	resolver.config = config
	resolver.cache = make(map[cacheKey]credits.Credits)
	resolver.logger.Info("rate config swapped",
		zap.Int64("version", config.Version()),
		zap.Int64("default_cost", config.DefaultCost().Int64()),
		zap.Bool("override", config.Override()),
	)
}

// Version returns the active snapshot version.
func (resolver *Resolver) Version() int64 {
	resolver.mu.RLock()
	defer resolver.mu.RUnlock()
	return resolver.config.Version()
}

// Cost resolves the credit cost for an endpoint and tier. With the override
// flag set resolution is bypassed and the cost is zero. A missing or inactive
// rate falls back to the default cost; that is recovered locally and logged as
// a warning, never surfaced to the caller.
func (resolver *Resolver) Cost(endpoint string, tier string) credits.Credits {
	resolver.mu.RLock()
	if resolver.config.Override() {
		resolver.mu.RUnlock()
		return 0
	}
	key := cacheKey{endpoint: endpoint, tier: tier}
	if cost, ok := resolver.cache[key]; ok {
		resolver.mu.RUnlock()
		return cost
	}
	resolver.mu.RUnlock()

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if cost, ok := resolver.cache[key]; ok {
		return cost
	}
	cost := resolver.resolve(endpoint, tier)
	resolver.cache[key] = cost
	return cost
}

func (resolver *Resolver) resolve(endpoint string, tier string) credits.Credits {
	rate, ok := resolver.config.lookup(endpoint)
	if !ok || !rate.Active {
		resolver.logger.Warn("rate not configured, using default cost",
			zap.String("endpoint", endpoint),
			zap.String("tier", tier),
			zap.Int64("default_cost", resolver.config.DefaultCost().Int64()),
			zap.Int64("config_version", resolver.config.Version()),
		)
		return resolver.config.DefaultCost()
	}
	cost := rate.Cost
	if discount, ok := rate.TierDiscountPercent[tier]; ok {
		cost = cost * credits.Credits(100-discount) / 100
	}
	if cost < minimumCost {
		cost = minimumCost
	}
	return cost
}
