package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// PlanNamer fetches a human-readable plan description from a provider
type PlanNamer interface {
	PlanName(ctx context.Context, planID string) (string, error)
}

// PlanLookup resolves a plan name for a provider plan id
type PlanLookup interface {
	Lookup(ctx context.Context, provider providers.Provider, planID string) (string, error)
}

const (
	defaultPlanCacheSize = 256
	defaultPlanCacheTTL  = 10 * time.Minute
	defaultPlanTimeout   = 5 * time.Second
)

// CachedPlanLookup caches provider plan names. Concurrent misses for the
// same plan share one API call, and each call is bounded by a timeout.
type CachedPlanLookup struct {
	namers  map[providers.Provider]PlanNamer
	cache   *expirable.LRU[string, string]
	group   singleflight.Group
	timeout time.Duration
	metrics *observability.Metrics
	logger  *logrus.Logger
}

// NewCachedPlanLookup creates a CachedPlanLookup. Zero ttl or timeout use defaults.
func NewCachedPlanLookup(ttl, timeout time.Duration, metrics *observability.Metrics, logger *logrus.Logger) *CachedPlanLookup {
	if ttl <= 0 {
		ttl = defaultPlanCacheTTL
	}
	if timeout <= 0 {
		timeout = defaultPlanTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CachedPlanLookup{
		namers:  make(map[providers.Provider]PlanNamer),
		cache:   expirable.NewLRU[string, string](defaultPlanCacheSize, nil, ttl),
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Register sets the namer used for a provider
func (l *CachedPlanLookup) Register(provider providers.Provider, namer PlanNamer) {
	l.namers[provider] = namer
}

// Lookup returns the plan name, consulting the provider API on a cache miss
func (l *CachedPlanLookup) Lookup(ctx context.Context, provider providers.Provider, planID string) (string, error) {
	key := string(provider) + ":" + planID
	if name, ok := l.cache.Get(key); ok {
		l.metrics.RecordPlanLookup(provider.Lower(), "cache")
		return name, nil
	}

	namer, ok := l.namers[provider]
	if !ok {
		return "", fmt.Errorf("no plan lookup for provider %s", provider)
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		name, err := namer.PlanName(fetchCtx, planID)
		if err != nil {
			return "", err
		}
		l.cache.Add(key, name)
		return name, nil
	})
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"provider": provider,
			"plan_id":  planID,
		}).Warn("Failed to fetch plan details")
		return "", fmt.Errorf("failed to fetch plan %s: %w", planID, err)
	}

	l.metrics.RecordPlanLookup(provider.Lower(), "api")
	return v.(string), nil
}
