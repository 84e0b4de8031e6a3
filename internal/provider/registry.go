// Package provider owns SMS provider configuration and the live transports
// built from it.
//
// The Registry orders enabled providers for a send, caches one transport per
// provider id, and drops the cached transport whenever that provider's
// configuration changes. It is safe for concurrent use.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/transport"
	"github.com/djlord-it/formrelay/internal/transport/sms"
)

// Store persists provider configurations.
type Store interface {
	ListProviders(ctx context.Context) ([]domain.ProviderConfig, error)
	// GetProvider returns domain.ErrProviderNotFound for unknown ids.
	GetProvider(ctx context.Context, id string) (domain.ProviderConfig, error)
	CreateProvider(ctx context.Context, cfg domain.ProviderConfig) error
	// UpdateProvider returns domain.ErrProviderNotFound for unknown ids.
	UpdateProvider(ctx context.Context, cfg domain.ProviderConfig) error
	DeleteProvider(ctx context.Context, id string) error
}

// MetricsSink records provider selection. Implementations must be non-blocking.
type MetricsSink interface {
	ProviderCacheMiss(providerType string)
}

// Instance is a live transport for one provider configuration.
type Instance struct {
	Config    domain.ProviderConfig
	Transport transport.Transport

	limiter *rate.Limiter
}

// Allow reports whether the provider's rate limit admits one more message now.
func (i *Instance) Allow() bool {
	if i.limiter == nil {
		return true
	}
	return i.limiter.Allow()
}

// WithinCostLimit reports whether message fits the provider's max cost. Providers
// that cannot estimate cost are always within the limit.
func (i *Instance) WithinCostLimit(message string) bool {
	if i.Config.MaxCostPerMessage == nil {
		return true
	}
	est, ok := i.Transport.(sms.CostEstimator)
	if !ok {
		return true
	}
	cost, known := est.EstimateCost(message)
	return !known || cost <= *i.Config.MaxCostPerMessage
}

type Registry struct {
	store     Store
	factories sms.Factories
	metrics   MetricsSink

	cache *gocache.Cache
	group singleflight.Group
	clock func() time.Time
}

// NewRegistry creates a registry. Cached instances expire after ttl even
// without an invalidation; ttl <= 0 keeps them until invalidated.
func NewRegistry(store Store, factories sms.Factories, ttl time.Duration) *Registry {
	expiration := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = ttl * 2
	}
	return &Registry{
		store:     store,
		factories: factories,
		cache:     gocache.New(expiration, cleanup),
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the registry.
func (r *Registry) WithMetrics(sink MetricsSink) *Registry {
	r.metrics = sink
	return r
}

// Ordered returns the enabled providers by ascending priority. The preferred
// provider, or the default one when preferredID is empty, is moved to the front
// if it is enabled.
func (r *Registry) Ordered(ctx context.Context, preferredID string) ([]domain.ProviderConfig, error) {
	all, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	enabled := make([]domain.ProviderConfig, 0, len(all))
	for _, p := range all {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	sortByPriority(enabled)

	first := -1
	for i, p := range enabled {
		if preferredID != "" && p.ID == preferredID {
			first = i
			break
		}
		if preferredID == "" && p.IsDefault {
			first = i
			break
		}
	}
	if first > 0 {
		pref := enabled[first]
		copy(enabled[1:first+1], enabled[:first])
		enabled[0] = pref
	}
	return enabled, nil
}

// Instance returns the live transport for cfg, building it on first use or
// when the cached one was built from an older version of the configuration.
func (r *Registry) Instance(ctx context.Context, cfg domain.ProviderConfig) (*Instance, error) {
	if v, ok := r.cache.Get(cfg.ID); ok {
		inst := v.(*Instance)
		if inst.Config.UpdatedAt.Equal(cfg.UpdatedAt) {
			return inst, nil
		}
	}

	v, err, _ := r.group.Do(cfg.ID, func() (any, error) {
		if v, ok := r.cache.Get(cfg.ID); ok {
			inst := v.(*Instance)
			if inst.Config.UpdatedAt.Equal(cfg.UpdatedAt) {
				return inst, nil
			}
		}
		if r.metrics != nil {
			r.metrics.ProviderCacheMiss(string(cfg.Type))
		}
		tr, err := r.factories.Build(ctx, cfg.Full())
		if err != nil {
			return nil, err
		}
		inst := &Instance{Config: cfg.Full(), Transport: tr}
		if cfg.RateLimitPerMinute != nil && *cfg.RateLimitPerMinute > 0 {
			perMinute := *cfg.RateLimitPerMinute
			inst.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		}
		r.cache.Set(cfg.ID, inst, gocache.DefaultExpiration)
		log.Debug().Str("component", "registry").Str("provider", cfg.ID).Str("type", string(cfg.Type)).Msg("provider instance built")
		return inst, nil
	})
	if err != nil {
		return nil, fmt.Errorf("build provider %s: %w", cfg.ID, err)
	}
	return v.(*Instance), nil
}

// Invalidate drops the cached instance for id.
func (r *Registry) Invalidate(id string) {
	r.cache.Delete(id)
}

// InvalidateAll drops every cached instance.
func (r *Registry) InvalidateAll() {
	r.cache.Flush()
}

// Cached reports whether an instance for id is currently cached.
func (r *Registry) Cached(id string) bool {
	_, ok := r.cache.Get(id)
	return ok
}

// Health builds (or reuses) the provider and runs its health check.
func (r *Registry) Health(ctx context.Context, id string) (bool, error) {
	cfg, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return false, err
	}
	inst, err := r.Instance(ctx, cfg)
	if err != nil {
		return false, err
	}
	return inst.Transport.CheckHealth(ctx), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrProviderNotFound) || errors.Is(err, domain.ErrNotFound)
}
