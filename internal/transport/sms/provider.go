// Package sms holds the SMS provider transports and the factory that builds
// them from stored provider configuration.
package sms

import (
	"context"
	"fmt"
	"strconv"

	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/transport"
)

// CostEstimator is implemented by providers that can price a message before sending it.
type CostEstimator interface {
	EstimateCost(message string) (float64, bool)
}

// Factory builds a live provider from its configuration.
type Factory func(ctx context.Context, cfg domain.ProviderConfig) (transport.Transport, error)

// Factories maps each provider type to its constructor.
type Factories map[domain.ProviderType]Factory

// DefaultFactories returns the constructors for every built-in provider type.
func DefaultFactories() Factories {
	return Factories{
		domain.ProviderTwilio: func(_ context.Context, cfg domain.ProviderConfig) (transport.Transport, error) {
			return NewTwilio(cfg)
		},
		domain.ProviderSNS: func(ctx context.Context, cfg domain.ProviderConfig) (transport.Transport, error) {
			return NewSNS(ctx, cfg)
		},
		domain.ProviderVonage: func(_ context.Context, cfg domain.ProviderConfig) (transport.Transport, error) {
			return NewVonage(cfg)
		},
		domain.ProviderMock: func(_ context.Context, cfg domain.ProviderConfig) (transport.Transport, error) {
			return NewMock(cfg)
		},
	}
}

// Build validates cfg and constructs its provider.
func (f Factories) Build(ctx context.Context, cfg domain.ProviderConfig) (transport.Transport, error) {
	factory, ok := f[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if missing := cfg.MissingSettings(); len(missing) > 0 {
		return nil, fmt.Errorf("provider %s: missing settings %v", cfg.ID, missing)
	}
	return factory(ctx, cfg)
}

func settingFloat(cfg domain.ProviderConfig, key string) (float64, bool, error) {
	v, ok := cfg.Settings[key]
	if !ok || v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("setting %s: %w", key, err)
	}
	return f, true, nil
}

func settingBool(cfg domain.ProviderConfig, key string, def bool) bool {
	v, ok := cfg.Settings[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

var (
	_ transport.Transport = (*Twilio)(nil)
	_ transport.Transport = (*SNS)(nil)
	_ transport.Transport = (*Vonage)(nil)
	_ transport.Transport = (*Mock)(nil)

	_ CostEstimator = (*Vonage)(nil)
	_ CostEstimator = (*Mock)(nil)
)
