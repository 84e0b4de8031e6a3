package provider

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/google/uuid"
	validation "github.com/jellydator/validation"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/domain"
)

// Patch is a partial provider update. Settings entries replace existing keys;
// an empty value removes the key.
type Patch struct {
	Name               *string
	Enabled            *bool
	Priority           *int
	Settings           map[string]string
	IsDefault          *bool
	RateLimitPerMinute *int
	MaxCostPerMessage  *float64
}

func validateConfig(cfg domain.ProviderConfig) error {
	types := make([]any, 0)
	for _, t := range domain.ProviderTypes() {
		types = append(types, t)
	}
	err := validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Name, validation.Required.Error("name is required"), validation.Length(1, 100)),
		validation.Field(&cfg.Type, validation.Required.Error("type is required"), validation.In(types...).Error("unknown provider type")),
		validation.Field(&cfg.Priority, validation.Min(0)),
		validation.Field(&cfg.RateLimitPerMinute, validation.Min(1)),
		validation.Field(&cfg.MaxCostPerMessage, validation.Min(0.0)),
	)
	if err != nil {
		return domain.FromValidation(err)
	}
	if missing := cfg.MissingSettings(); len(missing) > 0 {
		return domain.NewValidationError("settings", fmt.Sprintf("missing required settings %v", missing))
	}
	return nil
}

// List returns every provider, enabled or not, ordered by priority.
func (r *Registry) List(ctx context.Context) ([]domain.ProviderConfig, error) {
	all, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	sortByPriority(all)
	return all, nil
}

func (r *Registry) Get(ctx context.Context, id string) (domain.ProviderConfig, error) {
	return r.store.GetProvider(ctx, id)
}

// Create validates and stores a new provider.
func (r *Registry) Create(ctx context.Context, cfg domain.ProviderConfig) (domain.ProviderConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Settings == nil {
		cfg.Settings = map[string]string{}
	}
	if err := validateConfig(cfg); err != nil {
		return domain.ProviderConfig{}, err
	}
	now := r.clock().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := r.store.CreateProvider(ctx, cfg); err != nil {
		return domain.ProviderConfig{}, fmt.Errorf("create provider: %w", err)
	}
	if cfg.IsDefault {
		if err := r.clearOtherDefaults(ctx, cfg.ID); err != nil {
			return domain.ProviderConfig{}, err
		}
	}
	log.Info().Str("component", "registry").Str("provider", cfg.ID).Str("type", string(cfg.Type)).Msg("provider created")
	return cfg, nil
}

// Update applies p to the provider and invalidates its cached instance.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (domain.ProviderConfig, error) {
	cfg, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return domain.ProviderConfig{}, err
	}

	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		cfg.Priority = *p.Priority
	}
	if p.Settings != nil {
		settings := maps.Clone(cfg.Settings)
		if settings == nil {
			settings = map[string]string{}
		}
		spec, _ := domain.LookupProviderType(cfg.Type)
		for k, v := range p.Settings {
			if v == "" {
				delete(settings, k)
				continue
			}
			// A masked secret echoed back from the redacted view keeps the stored value.
			if cur, ok := settings[k]; ok && slices.Contains(spec.Secrets, k) && v == domain.MaskSecret(cur) {
				continue
			}
			settings[k] = v
		}
		cfg.Settings = settings
	}
	if p.IsDefault != nil {
		cfg.IsDefault = *p.IsDefault
	}
	if p.RateLimitPerMinute != nil {
		cfg.RateLimitPerMinute = p.RateLimitPerMinute
	}
	if p.MaxCostPerMessage != nil {
		cfg.MaxCostPerMessage = p.MaxCostPerMessage
	}

	if err := validateConfig(cfg); err != nil {
		return domain.ProviderConfig{}, err
	}
	cfg.UpdatedAt = r.clock().UTC()

	if err := r.store.UpdateProvider(ctx, cfg); err != nil {
		return domain.ProviderConfig{}, fmt.Errorf("update provider: %w", err)
	}
	r.Invalidate(id)

	if p.IsDefault != nil && *p.IsDefault {
		if err := r.clearOtherDefaults(ctx, id); err != nil {
			return domain.ProviderConfig{}, err
		}
	}
	log.Info().Str("component", "registry").Str("provider", id).Msg("provider updated")
	return cfg, nil
}

func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (domain.ProviderConfig, error) {
	return r.Update(ctx, id, Patch{Enabled: &enabled})
}

func (r *Registry) SetPriority(ctx context.Context, id string, priority int) (domain.ProviderConfig, error) {
	return r.Update(ctx, id, Patch{Priority: &priority})
}

// Delete removes the provider. Delivery records keep its id as a plain string.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.store.GetProvider(ctx, id); err != nil {
		return err
	}
	if err := r.store.DeleteProvider(ctx, id); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	r.Invalidate(id)
	log.Info().Str("component", "registry").Str("provider", id).Msg("provider deleted")
	return nil
}

func (r *Registry) clearOtherDefaults(ctx context.Context, keepID string) error {
	all, err := r.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	for _, other := range all {
		if other.ID == keepID || !other.IsDefault {
			continue
		}
		other.IsDefault = false
		other.UpdatedAt = r.clock().UTC()
		if err := r.store.UpdateProvider(ctx, other); err != nil && !isNotFound(err) {
			return fmt.Errorf("clear default on %s: %w", other.ID, err)
		}
		r.Invalidate(other.ID)
	}
	return nil
}

func sortByPriority(cfgs []domain.ProviderConfig) {
	sort.SliceStable(cfgs, func(i, j int) bool {
		if cfgs[i].Priority != cfgs[j].Priority {
			return cfgs[i].Priority < cfgs[j].Priority
		}
		return cfgs[i].CreatedAt.Before(cfgs[j].CreatedAt)
	})
}
