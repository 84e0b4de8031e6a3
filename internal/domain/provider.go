package domain

import (
	"maps"
	"slices"
	"time"
)

type ProviderType string

const (
	ProviderTwilio ProviderType = "twilio"
	ProviderSNS    ProviderType = "aws_sns"
	ProviderVonage ProviderType = "vonage"
	ProviderMock   ProviderType = "mock"
)

// ProviderTypeSpec declares the settings a provider type needs and which of
// them are secrets.
type ProviderTypeSpec struct {
	Required []string
	Secrets  []string
}

var providerTypes = map[ProviderType]ProviderTypeSpec{
	ProviderTwilio: {
		Required: []string{"account_sid", "auth_token", "from_number"},
		Secrets:  []string{"auth_token"},
	},
	ProviderSNS: {
		Required: []string{"region"},
		Secrets:  []string{"secret_access_key"},
	},
	ProviderVonage: {
		Required: []string{"api_key", "api_secret", "from"},
		Secrets:  []string{"api_secret"},
	},
	ProviderMock: {},
}

// LookupProviderType returns the spec for t.
func LookupProviderType(t ProviderType) (ProviderTypeSpec, bool) {
	spec, ok := providerTypes[t]
	return spec, ok
}

// ProviderTypes lists the known provider types in a stable order.
func ProviderTypes() []ProviderType {
	return slices.Sorted(maps.Keys(providerTypes))
}

// ProviderConfig is the full, secret-bearing configuration of one SMS provider.
// Only the registry and the transports see this form; everything returned to
// operators goes through Redacted.
type ProviderConfig struct {
	ID                 string
	Name               string
	Type               ProviderType
	Enabled            bool
	Priority           int
	Settings           map[string]string
	IsDefault          bool
	RateLimitPerMinute *int
	MaxCostPerMessage  *float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RedactedProviderConfig is the masked projection of a ProviderConfig.
type RedactedProviderConfig struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Type               ProviderType      `json:"type"`
	Enabled            bool              `json:"enabled"`
	Priority           int               `json:"priority"`
	Settings           map[string]string `json:"settings"`
	IsDefault          bool              `json:"is_default"`
	RateLimitPerMinute *int              `json:"rate_limit_per_minute,omitempty"`
	MaxCostPerMessage  *float64          `json:"max_cost_per_message,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Full returns a deep copy of the configuration.
func (c ProviderConfig) Full() ProviderConfig {
	out := c
	out.Settings = maps.Clone(c.Settings)
	return out
}

// Redacted returns the operator-facing view with the type's secret settings masked.
func (c ProviderConfig) Redacted() RedactedProviderConfig {
	spec := providerTypes[c.Type]
	settings := make(map[string]string, len(c.Settings))
	for k, v := range c.Settings {
		if slices.Contains(spec.Secrets, k) {
			v = MaskSecret(v)
		}
		settings[k] = v
	}
	return RedactedProviderConfig{
		ID:                 c.ID,
		Name:               c.Name,
		Type:               c.Type,
		Enabled:            c.Enabled,
		Priority:           c.Priority,
		Settings:           settings,
		IsDefault:          c.IsDefault,
		RateLimitPerMinute: c.RateLimitPerMinute,
		MaxCostPerMessage:  c.MaxCostPerMessage,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

// MissingSettings returns the required settings absent from the config.
func (c ProviderConfig) MissingSettings() []string {
	var missing []string
	for _, k := range providerTypes[c.Type].Required {
		if c.Settings[k] == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// MaskSecret keeps the last four characters of long secrets.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
