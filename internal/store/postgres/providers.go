package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/djlord-it/formrelay/internal/domain"
)

func (s *Store) ListProviders(ctx context.Context) ([]domain.ProviderConfig, error) {
	var rows []providerRow
	if err := s.db.SelectContext(ctx, &rows, queryListProviders); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make([]domain.ProviderConfig, 0, len(rows))
	for _, r := range rows {
		cfg, err := s.providerFromRow(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (domain.ProviderConfig, error) {
	var row providerRow
	if err := s.db.GetContext(ctx, &row, queryGetProvider, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProviderConfig{}, domain.ErrProviderNotFound
		}
		return domain.ProviderConfig{}, fmt.Errorf("get provider: %w", err)
	}
	return s.providerFromRow(ctx, row)
}

func (s *Store) CreateProvider(ctx context.Context, cfg domain.ProviderConfig) error {
	row, err := s.providerToRow(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, queryInsertProvider, row); err != nil {
		if isDuplicateKeyError(err) {
			return domain.NewValidationError("id", "provider already exists")
		}
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

func (s *Store) UpdateProvider(ctx context.Context, cfg domain.ProviderConfig) error {
	row, err := s.providerToRow(ctx, cfg)
	if err != nil {
		return err
	}
	result, err := s.db.NamedExecContext(ctx, queryUpdateProvider, row)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrProviderNotFound
	}
	return nil
}

// DeleteProvider removes the configuration only; delivery records reference
// providers by id string and keep their history.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, queryDeleteProvider, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrProviderNotFound
	}
	return nil
}

func (s *Store) providerToRow(ctx context.Context, cfg domain.ProviderConfig) (providerRow, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = map[string]string{}
	}
	blob, err := json.Marshal(settings)
	if err != nil {
		return providerRow{}, fmt.Errorf("marshal settings: %w", err)
	}
	if s.keeper != nil {
		blob, err = s.keeper.Encrypt(ctx, blob)
		if err != nil {
			return providerRow{}, fmt.Errorf("encrypt settings: %w", err)
		}
	}
	row := providerRow{
		ID:        cfg.ID,
		Name:      cfg.Name,
		Type:      string(cfg.Type),
		Enabled:   cfg.Enabled,
		Priority:  cfg.Priority,
		Settings:  blob,
		IsDefault: cfg.IsDefault,
		CreatedAt: cfg.CreatedAt,
		UpdatedAt: cfg.UpdatedAt,
	}
	if cfg.RateLimitPerMinute != nil {
		row.RateLimitPerMinute = sql.NullInt32{Int32: int32(*cfg.RateLimitPerMinute), Valid: true}
	}
	if cfg.MaxCostPerMessage != nil {
		row.MaxCostPerMessage = sql.NullFloat64{Float64: *cfg.MaxCostPerMessage, Valid: true}
	}
	return row, nil
}

func (s *Store) providerFromRow(ctx context.Context, r providerRow) (domain.ProviderConfig, error) {
	blob := r.Settings
	if s.keeper != nil && len(blob) > 0 {
		plain, err := s.keeper.Decrypt(ctx, blob)
		if err != nil {
			return domain.ProviderConfig{}, fmt.Errorf("decrypt settings for provider %s: %w", r.ID, err)
		}
		blob = plain
	}
	settings := map[string]string{}
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &settings); err != nil {
			return domain.ProviderConfig{}, fmt.Errorf("unmarshal settings for provider %s: %w", r.ID, err)
		}
	}
	cfg := domain.ProviderConfig{
		ID:        r.ID,
		Name:      r.Name,
		Type:      domain.ProviderType(r.Type),
		Enabled:   r.Enabled,
		Priority:  r.Priority,
		Settings:  settings,
		IsDefault: r.IsDefault,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.RateLimitPerMinute.Valid {
		v := int(r.RateLimitPerMinute.Int32)
		cfg.RateLimitPerMinute = &v
	}
	if r.MaxCostPerMessage.Valid {
		v := r.MaxCostPerMessage.Float64
		cfg.MaxCostPerMessage = &v
	}
	return cfg, nil
}
