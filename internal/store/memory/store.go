// Package memory provides in-process delivery and provider stores for tests
// and single-node development.
package memory

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/formrelay/internal/domain"
)

type Store struct {
	mu         sync.RWMutex
	deliveries map[uuid.UUID]domain.DeliveryRecord
	providers  map[string]domain.ProviderConfig
	clock      func() time.Time
}

func New() *Store {
	return &Store{
		deliveries: make(map[uuid.UUID]domain.DeliveryRecord),
		providers:  make(map[string]domain.ProviderConfig),
		clock:      time.Now,
	}
}

// WithClock replaces the clock used for updated_at.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) CreateDelivery(_ context.Context, rec domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[rec.ID]; exists {
		return fmt.Errorf("delivery %s already exists", rec.ID)
	}
	s.deliveries[rec.ID] = clone(rec)
	return nil
}

func (s *Store) GetDelivery(_ context.Context, id uuid.UUID) (domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deliveries[id]
	if !ok {
		return domain.DeliveryRecord{}, domain.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) UpdateDelivery(_ context.Context, id uuid.UUID, u domain.DeliveryUpdate) (domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deliveries[id]
	if !ok {
		return domain.DeliveryRecord{}, domain.ErrNotFound
	}
	if err := u.Allowed(rec.Status); err != nil {
		return domain.DeliveryRecord{}, err
	}
	u.Apply(&rec, s.clock().UTC())
	s.deliveries[id] = rec
	return clone(rec), nil
}

func (s *Store) ListDeliveries(_ context.Context, f domain.DeliveryFilter, page domain.Page) (domain.DeliveryList, error) {
	page = page.Normalize()

	var destRe *regexp.Regexp
	if f.Destination != "" {
		pattern := regexp.QuoteMeta(f.Destination)
		if strings.Contains(f.Destination, "*") {
			pattern = "^" + strings.ReplaceAll(pattern, `\*`, ".*") + "$"
		}
		destRe = regexp.MustCompile("(?i)" + pattern)
	}

	s.mu.RLock()
	matched := make([]domain.DeliveryRecord, 0)
	for _, rec := range s.deliveries {
		if f.Channel != "" && rec.Channel != f.Channel {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
			continue
		}
		if destRe != nil && !destRe.MatchString(rec.Destination) {
			continue
		}
		if f.FormID != "" && rec.FormID != f.FormID {
			continue
		}
		if f.WebhookID != "" && rec.WebhookID != f.WebhookID {
			continue
		}
		if f.CreatedAfter != nil && rec.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && !rec.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		matched = append(matched, clone(rec))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	out := domain.DeliveryList{Total: len(matched), Page: page.Page, PerPage: page.PerPage, Records: []domain.DeliveryRecord{}}
	start := page.Offset()
	if start < len(matched) {
		end := min(start+page.PerPage, len(matched))
		out.Records = matched[start:end]
	}
	return out, nil
}

func (s *Store) ListDue(_ context.Context, q domain.DueQuery) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	var due []domain.DeliveryRecord
	for _, rec := range s.deliveries {
		if q.IsDue(rec) {
			due = append(due, clone(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		return q.DueTime(due[i]).Before(q.DueTime(due[j]))
	})
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

func (s *Store) ListProviders(_ context.Context) ([]domain.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProviderConfig, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p.Full())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProvider(_ context.Context, id string) (domain.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return domain.ProviderConfig{}, domain.ErrProviderNotFound
	}
	return p.Full(), nil
}

func (s *Store) CreateProvider(_ context.Context, cfg domain.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.providers[cfg.ID]; exists {
		return fmt.Errorf("provider %s already exists", cfg.ID)
	}
	s.providers[cfg.ID] = cfg.Full()
	return nil
}

func (s *Store) UpdateProvider(_ context.Context, cfg domain.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[cfg.ID]; !ok {
		return domain.ErrProviderNotFound
	}
	s.providers[cfg.ID] = cfg.Full()
	return nil
}

func (s *Store) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return domain.ErrProviderNotFound
	}
	delete(s.providers, id)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

func clone(rec domain.DeliveryRecord) domain.DeliveryRecord {
	out := rec
	out.Headers = maps.Clone(rec.Headers)
	out.Payload = slices.Clone(rec.Payload)
	out.History = slices.Clone(rec.History)
	return out
}
