// Package delivery is the entry point the rest of the application uses to
// start, inspect and steer deliveries.
//
// Submit validates a trigger, persists a pending record and hands it to the
// worker pool. SubmitAndWait additionally blocks until the attempt loop
// settles, which keeps the synchronous contract callers expect without
// tying a goroutine to every backoff sleep.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/transport"
	"github.com/djlord-it/formrelay/internal/transport/sms"
	"github.com/djlord-it/formrelay/internal/worker"
)

// Store persists delivery records.
type Store interface {
	CreateDelivery(ctx context.Context, rec domain.DeliveryRecord) error
	GetDelivery(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error)
	UpdateDelivery(ctx context.Context, id uuid.UUID, u domain.DeliveryUpdate) (domain.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, f domain.DeliveryFilter, page domain.Page) (domain.DeliveryList, error)
}

// Queue hands delivery ids to the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	Future(id uuid.UUID) *worker.Future
}

// DestinationValidator checks and normalizes a webhook URL.
type DestinationValidator interface {
	ValidateDestination(ctx context.Context, destination string) transport.Validation
}

// Notifier runs outcome side effects for records settled outside the attempt loop.
type Notifier interface {
	NotifySettled(ctx context.Context, rec domain.DeliveryRecord)
}

// Config holds service defaults.
type Config struct {
	WebhookTimeout     time.Duration
	WebhookMaxRetries  int
	SMSMaxRetries      int
	SubmitWaitTimeout  time.Duration
	DefaultCountryCode string
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		WebhookTimeout:     domain.DefaultWebhookTimeout,
		WebhookMaxRetries:  domain.DefaultWebhookMaxRetries,
		SMSMaxRetries:      domain.DefaultSMSMaxRetries,
		SubmitWaitTimeout:  5 * time.Minute,
		DefaultCountryCode: "1",
	}
}

type Service struct {
	config   Config
	store    Store
	queue    Queue
	webhooks DestinationValidator
	notifier Notifier // optional
	clock    func() time.Time
}

// NewService creates a Service. Zero config fields take their defaults.
func NewService(config Config, store Store, queue Queue, webhooks DestinationValidator) *Service {
	def := DefaultConfig()
	if config.WebhookTimeout <= 0 {
		config.WebhookTimeout = def.WebhookTimeout
	}
	if config.WebhookMaxRetries <= 0 {
		config.WebhookMaxRetries = def.WebhookMaxRetries
	}
	if config.SMSMaxRetries <= 0 {
		config.SMSMaxRetries = def.SMSMaxRetries
	}
	if config.SubmitWaitTimeout <= 0 {
		config.SubmitWaitTimeout = def.SubmitWaitTimeout
	}
	if config.DefaultCountryCode == "" {
		config.DefaultCountryCode = def.DefaultCountryCode
	}
	return &Service{
		config:   config,
		store:    store,
		queue:    queue,
		webhooks: webhooks,
		clock:    time.Now,
	}
}

// WithNotifier attaches the outcome side effects used by Cancel and
// RecordDeliveryReport.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Submit validates t, creates a pending record and enqueues it. Records
// scheduled for the future are left to the resumer. The returned record is
// the freshly created one; its status reflects nothing but creation.
func (s *Service) Submit(ctx context.Context, t domain.Trigger) (domain.DeliveryRecord, error) {
	rec, err := s.create(ctx, t)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if s.deferred(rec) {
		return rec, nil
	}
	if err := s.queue.Enqueue(ctx, rec.ID); err != nil {
		s.enqueueFailed(rec, err)
	}
	return rec, nil
}

// SubmitAndWait behaves like Submit and then waits until the attempt loop
// settles or the submit wait timeout expires. On timeout the current record
// is returned and delivery continues in the background.
func (s *Service) SubmitAndWait(ctx context.Context, t domain.Trigger) (domain.DeliveryRecord, error) {
	rec, err := s.create(ctx, t)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if s.deferred(rec) {
		return rec, nil
	}
	return s.enqueueAndWait(ctx, rec)
}

// GetStatus returns the record for id. It never mutates the record.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error) {
	rec, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("get delivery %s: %w", id, err)
	}
	return rec, nil
}

// ListHistory returns one page of records matching f.
func (s *Service) ListHistory(ctx context.Context, f domain.DeliveryFilter, page domain.Page) (domain.DeliveryList, error) {
	if f.Channel != "" && !f.Channel.Valid() {
		return domain.DeliveryList{}, domain.NewValidationError("channel", "must be webhook or sms")
	}
	for _, st := range f.Statuses {
		if !st.ValidFor(domain.ChannelWebhook) && !st.ValidFor(domain.ChannelSMS) {
			return domain.DeliveryList{}, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", st))
		}
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedAfter.After(*f.CreatedBefore) {
		return domain.DeliveryList{}, domain.NewValidationError("created_after", "must not be after created_before")
	}
	list, err := s.store.ListDeliveries(ctx, f, page.Normalize())
	if err != nil {
		return domain.DeliveryList{}, fmt.Errorf("list deliveries: %w", err)
	}
	return list, nil
}

// Retry moves a failed record back to pending and enqueues it. With
// resetCount the attempt counter restarts at zero; without it the record
// must still have attempts left.
func (s *Service) Retry(ctx context.Context, id uuid.UUID, resetCount bool) (domain.DeliveryRecord, error) {
	rec, err := s.reset(ctx, id, resetCount)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if err := s.queue.Enqueue(ctx, rec.ID); err != nil {
		s.enqueueFailed(rec, err)
	}
	return rec, nil
}

// RetryAndWait is Retry followed by a bounded wait for the attempt loop.
func (s *Service) RetryAndWait(ctx context.Context, id uuid.UUID, resetCount bool) (domain.DeliveryRecord, error) {
	rec, err := s.reset(ctx, id, resetCount)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	return s.enqueueAndWait(ctx, rec)
}

func (s *Service) reset(ctx context.Context, id uuid.UUID, resetCount bool) (domain.DeliveryRecord, error) {
	rec, err := s.GetStatus(ctx, id)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if rec.Status != domain.StatusFailed {
		return domain.DeliveryRecord{}, &domain.TransitionError{Action: "retry", Status: rec.Status, Reason: "only failed deliveries can be retried"}
	}
	if !resetCount && rec.AttemptCount >= rec.MaxRetries {
		return domain.DeliveryRecord{}, &domain.TransitionError{Action: "retry", Status: rec.Status, Reason: "retries exhausted, retry with reset_count"}
	}

	u := domain.DeliveryUpdate{
		Status:           domain.Ptr(domain.StatusPending),
		ClearNextRetry:   true,
		ClearCompletedAt: true,
		ErrorMessage:     domain.Ptr(""),
		ErrorCode:        domain.Ptr(""),
		IfStatus:         []domain.DeliveryStatus{domain.StatusFailed},
	}
	if resetCount {
		u.AttemptCount = domain.Ptr(0)
	}
	updated, err := s.store.UpdateDelivery(ctx, id, u)
	if errors.Is(err, domain.ErrStatusTransitionDenied) {
		return domain.DeliveryRecord{}, s.raced(ctx, id, "retry")
	}
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("reset delivery %s: %w", id, err)
	}

	log.Info().Str("component", "delivery").
		Str("delivery_id", id.String()).
		Bool("reset_count", resetCount).
		Int("attempt_count", updated.AttemptCount).
		Msg("delivery queued for retry")
	return updated, nil
}

// Cancel stops a delivery that is waiting to be attempted. An attempt that is
// already in flight is not interrupted; the attempt loop observes the
// cancellation before its next attempt.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error) {
	rec, err := s.GetStatus(ctx, id)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	cancellable := []domain.DeliveryStatus{domain.StatusPending, domain.StatusRetrying}
	if rec.Status != domain.StatusPending && rec.Status != domain.StatusRetrying {
		return domain.DeliveryRecord{}, &domain.TransitionError{Action: "cancel", Status: rec.Status}
	}

	now := s.now()
	updated, err := s.store.UpdateDelivery(ctx, id, domain.DeliveryUpdate{
		Status:         domain.Ptr(domain.StatusCancelled),
		CompletedAt:    &now,
		ClearNextRetry: true,
		ErrorMessage:   domain.Ptr("delivery cancelled"),
		ErrorCode:      domain.Ptr("cancelled"),
		IfStatus:       cancellable,
	})
	if errors.Is(err, domain.ErrStatusTransitionDenied) {
		return domain.DeliveryRecord{}, s.raced(ctx, id, "cancel")
	}
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("cancel delivery %s: %w", id, err)
	}

	log.Info().Str("component", "delivery").Str("delivery_id", id.String()).Msg("delivery cancelled")
	if s.notifier != nil {
		s.notifier.NotifySettled(ctx, updated)
	}
	return updated, nil
}

// Report is an SMS provider's delivery receipt.
type Report struct {
	Status            domain.DeliveryStatus
	ProviderMessageID string
	ErrorMessage      string
}

// RecordDeliveryReport moves a sent SMS to delivered or failed. A repeated
// report with the status the record already has is accepted without change.
func (s *Service) RecordDeliveryReport(ctx context.Context, id uuid.UUID, r Report) (domain.DeliveryRecord, error) {
	if r.Status != domain.StatusDelivered && r.Status != domain.StatusFailed {
		return domain.DeliveryRecord{}, domain.NewValidationError("status", "must be delivered or failed")
	}
	rec, err := s.GetStatus(ctx, id)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if rec.Channel != domain.ChannelSMS {
		return domain.DeliveryRecord{}, domain.NewValidationError("id", "delivery reports apply to sms deliveries only")
	}
	if r.ProviderMessageID != "" && rec.ProviderMessageID != "" && r.ProviderMessageID != rec.ProviderMessageID {
		return domain.DeliveryRecord{}, domain.NewValidationError("provider_message_id", "does not match the delivery")
	}
	if rec.Status == r.Status {
		return rec, nil
	}
	if rec.Status != domain.StatusSent {
		return domain.DeliveryRecord{}, &domain.TransitionError{Action: "report " + string(r.Status) + " for", Status: rec.Status}
	}

	now := s.now()
	u := domain.DeliveryUpdate{
		Status:      domain.Ptr(r.Status),
		CompletedAt: &now,
		IfStatus:    []domain.DeliveryStatus{domain.StatusSent},
	}
	if r.Status == domain.StatusFailed {
		msg := r.ErrorMessage
		if msg == "" {
			msg = "provider reported delivery failure"
		}
		u.ErrorMessage = &msg
		u.ErrorCode = domain.Ptr("delivery_failed")
	}
	updated, err := s.store.UpdateDelivery(ctx, id, u)
	if errors.Is(err, domain.ErrStatusTransitionDenied) {
		return domain.DeliveryRecord{}, s.raced(ctx, id, "report "+string(r.Status)+" for")
	}
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("record delivery report %s: %w", id, err)
	}

	log.Info().Str("component", "delivery").
		Str("delivery_id", id.String()).
		Str("status", string(r.Status)).
		Str("provider", updated.ProviderName).
		Msg("delivery report recorded")
	if s.notifier != nil {
		s.notifier.NotifySettled(ctx, updated)
	}
	return updated, nil
}

func (s *Service) create(ctx context.Context, t domain.Trigger) (domain.DeliveryRecord, error) {
	rec, err := s.build(ctx, t)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if err := s.store.CreateDelivery(ctx, rec); err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("create delivery: %w", err)
	}
	log.Info().Str("component", "delivery").
		Str("delivery_id", rec.ID.String()).
		Str("channel", string(rec.Channel)).
		Str("form_id", rec.FormID).
		Int("max_retries", rec.MaxRetries).
		Msg("delivery created")
	return rec, nil
}

// build turns a validated trigger into a pending record.
func (s *Service) build(ctx context.Context, t domain.Trigger) (domain.DeliveryRecord, error) {
	if err := validateTrigger(t); err != nil {
		return domain.DeliveryRecord{}, err
	}

	now := s.now()
	rec := domain.DeliveryRecord{
		ID:                  uuid.New(),
		Channel:             t.Channel,
		Status:              domain.StatusPending,
		Event:               t.Event,
		FormID:              t.FormID,
		FormTitle:           t.FormTitle,
		WebhookID:           t.WebhookID,
		CreatedBy:           t.CreatedBy,
		MaxRetries:          t.MaxRetries,
		PreferredProviderID: t.PreferredProviderID,
		History:             []domain.AttemptEntry{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if t.ScheduleFor != nil {
		at := t.ScheduleFor.UTC()
		rec.ScheduledFor = &at
	}

	switch t.Channel {
	case domain.ChannelWebhook:
		v := s.webhooks.ValidateDestination(ctx, t.URL)
		if !v.IsValid {
			return domain.DeliveryRecord{}, domain.NewValidationError("url", v.Reason)
		}
		body, err := json.Marshal(domain.WebhookEnvelope{
			Event:     t.Event,
			FormID:    t.FormID,
			FormTitle: t.FormTitle,
			Payload:   t.Payload,
		})
		if err != nil {
			return domain.DeliveryRecord{}, domain.NewValidationError("payload", "must be valid JSON")
		}
		rec.Destination = v.Normalized
		rec.Secret = t.Secret
		rec.Headers = t.Headers
		rec.Timeout = t.Timeout
		if rec.Timeout == 0 {
			rec.Timeout = s.config.WebhookTimeout
		}
		rec.Payload = body
		if rec.MaxRetries == 0 {
			rec.MaxRetries = s.config.WebhookMaxRetries
		}
	case domain.ChannelSMS:
		v := sms.NormalizeE164(t.PhoneNumber, s.config.DefaultCountryCode)
		if !v.IsValid {
			return domain.DeliveryRecord{}, domain.NewValidationError("phone_number", v.Reason)
		}
		rec.Destination = v.Normalized
		rec.Message = t.Message
		if rec.MaxRetries == 0 {
			rec.MaxRetries = s.config.SMSMaxRetries
		}
	}
	return rec, nil
}

// deferred reports whether the record is scheduled far enough ahead that
// the resumer, not the submitter, should start it.
func (s *Service) deferred(rec domain.DeliveryRecord) bool {
	return rec.ScheduledFor != nil && rec.ScheduledFor.After(s.now())
}

func (s *Service) enqueueAndWait(ctx context.Context, rec domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	future := s.queue.Future(rec.ID)
	if err := s.queue.Enqueue(ctx, rec.ID); err != nil {
		future.Cancel()
		s.enqueueFailed(rec, err)
		return rec, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.config.SubmitWaitTimeout)
	defer cancel()

	settled, err := future.Wait(waitCtx)
	if err == nil {
		return settled, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) && !errors.Is(err, worker.ErrClosed) {
		return domain.DeliveryRecord{}, fmt.Errorf("deliver %s: %w", rec.ID, err)
	}

	// Delivery continues in the background; report where it stands now.
	log.Info().Str("component", "delivery").Str("delivery_id", rec.ID.String()).Err(err).Msg("stopped waiting for delivery")
	current, getErr := s.store.GetDelivery(context.WithoutCancel(ctx), rec.ID)
	if getErr != nil {
		return rec, nil
	}
	return current, nil
}

func (s *Service) enqueueFailed(rec domain.DeliveryRecord, err error) {
	log.Warn().Str("component", "delivery").
		Str("delivery_id", rec.ID.String()).
		Err(err).
		Msg("enqueue failed, delivery left for the resumer")
}

// raced explains a conditional update that lost to a concurrent change.
func (s *Service) raced(ctx context.Context, id uuid.UUID, action string) error {
	current, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return fmt.Errorf("%s delivery %s: %w", action, id, err)
	}
	return &domain.TransitionError{Action: action, Status: current.Status, Reason: "status changed concurrently"}
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}
