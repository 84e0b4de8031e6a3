// Package dispatcher drives the attempt loop for a single delivery record.
//
// Deliver is the only entry point. It persists every transition before
// acting on it, so a process that dies mid-loop leaves the record in a state
// the resumer can pick up: retrying with next_retry_at, or in_progress with a
// stale last_attempt_at.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/provider"
	"github.com/djlord-it/formrelay/internal/transport"
)

// DefaultInlineBackoffLimit is the longest backoff slept inside Deliver.
// Longer waits are handed to the resumer.
const DefaultInlineBackoffLimit = 30 * time.Second

// DefaultStoreTimeout bounds each store call made after the caller's context
// is gone, so interrupted attempts are still recorded.
const DefaultStoreTimeout = 5 * time.Second

type Store interface {
	GetDelivery(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error)
	// UpdateDelivery merges u into the record. Implementations MUST return
	// domain.ErrStatusTransitionDenied when u is not Allowed for the record's
	// current status.
	UpdateDelivery(ctx context.Context, id uuid.UUID, u domain.DeliveryUpdate) (domain.DeliveryRecord, error)
}

// Providers resolves SMS providers for a send.
type Providers interface {
	Ordered(ctx context.Context, preferredID string) ([]domain.ProviderConfig, error)
	Instance(ctx context.Context, cfg domain.ProviderConfig) (*provider.Instance, error)
}

// Breaker short-circuits webhook attempts to hosts that keep failing.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

// AnalyticsSink counts settled records. Errors are logged, never propagated.
type AnalyticsSink interface {
	Record(ctx context.Context, rec domain.DeliveryRecord) error
}

// Publisher announces settled records to other systems.
type Publisher interface {
	Publish(ctx context.Context, rec domain.DeliveryRecord) error
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(channel, statusClass string, duration time.Duration)
	DeliveryOutcome(channel, outcome string)
	RetryScheduled(channel string, delay time.Duration)
	ProviderSelected(providerType string)
	ProviderSkipped(providerType, reason string)
	CircuitRejected()
}

type Dispatcher struct {
	store     Store
	webhook   transport.Transport
	providers Providers
	breaker   Breaker       // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled
	publisher Publisher     // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled

	inlineLimit  time.Duration
	storeTimeout time.Duration
	rand         func() float64
	clock        func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func New(store Store, webhook transport.Transport, providers Providers) *Dispatcher {
	return &Dispatcher{
		store:        store,
		webhook:      webhook,
		providers:    providers,
		inlineLimit:  DefaultInlineBackoffLimit,
		storeTimeout: DefaultStoreTimeout,
		clock:        time.Now,
		sleep:        sleepContext,
	}
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

func (d *Dispatcher) WithPublisher(p Publisher) *Dispatcher {
	d.publisher = p
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithInlineBackoffLimit sets the longest wait Deliver sleeps through. A
// negative limit hands every wait to the resumer.
func (d *Dispatcher) WithInlineBackoffLimit(limit time.Duration) *Dispatcher {
	d.inlineLimit = limit
	return d
}

func (d *Dispatcher) WithStoreTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.storeTimeout = timeout
	}
	return d
}

// WithRand pins the jitter source. Intended for tests.
func (d *Dispatcher) WithRand(r func() float64) *Dispatcher {
	d.rand = r
	return d
}

// WithClock replaces the time source. Intended for tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithSleep replaces the backoff sleep. Intended for tests.
func (d *Dispatcher) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Dispatcher {
	d.sleep = sleep
	return d
}

// Deliver runs attempts for the record until it settles, until the next
// attempt is further away than the inline backoff limit, or until ctx is
// cancelled. It returns the record as last persisted.
//
// Transport failures never surface as errors; they become record state. An
// error means the store could not be read or written, or ctx ended.
func (d *Dispatcher) Deliver(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error) {
	rec, err := d.store.GetDelivery(ctx, id)
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("get delivery: %w", err)
	}
	logger := log.With().Str("component", "dispatcher").Str("delivery_id", id.String()).Str("channel", string(rec.Channel)).Logger()

	for {
		if rec.Settled() {
			return rec, nil
		}

		if due := rec.DueAt(); due != nil {
			wait := due.Sub(d.now())
			if wait > 0 {
				if wait > d.inlineLimit {
					logger.Debug().Time("due_at", *due).Msg("next attempt handed to resumer")
					if d.metrics != nil {
						d.metrics.DeliveryOutcome(string(rec.Channel), "deferred")
					}
					return rec, nil
				}
				if err := d.sleep(ctx, wait); err != nil {
					return rec, err
				}
				// Re-read so an operator cancel during the wait is observed.
				rec, err = d.store.GetDelivery(ctx, id)
				if err != nil {
					return rec, fmt.Errorf("get delivery: %w", err)
				}
				continue
			}
		}

		if rec.AttemptCount >= rec.MaxRetries {
			return d.finalizeExhausted(ctx, logger, rec)
		}

		rec, err = d.attempt(ctx, logger, rec)
		if err != nil {
			return rec, err
		}
	}
}

// attempt runs one attempt with index rec.AttemptCount and persists its outcome.
func (d *Dispatcher) attempt(ctx context.Context, logger zerolog.Logger, rec domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	idx := rec.AttemptCount
	startedAt := d.now()

	marked, err := d.update(ctx, rec.ID, domain.DeliveryUpdate{
		Status:         domain.Ptr(attemptStatus(rec.Channel, idx)),
		AttemptCount:   domain.Ptr(idx + 1),
		LastAttemptAt:  &startedAt,
		ClearNextRetry: true,
		IfStatus:       domain.ActiveStatuses,
	})
	if err != nil {
		return d.denied(ctx, logger, rec, err)
	}
	rec = marked

	var out attemptOutcome
	switch rec.Channel {
	case domain.ChannelSMS:
		out = d.sendSMS(ctx, logger, rec)
	default:
		out = d.sendWebhook(ctx, rec)
	}
	finishedAt := d.now()
	res := out.result

	if d.metrics != nil {
		d.metrics.DeliveryAttemptCompleted(string(rec.Channel), classify(rec.Channel, res), res.Duration)
	}

	entry := domain.AttemptEntry{
		Attempt:      idx + 1,
		StatusCode:   res.StatusCode,
		ProviderID:   out.provider.ID,
		ProviderName: out.provider.Name,
		MessageID:    res.MessageID,
		Error:        res.ErrorMessage,
		ErrorCode:    res.ErrorCode,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}
	u := domain.DeliveryUpdate{IfStatus: domain.ActiveStatuses}
	if res.StatusCode != 0 {
		u.ResponseStatusCode = domain.Ptr(res.StatusCode)
		u.ResponseBody = domain.Ptr(res.ResponseBody)
	}
	if out.provider.ID != "" {
		u.ProviderID = domain.Ptr(out.provider.ID)
		u.ProviderName = domain.Ptr(out.provider.Name)
	}

	ev := logger.With().Int("attempt", idx+1).Int("status_code", res.StatusCode).Str("provider", out.provider.Name).Logger()

	if res.Success {
		status := domain.StatusSuccess
		if rec.Channel == domain.ChannelSMS {
			status = domain.StatusSent
			if res.Delivered {
				status = domain.StatusDelivered
			}
			u.ProviderMessageID = domain.Ptr(res.MessageID)
			u.Cost = res.Cost
		}
		entry.Status = status
		u.Status = &status
		u.ErrorMessage = domain.Ptr("")
		u.ErrorCode = domain.Ptr("")
		if status.IsTerminal() {
			u.CompletedAt = &finishedAt
		}
		u.AppendHistory = []domain.AttemptEntry{entry}

		updated, err := d.update(ctx, rec.ID, u)
		if err != nil {
			return d.outcomeDenied(ctx, logger, rec, u, err)
		}
		ev.Info().Str("status", string(status)).Msg("delivered")
		d.settled(ctx, logger, updated)
		return updated, nil
	}

	if ctx.Err() != nil {
		return d.interrupted(ctx, logger, rec, entry)
	}

	retryable := backoff.IsRetryable(backoff.Failure{Channel: rec.Channel, StatusCode: res.StatusCode, Err: res.Err})
	entry.Retryable = retryable
	entry.Status = domain.StatusFailed
	u.ErrorMessage = domain.Ptr(res.ErrorMessage)
	u.ErrorCode = domain.Ptr(res.ErrorCode)

	if retryable && idx+1 < rec.MaxRetries {
		policy := backoff.ForChannel(rec.Channel)
		policy.Rand = d.rand
		delay := policy.Delay(idx)
		next := finishedAt.Add(delay)
		entry.NextRetryAt = &next

		u.Status = domain.Ptr(retryStatus(rec.Channel))
		u.NextRetryAt = &next
		u.AppendHistory = []domain.AttemptEntry{entry}

		updated, err := d.update(ctx, rec.ID, u)
		if err != nil {
			return d.outcomeDenied(ctx, logger, rec, u, err)
		}
		if d.metrics != nil {
			d.metrics.RetryScheduled(string(rec.Channel), delay)
		}
		ev.Warn().Str("error", res.ErrorMessage).Str("error_code", res.ErrorCode).Dur("backoff", delay).Msg("attempt failed, retry scheduled")
		return updated, nil
	}

	u.Status = domain.Ptr(domain.StatusFailed)
	u.CompletedAt = &finishedAt
	u.AppendHistory = []domain.AttemptEntry{entry}

	updated, err := d.update(ctx, rec.ID, u)
	if err != nil {
		return d.outcomeDenied(ctx, logger, rec, u, err)
	}
	ev.Warn().Str("error", res.ErrorMessage).Str("error_code", res.ErrorCode).Bool("retryable", retryable).Msg("delivery failed")
	d.settled(ctx, logger, updated)
	return updated, nil
}

// interrupted records an attempt cut short by ctx without consuming it, so
// the resumer retries it immediately.
func (d *Dispatcher) interrupted(ctx context.Context, logger zerolog.Logger, rec domain.DeliveryRecord, entry domain.AttemptEntry) (domain.DeliveryRecord, error) {
	now := d.now()
	entry.Status = rec.Status
	entry.Error = "attempt interrupted: " + ctx.Err().Error()
	entry.ErrorCode = backoff.CodeCancelled
	entry.Retryable = true
	entry.NextRetryAt = &now

	updated, err := d.update(ctx, rec.ID, domain.DeliveryUpdate{
		Status:        domain.Ptr(retryStatus(rec.Channel)),
		AttemptCount:  domain.Ptr(rec.AttemptCount - 1),
		NextRetryAt:   &now,
		AppendHistory: []domain.AttemptEntry{entry},
		IfStatus:      domain.ActiveStatuses,
	})
	if errors.Is(err, domain.ErrStatusTransitionDenied) {
		updated, err = d.update(ctx, rec.ID, domain.DeliveryUpdate{AppendHistory: []domain.AttemptEntry{entry}})
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to record interrupted attempt")
		return rec, ctx.Err()
	}
	logger.Info().Int("attempt", entry.Attempt).Msg("attempt interrupted, left for resume")
	return updated, ctx.Err()
}

// finalizeExhausted fails a record that has no attempts left but never
// reached a terminal status, e.g. after a crash during its last attempt.
func (d *Dispatcher) finalizeExhausted(ctx context.Context, logger zerolog.Logger, rec domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	now := d.now()
	u := domain.DeliveryUpdate{
		Status:      domain.Ptr(domain.StatusFailed),
		CompletedAt: &now,
		IfStatus:    domain.ActiveStatuses,
	}
	if rec.ErrorMessage == "" {
		u.ErrorMessage = domain.Ptr(fmt.Sprintf("max retries (%d) exhausted", rec.MaxRetries))
	}
	updated, err := d.update(ctx, rec.ID, u)
	if err != nil {
		return d.denied(ctx, logger, rec, err)
	}
	logger.Warn().Int("attempt_count", rec.AttemptCount).Msg("attempts exhausted, marked failed")
	d.settled(ctx, logger, updated)
	return updated, nil
}

// outcomeDenied keeps the attempt on the record when its status write lost to
// a concurrent change such as an operator cancel. Only the history entry and
// response fields are written; the status stays as the other writer left it.
func (d *Dispatcher) outcomeDenied(ctx context.Context, logger zerolog.Logger, rec domain.DeliveryRecord, u domain.DeliveryUpdate, err error) (domain.DeliveryRecord, error) {
	if errors.Is(err, domain.ErrStatusTransitionDenied) {
		keep := domain.DeliveryUpdate{
			ProviderID:         u.ProviderID,
			ProviderName:       u.ProviderName,
			ProviderMessageID:  u.ProviderMessageID,
			Cost:               u.Cost,
			ResponseStatusCode: u.ResponseStatusCode,
			ResponseBody:       u.ResponseBody,
			AppendHistory:      u.AppendHistory,
		}
		if _, kerr := d.update(ctx, rec.ID, keep); kerr != nil {
			logger.Error().Err(kerr).Msg("failed to record attempt outcome")
		}
	}
	return d.denied(ctx, logger, rec, err)
}

// denied handles an update rejected by the store. A status transition denial
// means someone else (usually an operator cancel) moved the record; the fresh
// record is returned and the loop ends.
func (d *Dispatcher) denied(ctx context.Context, logger zerolog.Logger, rec domain.DeliveryRecord, err error) (domain.DeliveryRecord, error) {
	if !errors.Is(err, domain.ErrStatusTransitionDenied) {
		return rec, fmt.Errorf("update delivery: %w", err)
	}
	sctx, cancel := d.storeContext(ctx)
	defer cancel()
	current, gerr := d.store.GetDelivery(sctx, rec.ID)
	if gerr != nil {
		return rec, fmt.Errorf("get delivery: %w", gerr)
	}
	logger.Info().Str("status", string(current.Status)).Msg("record changed during attempt, skipping status update")
	if !current.Settled() {
		// Another process moved it to a status this loop does not own.
		return current, fmt.Errorf("delivery %s: %w", rec.ID, err)
	}
	return current, nil
}

// settled fires the best-effort side effects of a settled record.
func (d *Dispatcher) settled(ctx context.Context, logger zerolog.Logger, rec domain.DeliveryRecord) {
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(string(rec.Channel), string(rec.Status))
	}
	sctx, cancel := d.storeContext(ctx)
	defer cancel()
	if d.analytics != nil {
		if err := d.analytics.Record(sctx, rec); err != nil {
			logger.Warn().Err(err).Msg("analytics write failed")
		}
	}
	if d.publisher != nil {
		if err := d.publisher.Publish(sctx, rec); err != nil {
			logger.Warn().Err(err).Msg("outcome publish failed")
		}
	}
}

// NotifySettled runs the outcome side effects for a record settled outside the
// attempt loop, such as an operator cancel or an SMS delivery report.
func (d *Dispatcher) NotifySettled(ctx context.Context, rec domain.DeliveryRecord) {
	d.settled(ctx, log.With().Str("component", "dispatcher").Str("delivery_id", rec.ID.String()).Logger(), rec)
}

// update persists u even when ctx has been cancelled, bounded by the store timeout.
func (d *Dispatcher) update(ctx context.Context, id uuid.UUID, u domain.DeliveryUpdate) (domain.DeliveryRecord, error) {
	sctx, cancel := d.storeContext(ctx)
	defer cancel()
	return d.store.UpdateDelivery(sctx, id, u)
}

func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.storeTimeout)
}

func (d *Dispatcher) now() time.Time {
	return d.clock().UTC()
}

// attemptStatus is the status a record carries while attempt idx runs. SMS
// records have no in-flight status and stay pending.
func attemptStatus(ch domain.Channel, idx int) domain.DeliveryStatus {
	if ch == domain.ChannelSMS {
		return domain.StatusPending
	}
	if idx == 0 {
		return domain.StatusInProgress
	}
	return domain.StatusRetrying
}

func retryStatus(ch domain.Channel) domain.DeliveryStatus {
	if ch == domain.ChannelSMS {
		return domain.StatusPending
	}
	return domain.StatusRetrying
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
