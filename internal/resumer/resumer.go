// Package resumer re-enqueues deliveries that no worker currently owns.
//
// A delivery needs resuming when its next attempt was handed off because the
// backoff exceeded the inline limit, when it was scheduled for later, or when
// the process running it died. The resumer sweeps the store on a cron
// schedule and enqueues every due record. Enqueueing an id that is already
// queued or running is a no-op in the pool, and the dispatcher's terminal
// guards make a duplicate attempt loop harmless.
package resumer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/domain"
)

// Store defines the interface for fetching due deliveries.
type Store interface {
	ListDue(ctx context.Context, q domain.DueQuery) ([]domain.DeliveryRecord, error)
}

// Enqueuer hands a delivery id to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
}

// MetricsSink defines the interface for recording resumer metrics.
type MetricsSink interface {
	SweepCompleted(duration time.Duration, resumed int, err error)
}

// Config holds resumer configuration.
type Config struct {
	// Schedule is a cron spec or descriptor. Default: "@every 30s".
	Schedule string

	// Grace is how long past due a record must be before the resumer claims
	// it, leaving time for the worker that owns it. Default: 30 seconds.
	Grace time.Duration

	// StaleAfter is the age of last_attempt_at after which an attempt with no
	// next_retry_at is assumed to have died with its process. Default: 5 minutes.
	StaleAfter time.Duration

	// BatchSize is the maximum number of records enqueued per sweep.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default resumer configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:   "@every 30s",
		Grace:      30 * time.Second,
		StaleAfter: 5 * time.Minute,
		BatchSize:  100,
	}
}

// ParseSchedule accepts standard five-field cron specs and descriptors such
// as "@every 1m" or "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse resume schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Resumer periodically re-enqueues due deliveries.
type Resumer struct {
	config   Config
	schedule cron.Schedule
	store    Store
	enqueuer Enqueuer
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
}

// New creates a new Resumer. It fails only if config.Schedule does not parse.
func New(config Config, store Store, enqueuer Enqueuer) (*Resumer, error) {
	def := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = def.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	sched, err := ParseSchedule(config.Schedule)
	if err != nil {
		return nil, err
	}
	return &Resumer{
		config:   config,
		schedule: sched,
		store:    store,
		enqueuer: enqueuer,
		clock:    time.Now,
	}, nil
}

// WithMetrics attaches a metrics sink to the resumer.
func (r *Resumer) WithMetrics(sink MetricsSink) *Resumer {
	r.metrics = sink
	return r
}

// WithClock replaces the time source. Intended for tests.
func (r *Resumer) WithClock(clock func() time.Time) *Resumer {
	r.clock = clock
	return r
}

// Run sweeps once immediately and then on every schedule activation. It
// blocks until ctx is cancelled.
func (r *Resumer) Run(ctx context.Context) {
	log.Info().Str("component", "resumer").
		Str("schedule", r.config.Schedule).
		Dur("grace", r.config.Grace).
		Dur("stale_after", r.config.StaleAfter).
		Int("batch", r.config.BatchSize).
		Msg("started")

	r.sweepLogged(ctx)

	for {
		now := r.clock()
		timer := time.NewTimer(r.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Str("component", "resumer").Msg("stopped")
			return
		case <-timer.C:
			r.sweepLogged(ctx)
		}
	}
}

func (r *Resumer) sweepLogged(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil {
		log.Error().Str("component", "resumer").Err(err).Msg("sweep failed")
	}
}

// Sweep enqueues one batch of due deliveries and returns how many were enqueued.
// A failed enqueue is logged and left for the next sweep.
func (r *Resumer) Sweep(ctx context.Context) (int, error) {
	start := r.clock()
	q := domain.DueQuery{
		Now:        start.UTC(),
		Grace:      r.config.Grace,
		StaleAfter: r.config.StaleAfter,
		Limit:      r.config.BatchSize,
	}

	due, err := r.store.ListDue(ctx, q)
	if err != nil {
		r.observe(start, 0, err)
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}
	if len(due) == 0 {
		r.observe(start, 0, nil)
		return 0, nil
	}

	enqueued, failed := 0, 0
	for _, rec := range due {
		if ctx.Err() != nil {
			log.Info().Str("component", "resumer").Int("processed", enqueued+failed).Int("due", len(due)).Msg("sweep interrupted")
			break
		}
		if err := r.enqueuer.Enqueue(ctx, rec.ID); err != nil {
			log.Warn().Str("component", "resumer").Str("delivery_id", rec.ID.String()).Err(err).Msg("failed to enqueue")
			failed++
			continue
		}
		log.Debug().Str("component", "resumer").
			Str("delivery_id", rec.ID.String()).
			Str("status", string(rec.Status)).
			Int("attempt_count", rec.AttemptCount).
			Msg("resumed")
		enqueued++
	}

	log.Info().Str("component", "resumer").Int("resumed", enqueued).Int("failed", failed).Msg("sweep complete")
	r.observe(start, enqueued, nil)
	return enqueued, nil
}

func (r *Resumer) observe(start time.Time, resumed int, err error) {
	if r.metrics != nil {
		r.metrics.SweepCompleted(r.clock().Sub(start), resumed, err)
	}
}
