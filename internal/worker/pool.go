// Package worker runs delivery attempt loops on a bounded pool of goroutines.
//
// Ids are queued, never records: each worker loads the current record from
// the store through the Deliverer. An id that is already queued or being
// delivered is coalesced, so one process never runs two attempt loops for the
// same record.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/domain"
)

var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrClosed    = errors.New("worker pool is closed")
)

// Defaults used when the corresponding option is zero.
const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 256
	DefaultEnqueueTimeout = 100 * time.Millisecond
	DefaultDrainTimeout   = 30 * time.Second
)

type Deliverer interface {
	Deliver(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error)
}

// MetricsSink defines the interface for recording pool metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	QueueDepthUpdate(depth int)
	QueueCapacitySet(capacity int)
	EnqueueRejected()
	DeliveriesInFlightIncr()
	DeliveriesInFlightDecr()
}

// Result is what a Future resolves to.
type Result struct {
	Record domain.DeliveryRecord
	Err    error
}

type Options struct {
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
	DrainTimeout   time.Duration
}

type entry struct {
	running bool
	rerun   bool
}

type Pool struct {
	deliverer Deliverer
	opts      Options
	queue     chan uuid.UUID
	metrics   MetricsSink // optional, nil = disabled

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	waiters map[uuid.UUID][]chan Result
	closed  bool
}

func New(d Deliverer, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Pool{
		deliverer: d,
		opts:      opts,
		queue:     make(chan uuid.UUID, opts.QueueSize),
		entries:   make(map[uuid.UUID]*entry),
		waiters:   make(map[uuid.UUID][]chan Result),
	}
}

// WithMetrics attaches a metrics sink to the pool.
func (p *Pool) WithMetrics(sink MetricsSink) *Pool {
	p.metrics = sink
	if sink != nil {
		sink.QueueCapacitySet(p.opts.QueueSize)
	}
	return p
}

// Enqueue schedules an attempt loop for id. It returns nil without queueing
// again if id is already queued; if id is being delivered, the loop runs once
// more after the current one returns.
func (p *Pool) Enqueue(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.rejected()
		return ErrClosed
	}
	if e, ok := p.entries[id]; ok {
		if e.running {
			e.rerun = true
		}
		p.mu.Unlock()
		return nil
	}
	p.entries[id] = &entry{}
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.EnqueueTimeout)
	defer timer.Stop()

	select {
	case p.queue <- id:
		p.depth()
		return nil
	case <-ctx.Done():
		p.forget(id)
		p.rejected()
		return ctx.Err()
	case <-timer.C:
		p.forget(id)
		p.rejected()
		return ErrQueueFull
	}
}

// Future registers interest in id. The future resolves when an attempt loop
// for id returns a settled record or fails, or when the pool stops.
// Register before enqueueing so a fast delivery cannot be missed.
func (p *Pool) Future(id uuid.UUID) *Future {
	ch := make(chan Result, 1)
	p.mu.Lock()
	if p.closed {
		ch <- Result{Err: ErrClosed}
	} else {
		p.waiters[id] = append(p.waiters[id], ch)
	}
	p.mu.Unlock()
	return &Future{pool: p, id: id, ch: ch}
}

// Busy reports whether id is queued or being delivered.
func (p *Pool) Busy(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Run starts the workers and blocks until ctx is cancelled and the queue has
// been drained or the drain timeout expired.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Str("component", "worker").Int("workers", p.opts.Workers).Int("queue_size", p.opts.QueueSize).Msg("worker pool started")

	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, drainCtx)
		}()
	}

	<-ctx.Done()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	timer := time.AfterFunc(p.opts.DrainTimeout, cancelDrain)
	wg.Wait()
	if !timer.Stop() {
		log.Warn().Str("component", "worker").Int("abandoned", len(p.queue)).Msg("drain timeout, queued deliveries left for the resumer")
	}

	p.resolveAll(Result{Err: ErrClosed})
	log.Info().Str("component", "worker").Msg("worker pool stopped")
}

func (p *Pool) work(ctx, drainCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain(drainCtx)
			return
		case id := <-p.queue:
			p.depth()
			p.process(ctx, id)
		}
	}
}

// drain processes remaining buffered ids after shutdown. Uses a separate
// context since the main one is already cancelled.
func (p *Pool) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case id := <-p.queue:
			p.depth()
			p.process(ctx, id)
		default:
			return
		}
	}
}

func (p *Pool) process(ctx context.Context, id uuid.UUID) {
	for {
		p.mu.Lock()
		e, ok := p.entries[id]
		if !ok {
			e = &entry{}
			p.entries[id] = e
		}
		e.running = true
		e.rerun = false
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.DeliveriesInFlightIncr()
		}
		rec, err := p.deliverer.Deliver(ctx, id)
		if p.metrics != nil {
			p.metrics.DeliveriesInFlightDecr()
		}

		logger := log.With().Str("component", "worker").Str("delivery_id", id.String()).Logger()
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			logger.Info().Str("status", string(rec.Status)).Msg("delivery interrupted by shutdown")
		default:
			logger.Error().Err(err).Msg("delivery error")
		}

		p.mu.Lock()
		again := e.rerun && ctx.Err() == nil
		if !again {
			delete(p.entries, id)
		}
		var waiters []chan Result
		if rec.Settled() || (err != nil && ctx.Err() == nil) {
			waiters = p.waiters[id]
			delete(p.waiters, id)
		}
		p.mu.Unlock()

		for _, w := range waiters {
			w <- Result{Record: rec, Err: err}
		}
		if !again {
			return
		}
	}
}

func (p *Pool) resolveAll(r Result) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uuid.UUID][]chan Result)
	p.mu.Unlock()

	for _, ws := range waiters {
		for _, w := range ws {
			w <- r
		}
	}
}

func (p *Pool) forget(id uuid.UUID) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

func (p *Pool) removeWaiter(id uuid.UUID, ch chan Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.waiters[id]
	for i, w := range ws {
		if w == ch {
			p.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(p.waiters[id]) == 0 {
		delete(p.waiters, id)
	}
}

func (p *Pool) depth() {
	if p.metrics != nil {
		p.metrics.QueueDepthUpdate(len(p.queue))
	}
}

func (p *Pool) rejected() {
	if p.metrics != nil {
		p.metrics.EnqueueRejected()
	}
}

// Future is a handle on the eventual settled state of one delivery.
type Future struct {
	pool *Pool
	id   uuid.UUID
	ch   chan Result
}

// Wait blocks until the future resolves or ctx ends. On ctx expiry the
// registration is dropped and ctx.Err() is returned.
func (f *Future) Wait(ctx context.Context) (domain.DeliveryRecord, error) {
	select {
	case r := <-f.ch:
		return r.Record, r.Err
	case <-ctx.Done():
		f.pool.removeWaiter(f.id, f.ch)
		// Resolution may have raced with the cancellation.
		select {
		case r := <-f.ch:
			return r.Record, r.Err
		default:
		}
		return domain.DeliveryRecord{}, ctx.Err()
	}
}

// Cancel drops the registration without waiting.
func (f *Future) Cancel() {
	f.pool.removeWaiter(f.id, f.ch)
}
