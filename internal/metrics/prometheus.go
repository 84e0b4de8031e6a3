package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	attemptDuration       *prometheus.HistogramVec
	retryDelay            *prometheus.HistogramVec
	providerSelections    *prometheus.CounterVec
	providerSkips         *prometheus.CounterVec
	circuitRejections     prometheus.Counter
	providerCacheMisses   *prometheus.CounterVec

	// Worker pool metrics
	queueDepth       prometheus.Gauge
	queueCapacity    prometheus.Gauge
	enqueueRejected  prometheus.Counter
	inFlight         prometheus.Gauge
	sweepsTotal      prometheus.Counter
	sweepErrorsTotal prometheus.Counter
	sweepDuration    prometheus.Histogram
	resumedTotal     prometheus.Counter

	// Leader election metrics
	isLeader          prometheus.Gauge
	leaderAcquired    prometheus.Counter
	leaderLostByCause *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initDispatcherMetrics(reg)
	s.initWorkerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formrelay_dispatcher_delivery_attempts_total",
		Help: "Total number of delivery attempts.",
	}, []string{"channel", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formrelay_dispatcher_delivery_outcomes_total",
		Help: "Total number of settled delivery outcomes.",
	}, []string{"channel", "outcome"})

	s.attemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "formrelay_dispatcher_attempt_duration_seconds",
		Help:    "Transport call latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"channel"})

	s.retryDelay = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "formrelay_dispatcher_retry_delay_seconds",
		Help:    "Backoff delay scheduled before the next attempt.",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"channel"})

	s.providerSelections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formrelay_dispatcher_provider_selections_total",
		Help: "SMS sends handed to a provider.",
	}, []string{"provider_type"})

	s.providerSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formrelay_dispatcher_provider_skips_total",
		Help: "Providers passed over during selection.",
	}, []string{"provider_type", "reason"})

	s.circuitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formrelay_dispatcher_circuit_rejections_total",
		Help: "Webhook attempts rejected by an open circuit breaker.",
	})

	s.providerCacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formrelay_registry_cache_misses_total",
		Help: "Provider instances built because no valid cached instance existed.",
	}, []string{"provider_type"})

	s.register(reg, s.deliveryAttemptsTotal, "formrelay_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "formrelay_dispatcher_delivery_outcomes_total")
	s.register(reg, s.attemptDuration, "formrelay_dispatcher_attempt_duration_seconds")
	s.register(reg, s.retryDelay, "formrelay_dispatcher_retry_delay_seconds")
	s.register(reg, s.providerSelections, "formrelay_dispatcher_provider_selections_total")
	s.register(reg, s.providerSkips, "formrelay_dispatcher_provider_skips_total")
	s.register(reg, s.circuitRejections, "formrelay_dispatcher_circuit_rejections_total")
	s.register(reg, s.providerCacheMisses, "formrelay_registry_cache_misses_total")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "formrelay_worker_queue_depth",
		Help: "Delivery ids waiting for a worker.",
	})
	s.queueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "formrelay_worker_queue_capacity",
		Help: "Maximum number of queued delivery ids.",
	})
	s.enqueueRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formrelay_worker_enqueue_rejected_total",
		Help: "Enqueue calls rejected because the queue was full or closed.",
	})
	s.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "formrelay_worker_deliveries_in_flight",
		Help: "Deliveries currently held by a worker.",
	})
	s.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formrelay_resumer_sweeps_total",
		Help: "Total number of resumer sweeps.",
	})
	s.sweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formrelay_resumer_sweep_errors_total",
		Help: "Resumer sweeps that failed.",
	})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "formrelay_resumer_sweep_duration_seconds",
		Help:    "Duration of each resumer sweep in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.resumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formrelay_resumer_deliveries_resumed_total",
		Help: "Deliveries re-enqueued by the resumer.",
	})

	s.register(reg, s.queueDepth, "formrelay_worker_queue_depth")
	s.register(reg, s.queueCapacity, "formrelay_worker_queue_capacity")
	s.register(reg, s.enqueueRejected, "formrelay_worker_enqueue_rejected_total")
	s.register(reg, s.inFlight, "formrelay_worker_deliveries_in_flight")
	s.register(reg, s.sweepsTotal, "formrelay_resumer_sweeps_total")
	s.register(reg, s.sweepErrorsTotal, "formrelay_resumer_sweep_errors_total")
	s.register(reg, s.sweepDuration, "formrelay_resumer_sweep_duration_seconds")
	s.register(reg, s.resumedTotal, "formrelay_resumer_deliveries_resumed_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "formrelay_leader_is_leader",
		Help: "1 if this instance holds the resumer advisory lock.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formrelay_leader_acquired_total",
		Help: "Times this instance acquired leadership.",
	})
	s.leaderLostByCause = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formrelay_leader_lost_total",
		Help: "Times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "formrelay_leader_is_leader")
	s.register(reg, s.leaderAcquired, "formrelay_leader_acquired_total")
	s.register(reg, s.leaderLostByCause, "formrelay_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Str("component", "metrics").Str("metric", name).Err(err).Msg("failed to register collector")
	}
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(channel, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(channel, statusClass).Inc()
	s.attemptDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(channel, outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(channel, outcome).Inc()
}

func (s *PrometheusSink) RetryScheduled(channel string, delay time.Duration) {
	s.retryDelay.WithLabelValues(channel).Observe(delay.Seconds())
}

func (s *PrometheusSink) ProviderSelected(providerType string) {
	s.providerSelections.WithLabelValues(providerType).Inc()
}

func (s *PrometheusSink) ProviderSkipped(providerType, reason string) {
	s.providerSkips.WithLabelValues(providerType, reason).Inc()
}

func (s *PrometheusSink) CircuitRejected() {
	s.circuitRejections.Inc()
}

func (s *PrometheusSink) ProviderCacheMiss(providerType string) {
	s.providerCacheMisses.WithLabelValues(providerType).Inc()
}

// Worker pool metrics implementation

func (s *PrometheusSink) QueueDepthUpdate(depth int) {
	s.queueDepth.Set(float64(depth))
}

func (s *PrometheusSink) QueueCapacitySet(capacity int) {
	s.queueCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EnqueueRejected() {
	s.enqueueRejected.Inc()
}

func (s *PrometheusSink) DeliveriesInFlightIncr() {
	s.inFlight.Inc()
}

func (s *PrometheusSink) DeliveriesInFlightDecr() {
	s.inFlight.Dec()
}

func (s *PrometheusSink) SweepCompleted(duration time.Duration, resumed int, err error) {
	s.sweepsTotal.Inc()
	s.sweepDuration.Observe(duration.Seconds())
	s.resumedTotal.Add(float64(resumed))
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostByCause.WithLabelValues(reason).Inc()
}
