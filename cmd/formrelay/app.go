package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets"

	"github.com/djlord-it/formrelay/internal/analytics"
	"github.com/djlord-it/formrelay/internal/api"
	"github.com/djlord-it/formrelay/internal/circuitbreaker"
	"github.com/djlord-it/formrelay/internal/config"
	"github.com/djlord-it/formrelay/internal/delivery"
	"github.com/djlord-it/formrelay/internal/dispatcher"
	"github.com/djlord-it/formrelay/internal/leaderelection"
	"github.com/djlord-it/formrelay/internal/metrics"
	"github.com/djlord-it/formrelay/internal/provider"
	"github.com/djlord-it/formrelay/internal/publish"
	"github.com/djlord-it/formrelay/internal/resumer"
	"github.com/djlord-it/formrelay/internal/store/memory"
	"github.com/djlord-it/formrelay/internal/store/postgres"
	"github.com/djlord-it/formrelay/internal/transport/sms"
	"github.com/djlord-it/formrelay/internal/transport/webhook"
	"github.com/djlord-it/formrelay/internal/worker"

	_ "github.com/lib/pq"
)

// recordStore is what both store drivers provide.
type recordStore interface {
	delivery.Store
	resumer.Store
	provider.Store
	Ping(ctx context.Context) error
}

// metricsSink is implemented by both metrics.PrometheusSink and metrics.NoopSink.
type metricsSink interface {
	dispatcher.MetricsSink
	worker.MetricsSink
	resumer.MetricsSink
	leaderelection.MetricsSink
	provider.MetricsSink
}

// app holds the wired components of one process.
type app struct {
	cfg     config.Config
	db      *sql.DB // nil for the memory store
	store   recordStore
	sink    metricsSink
	pool    *worker.Pool
	service *delivery.Service
	handler *api.Handler
	resumer *resumer.Resumer

	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close resource")
		}
	}
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	if cfg.MetricsEnabled {
		a.sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	} else {
		a.sink = metrics.NewNoopSink()
	}

	registry := provider.NewRegistry(a.store, sms.DefaultFactories(), cfg.ProviderCacheTTL).
		WithMetrics(a.sink)
	webhooks := webhook.NewHTTPTransport(nil, cfg.WebhookDefaultTimeout)

	disp := dispatcher.New(a.store, webhooks, registry).
		WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)).
		WithMetrics(a.sink).
		WithInlineBackoffLimit(cfg.InlineBackoffLimit).
		WithStoreTimeout(cfg.DBOpTimeout)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		a.onClose(redisClient.Close)
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention))
		log.Info().Dur("retention", cfg.AnalyticsRetention).Msg("analytics enabled")
	} else {
		log.Info().Msg("REDIS_URL not set; analytics disabled")
	}

	if cfg.AMQPURL != "" {
		pub, err := publish.Dial(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			a.close()
			return nil, err
		}
		a.onClose(pub.Close)
		disp = disp.WithPublisher(pub)
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("outcome publishing enabled")
	} else {
		log.Info().Msg("AMQP_URL not set; outcome publishing disabled")
	}

	a.pool = worker.New(disp, worker.Options{
		Workers:      cfg.WorkerCount,
		QueueSize:    cfg.QueueSize,
		DrainTimeout: cfg.WorkerDrainTimeout,
	}).WithMetrics(a.sink)

	a.service = delivery.NewService(delivery.Config{
		WebhookTimeout:    cfg.WebhookDefaultTimeout,
		WebhookMaxRetries: cfg.WebhookMaxRetries,
		SMSMaxRetries:     cfg.SMSMaxRetries,
		SubmitWaitTimeout: cfg.SubmitWaitTimeout,
	}, a.store, a.pool, webhooks).WithNotifier(disp)

	a.handler = api.NewHandler(a.service, registry).
		WithHealthCheck("store", api.PingFunc(a.store.Ping))
	if redisClient != nil {
		a.handler.WithHealthCheck("redis", api.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	if cfg.ResumeEnabled {
		r, err := resumer.New(resumer.Config{
			Schedule:   cfg.ResumeSchedule,
			Grace:      cfg.ResumeGrace,
			StaleAfter: cfg.ResumeStaleAfter,
			BatchSize:  cfg.ResumeBatchSize,
		}, a.store, a.pool)
		if err != nil {
			a.close()
			return nil, err
		}
		a.resumer = r.WithMetrics(a.sink)
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.StoreDriver == "memory" {
		a.store = memory.New()
		log.Info().Str("driver", "memory").Msg("store opened")
		return nil
	}

	db, err := sqlx.Open("postgres", a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.onClose(db.Close)

	db.SetMaxOpenConns(a.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(a.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(a.cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	st := postgres.New(db)
	if a.cfg.SecretsKeeperURL != "" {
		keeper, err := secrets.OpenKeeper(ctx, a.cfg.SecretsKeeperURL)
		if err != nil {
			return fmt.Errorf("open secrets keeper: %w", err)
		}
		a.onClose(keeper.Close)
		st = st.WithKeeper(keeper)
	}

	a.db = db.DB
	a.store = st
	log.Info().Str("driver", "postgres").
		Int("max_open", a.cfg.DBMaxOpenConns).
		Int("max_idle", a.cfg.DBMaxIdleConns).
		Dur("max_lifetime", a.cfg.DBConnMaxLifetime).
		Dur("max_idle_time", a.cfg.DBConnMaxIdleTime).
		Msg("store opened")
	return nil
}

// leaderDuty runs the resumer only while this instance holds leadership.
type leaderDuty struct {
	resumer *resumer.Resumer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ leaderelection.Duty = (*leaderDuty)(nil)

// Start launches the resumer. A term that already ended is ignored.
func (l *leaderDuty) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil || ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	go func() {
		defer close(done)
		l.resumer.Run(ctx)
	}()
}

// Stop cancels the resumer and waits for it. Safe to call repeatedly.
func (l *leaderDuty) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run starts every component and blocks until ctx is cancelled, then shuts
// down in phases: resumer, HTTP, worker pool, metrics.
func run(ctx context.Context, withHTTP bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg)
	logConfigWarnings(log.Logger, cfg)

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.MetricsPort).Str("path", cfg.MetricsPath).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	// The pool outlives ctx so it can drain after the signal.
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()
	var poolWg sync.WaitGroup
	poolWg.Add(1)
	go func() {
		defer poolWg.Done()
		a.pool.Run(poolCtx)
	}()

	var (
		duty      *leaderDuty
		electorWg sync.WaitGroup
		stopLeads context.CancelFunc
	)
	if a.resumer != nil {
		duty = &leaderDuty{resumer: a.resumer}
		leadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stopLeads = cancel
		if cfg.LeaderElectionEnabled && a.db != nil {
			elector := leaderelection.New(a.db, leaderelection.Config{
				LockKey:           cfg.LeaderLockKey,
				RetryInterval:     cfg.LeaderRetryInterval,
				HeartbeatInterval: cfg.LeaderHeartbeatInterval,
			}, duty).WithMetrics(a.sink)
			electorWg.Add(1)
			go func() {
				defer electorWg.Done()
				elector.Run(leadCtx)
			}()
		} else {
			duty.Start(leadCtx)
		}
	}

	var httpServer *http.Server
	if withHTTP {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           a.handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server error")
			}
		}()
	}

	log.Info().Str("version", version).Bool("http", withHTTP).Int("workers", cfg.WorkerCount).Msg("formrelay started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// Phase 1: stop the resumer (no new re-enqueues).
	if duty != nil {
		log.Info().Msg("stopping resumer...")
		stopLeads()
		electorWg.Wait()
		duty.Stop()
		log.Info().Msg("resumer stopped")
	}

	// Phase 2: stop accepting submissions; in-flight requests may still wait on futures.
	if httpServer != nil {
		log.Info().Msg("stopping http server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown")
		}
		cancel()
		log.Info().Msg("http server stopped")
	}

	// Phase 3: drain the worker pool.
	log.Info().Dur("timeout", cfg.WorkerDrainTimeout).Msg("stopping worker pool (draining)...")
	cancelPool()
	poolWg.Wait()
	log.Info().Msg("worker pool stopped")

	// Phase 4: stop the metrics server.
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
		cancel()
	}

	log.Info().Msg("formrelay stopped")
	return nil
}
