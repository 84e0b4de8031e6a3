package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/config"
)

// setupLogger configures the global zerolog logger from LOG_LEVEL and LOG_FORMAT.
func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// logConfigWarnings emits an operator checklist for risky but valid settings.
func logConfigWarnings(logger zerolog.Logger, cfg config.Config) {
	if !cfg.ResumeEnabled {
		logger.Warn().Str("priority", "P0").
			Msg("RESUME_ENABLED=false: deliveries interrupted by a crash or handed off after a long backoff are never resumed")
	}
	if cfg.StoreDriver == "memory" {
		logger.Warn().Str("priority", "P0").
			Msg("STORE_DRIVER=memory: delivery records and providers are lost on restart")
	}
	if cfg.ResumeEnabled && cfg.StoreDriver == "postgres" && !cfg.LeaderElectionEnabled {
		logger.Warn().Str("priority", "P1").
			Msg("LEADER_ELECTION_ENABLED=false: every instance sweeps; safe but duplicates resumer work when scaled out")
	}
	if !cfg.MetricsEnabled {
		logger.Warn().Str("priority", "P1").
			Msg("METRICS_ENABLED=false: queue depth and delivery outcomes are not observable")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		logger.Info().Msg("CIRCUIT_BREAKER_THRESHOLD=0: circuit breaker disabled")
	}
	if cfg.SecretsKeeperURL == "" && cfg.StoreDriver == "postgres" {
		logger.Warn().Str("priority", "P1").
			Msg("SECRETS_KEEPER_URL not set: provider credentials are stored unencrypted")
	}
	if cfg.InlineBackoffLimit > 0 && cfg.InlineBackoffLimit >= cfg.ResumeStaleAfter {
		logger.Warn().Str("priority", "P1").
			Dur("inline_backoff_limit", cfg.InlineBackoffLimit).
			Dur("resume_stale_after", cfg.ResumeStaleAfter).
			Msg("INLINE_BACKOFF_LIMIT >= RESUME_STALE_AFTER: the resumer may claim records still sleeping in a worker")
	}
}
