package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/djlord-it/formrelay/internal/domain"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors listing every problem.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_DRIVER is postgres")
		}
	case "memory":
		if cfg.LeaderElectionEnabled {
			add("LEADER_ELECTION_ENABLED", "requires STORE_DRIVER=postgres")
		}
	default:
		add("STORE_DRIVER", "must be 'postgres' or 'memory', got %q", cfg.StoreDriver)
	}

	for _, d := range cfg.durations() {
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			add(d.name, "invalid duration: %v", err)
			continue
		}
		if v <= 0 {
			add(d.name, "must be positive")
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns},
		{"WORKER_COUNT", cfg.WorkerCount},
		{"QUEUE_SIZE", cfg.QueueSize},
		{"RESUME_BATCH_SIZE", cfg.ResumeBatchSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.name, "must be a positive integer")
		}
	}

	if cfg.WebhookMaxRetries < 0 || cfg.WebhookMaxRetries > domain.MaxRetriesLimit {
		add("WEBHOOK_MAX_RETRIES", "must be between 0 and %d", domain.MaxRetriesLimit)
	}
	if cfg.SMSMaxRetries < 0 || cfg.SMSMaxRetries > domain.MaxRetriesLimit {
		add("SMS_MAX_RETRIES", "must be between 0 and %d", domain.MaxRetriesLimit)
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.LeaderLockKey < 0 {
		add("LEADER_LOCK_KEY", "must not be negative")
	}

	if _, err := cron.ParseStandard(cfg.ResumeSchedule); err != nil {
		add("RESUME_SCHEDULE", "invalid cron spec: %v", err)
	}

	if cfg.MetricsEnabled && (cfg.MetricsPort <= 0 || cfg.MetricsPort > 65535) {
		add("METRICS_PORT", "must be a valid port")
	}
	if cfg.AMQPURL != "" && cfg.AMQPExchange == "" {
		add("AMQP_EXCHANGE", "required when AMQP_URL is set")
	}

	if !validLogLevels[cfg.LogLevel] {
		add("LOG_LEVEL", "must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
