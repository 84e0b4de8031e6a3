// Package config loads formrelay settings from the environment and an optional .env file.
package config

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the formrelay binaries.
// Durations are kept both as the raw string (validated by Validate) and parsed.
type Config struct {
	DatabaseURL string
	StoreDriver string // postgres or memory

	HTTPAddr               string
	HTTPShutdownTimeout    time.Duration
	HTTPShutdownTimeoutStr string

	DBOpTimeout          time.Duration
	DBOpTimeoutStr       string
	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBConnMaxLifetime    time.Duration
	DBConnMaxLifetimeStr string
	DBConnMaxIdleTime    time.Duration
	DBConnMaxIdleTimeStr string

	WorkerCount           int
	QueueSize             int
	WorkerDrainTimeout    time.Duration
	WorkerDrainTimeoutStr string

	// InlineBackoffLimit: longer backoffs release the worker and leave the record to the resumer.
	InlineBackoffLimit    time.Duration
	InlineBackoffLimitStr string

	WebhookDefaultTimeout    time.Duration
	WebhookDefaultTimeoutStr string
	WebhookMaxRetries        int
	SMSMaxRetries            int
	SubmitWaitTimeout        time.Duration
	SubmitWaitTimeoutStr     string

	ProviderCacheTTL    time.Duration
	ProviderCacheTTLStr string

	ResumeEnabled       bool
	ResumeSchedule      string
	ResumeGrace         time.Duration
	ResumeGraceStr      string
	ResumeStaleAfter    time.Duration
	ResumeStaleAfterStr string
	ResumeBatchSize     int

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderElectionEnabled      bool
	LeaderLockKey              int64
	LeaderRetryInterval        time.Duration
	LeaderRetryIntervalStr     string
	LeaderHeartbeatInterval    time.Duration
	LeaderHeartbeatIntervalStr string

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int
	CircuitBreakerCooldown    time.Duration
	CircuitBreakerCooldownStr string

	MetricsEnabled bool
	MetricsPort    int
	MetricsPath    string

	RedisURL              string
	AnalyticsRetention    time.Duration
	AnalyticsRetentionStr string

	AMQPURL      string
	AMQPExchange string

	SecretsKeeperURL string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with defaults.
// A .env file in the working directory or any parent is loaded first.
func Load() Config {
	loadDotEnv()

	cfg := Config{
		DatabaseURL: env.GetString("DATABASE_URL", ""),
		StoreDriver: env.GetString("STORE_DRIVER", "postgres"),

		HTTPAddr:               env.GetString("HTTP_ADDR", ""),
		HTTPShutdownTimeoutStr: env.GetString("HTTP_SHUTDOWN_TIMEOUT", "10s"),

		DBOpTimeoutStr:       env.GetString("DB_OP_TIMEOUT", "5s"),
		DBMaxOpenConns:       env.GetInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:       env.GetInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetimeStr: env.GetString("DB_CONN_MAX_LIFETIME", "30m"),
		DBConnMaxIdleTimeStr: env.GetString("DB_CONN_MAX_IDLE_TIME", "5m"),

		WorkerCount:           env.GetInt("WORKER_COUNT", 4),
		QueueSize:             env.GetInt("QUEUE_SIZE", 1000),
		WorkerDrainTimeoutStr: env.GetString("WORKER_DRAIN_TIMEOUT", "30s"),
		InlineBackoffLimitStr: env.GetString("INLINE_BACKOFF_LIMIT", "30s"),

		WebhookDefaultTimeoutStr: env.GetString("WEBHOOK_DEFAULT_TIMEOUT", "10s"),
		WebhookMaxRetries:        env.GetInt("WEBHOOK_MAX_RETRIES", 5),
		SMSMaxRetries:            env.GetInt("SMS_MAX_RETRIES", 3),
		SubmitWaitTimeoutStr:     env.GetString("SUBMIT_WAIT_TIMEOUT", "5m"),

		ProviderCacheTTLStr: env.GetString("PROVIDER_CACHE_TTL", "10m"),

		ResumeEnabled:       env.GetBool("RESUME_ENABLED", true),
		ResumeSchedule:      env.GetString("RESUME_SCHEDULE", "@every 30s"),
		ResumeGraceStr:      env.GetString("RESUME_GRACE", "30s"),
		ResumeStaleAfterStr: env.GetString("RESUME_STALE_AFTER", "5m"),
		ResumeBatchSize:     env.GetInt("RESUME_BATCH_SIZE", 100),

		LeaderElectionEnabled:      env.GetBool("LEADER_ELECTION_ENABLED", false),
		LeaderLockKey:              int64(env.GetInt("LEADER_LOCK_KEY", 0)),
		LeaderRetryIntervalStr:     env.GetString("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr: env.GetString("LEADER_HEARTBEAT_INTERVAL", "2s"),

		CircuitBreakerThreshold:   env.GetInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldownStr: env.GetString("CIRCUIT_BREAKER_COOLDOWN", "2m"),

		MetricsEnabled: env.GetBool("METRICS_ENABLED", false),
		MetricsPort:    env.GetInt("METRICS_PORT", 9090),
		MetricsPath:    env.GetString("METRICS_PATH", "/metrics"),

		RedisURL:              env.GetString("REDIS_URL", ""),
		AnalyticsRetentionStr: env.GetString("ANALYTICS_RETENTION", "168h"),

		AMQPURL:      env.GetString("AMQP_URL", ""),
		AMQPExchange: env.GetString("AMQP_EXCHANGE", "formrelay.deliveries"),

		SecretsKeeperURL: env.GetString("SECRETS_KEEPER_URL", ""),

		LogLevel:  strings.ToLower(env.GetString("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(env.GetString("LOG_FORMAT", "json")),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(*d.raw); err == nil {
			*d.parsed = v
		}
	}

	return cfg
}

type durationField struct {
	name   string
	raw    *string
	parsed *time.Duration
}

// durations lists every duration setting with its environment variable name.
func (c *Config) durations() []durationField {
	return []durationField{
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"DB_OP_TIMEOUT", &c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"WORKER_DRAIN_TIMEOUT", &c.WorkerDrainTimeoutStr, &c.WorkerDrainTimeout},
		{"INLINE_BACKOFF_LIMIT", &c.InlineBackoffLimitStr, &c.InlineBackoffLimit},
		{"WEBHOOK_DEFAULT_TIMEOUT", &c.WebhookDefaultTimeoutStr, &c.WebhookDefaultTimeout},
		{"SUBMIT_WAIT_TIMEOUT", &c.SubmitWaitTimeoutStr, &c.SubmitWaitTimeout},
		{"PROVIDER_CACHE_TTL", &c.ProviderCacheTTLStr, &c.ProviderCacheTTL},
		{"RESUME_GRACE", &c.ResumeGraceStr, &c.ResumeGrace},
		{"RESUME_STALE_AFTER", &c.ResumeStaleAfterStr, &c.ResumeStaleAfter},
		{"LEADER_RETRY_INTERVAL", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"ANALYTICS_RETENTION", &c.AnalyticsRetentionStr, &c.AnalyticsRetention},
	}
}

// loadDotEnv loads the nearest .env file walking up from the working directory.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		StoreDriver             string `json:"store_driver"`
		HTTPAddr                string `json:"http_addr"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		WorkerCount             int    `json:"worker_count"`
		QueueSize               int    `json:"queue_size"`
		WorkerDrainTimeout      string `json:"worker_drain_timeout"`
		InlineBackoffLimit      string `json:"inline_backoff_limit"`
		WebhookDefaultTimeout   string `json:"webhook_default_timeout"`
		WebhookMaxRetries       int    `json:"webhook_max_retries"`
		SMSMaxRetries           int    `json:"sms_max_retries"`
		SubmitWaitTimeout       string `json:"submit_wait_timeout"`
		ProviderCacheTTL        string `json:"provider_cache_ttl"`
		ResumeEnabled           bool   `json:"resume_enabled"`
		ResumeSchedule          string `json:"resume_schedule"`
		ResumeGrace             string `json:"resume_grace"`
		ResumeStaleAfter        string `json:"resume_stale_after"`
		ResumeBatchSize         int    `json:"resume_batch_size"`
		LeaderElectionEnabled   bool   `json:"leader_election_enabled"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPort             int    `json:"metrics_port"`
		MetricsPath             string `json:"metrics_path"`
		RedisURL                string `json:"redis_url,omitempty"`
		AnalyticsRetention      string `json:"analytics_retention"`
		AMQPURL                 string `json:"amqp_url,omitempty"`
		AMQPExchange            string `json:"amqp_exchange"`
		SecretsKeeperURL        string `json:"secrets_keeper_url,omitempty"`
		LogLevel                string `json:"log_level"`
		LogFormat               string `json:"log_format"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		StoreDriver:             c.StoreDriver,
		HTTPAddr:                c.HTTPAddr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		WorkerCount:             c.WorkerCount,
		QueueSize:               c.QueueSize,
		WorkerDrainTimeout:      c.WorkerDrainTimeoutStr,
		InlineBackoffLimit:      c.InlineBackoffLimitStr,
		WebhookDefaultTimeout:   c.WebhookDefaultTimeoutStr,
		WebhookMaxRetries:       c.WebhookMaxRetries,
		SMSMaxRetries:           c.SMSMaxRetries,
		SubmitWaitTimeout:       c.SubmitWaitTimeoutStr,
		ProviderCacheTTL:        c.ProviderCacheTTLStr,
		ResumeEnabled:           c.ResumeEnabled,
		ResumeSchedule:          c.ResumeSchedule,
		ResumeGrace:             c.ResumeGraceStr,
		ResumeStaleAfter:        c.ResumeStaleAfterStr,
		ResumeBatchSize:         c.ResumeBatchSize,
		LeaderElectionEnabled:   c.LeaderElectionEnabled,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPort:             c.MetricsPort,
		MetricsPath:             c.MetricsPath,
		RedisURL:                maskSecret(c.RedisURL),
		AnalyticsRetention:      c.AnalyticsRetentionStr,
		AMQPURL:                 maskSecret(c.AMQPURL),
		AMQPExchange:            c.AMQPExchange,
		SecretsKeeperURL:        maskSecret(c.SecretsKeeperURL),
		LogLevel:                c.LogLevel,
		LogFormat:               c.LogFormat,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URL scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && strings.Contains(s, "://") {
		return u.Scheme + "://***"
	}
	return "***"
}
