// Package leaderelection gates the resumer behind a Postgres advisory lock,
// so several formrelay instances can share one database without racing to
// re-enqueue the same deliveries.
//
// The lock is session-scoped and lives as long as the dedicated connection
// that took it. Postgres drops it server-side when that session ends. The
// heartbeat only notices a dead local connection so duties stop promptly; it
// does not renew anything.
package leaderelection

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultLockKey is the advisory lock id used when none is configured.
const DefaultLockKey int64 = 0x666f726d72656c // "formrel"

// Reasons passed to MetricsSink.LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

const (
	sqlTryLock = "SELECT pg_try_advisory_lock($1)"
	sqlUnlock  = "SELECT pg_advisory_unlock($1)"

	unlockTimeout = 2 * time.Second
)

// MetricsSink receives leadership changes. Calls must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Duty is the work only the leader performs.
//
// Start is called once per term in its own goroutine; ctx ends with the term.
// Stop is called synchronously when the term ends and must block until the
// duty has stopped. Both must tolerate repeated calls.
type Duty interface {
	Start(ctx context.Context)
	Stop()
}

type Config struct {
	LockKey           int64
	RetryInterval     time.Duration // follower: delay between lock attempts
	HeartbeatInterval time.Duration // leader: delay between connection pings
}

// Elector campaigns for the lock and runs a Duty while holding it.
type Elector struct {
	db      *sql.DB
	cfg     Config
	duty    Duty
	metrics MetricsSink

	leader atomic.Bool
	logger zerolog.Logger
}

func New(db *sql.DB, cfg Config, duty Duty) *Elector {
	if cfg.LockKey == 0 {
		cfg.LockKey = DefaultLockKey
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	return &Elector{
		db:     db,
		cfg:    cfg,
		duty:   duty,
		logger: log.With().Str("component", "leader").Int64("lock_key", cfg.LockKey).Logger(),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run campaigns until ctx is cancelled. Each successful campaign is a term;
// between terms the elector waits RetryInterval.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info().
		Dur("retry", e.cfg.RetryInterval).
		Dur("heartbeat", e.cfg.HeartbeatInterval).
		Msg("campaigning for leadership")

	wait := time.NewTimer(0)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("election loop stopped")
			return
		case <-wait.C:
		}

		if reason := e.term(ctx); reason != "" && ctx.Err() == nil {
			e.logger.Warn().Str("reason", reason).Dur("retry", e.cfg.RetryInterval).Msg("lost leadership")
		}
		wait.Reset(e.cfg.RetryInterval)
	}
}

// term tries to take the lock and, on success, holds it until ctx ends or
// the connection dies. It returns why the term ended, or "" if the lock was
// never taken.
func (e *Elector) term(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to acquire dedicated connection")
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, sqlTryLock, e.cfg.LockKey).Scan(&acquired); err != nil {
		e.logger.Error().Err(err).Msg("advisory lock query failed")
		return ""
	}
	if !acquired {
		e.logger.Debug().Msg("lock held by another instance")
		return ""
	}

	e.promote()
	termCtx, endTerm := context.WithCancel(ctx)
	go e.duty.Start(termCtx)

	reason := e.heartbeat(ctx, conn)

	endTerm()
	e.duty.Stop()
	if reason == ReasonShutdown {
		e.unlock(ctx, conn)
	}
	e.demote(reason)
	return reason
}

func (e *Elector) promote() {
	e.leader.Store(true)
	e.logger.Info().Msg("acquired advisory lock")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}
}

func (e *Elector) demote(reason string) {
	e.leader.Store(false)
	e.logger.Info().Str("reason", reason).Msg("released advisory lock")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
}

// heartbeat pings conn until ctx ends or a ping fails.
func (e *Elector) heartbeat(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
		}
		if err := conn.PingContext(ctx); err != nil {
			if ctx.Err() != nil {
				return ReasonShutdown
			}
			e.logger.Error().Err(err).Msg("dedicated connection ping failed")
			return ReasonConnLost
		}
	}
}

// unlock hands the lock to a standby without waiting for conn to be recycled.
func (e *Elector) unlock(ctx context.Context, conn *sql.Conn) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()
	var released bool
	if err := conn.QueryRowContext(uctx, sqlUnlock, e.cfg.LockKey).Scan(&released); err != nil {
		e.logger.Warn().Err(err).Msg("advisory unlock failed")
	}
}
