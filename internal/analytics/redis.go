// Package analytics keeps hourly delivery outcome counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/formrelay/internal/domain"
)

// DefaultRetention is how long hourly buckets are kept when none is configured.
const DefaultRetention = 7 * 24 * time.Hour

type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
}

func NewRedisSink(client redis.Cmdable, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, retention: retention}
}

// Record increments the per-form and global counters for a settled record.
// The bucket is the hour the record settled in.
func (s *RedisSink) Record(ctx context.Context, rec domain.DeliveryRecord) error {
	at := rec.UpdatedAt
	if rec.CompletedAt != nil {
		at = *rec.CompletedAt
	}

	pipe := s.client.Pipeline()
	for _, key := range keysFor(rec, at) {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func keysFor(rec domain.DeliveryRecord, at time.Time) []string {
	bucket := hourBucket(at)
	keys := []string{buildKey("all", rec.Channel, rec.Status, bucket)}
	if rec.FormID != "" {
		keys = append(keys, buildKey("f:"+rec.FormID, rec.Channel, rec.Status, bucket))
	}
	return keys
}

func buildKey(scope string, ch domain.Channel, status domain.DeliveryStatus, bucket string) string {
	return fmt.Sprintf("formrelay:%s:%s:%s:%s", scope, ch, status, bucket)
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
