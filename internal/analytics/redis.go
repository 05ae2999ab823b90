// Package analytics keeps best-effort execution counters in Redis, bucketed
// by trigger, status and time window.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// Config controls bucketing. Window is one of 1m, 5m or 1h; other values
// fall back to one-minute buckets.
type Config struct {
	Window    time.Duration
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:    5 * time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

type RedisSink struct {
	client redis.Cmdable
	config Config
}

func NewRedisSink(client redis.Cmdable, config Config) *RedisSink {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	return &RedisSink{client: client, config: config}
}

// RecordExecution increments the counter of exec's bucket.
func (s *RedisSink) RecordExecution(ctx context.Context, exec domain.Execution) error {
	key := buildKey(exec.TriggerID, exec.Status, exec.ExecutedAt, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

func buildKey(triggerID string, status domain.ExecutionStatus, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("t:%s:%s:%s", triggerID, status, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
