package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventLog remembers provider event ids whose transition committed.
type EventLog interface {
	// Seen reports whether the id was recorded.
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	// Record stores the id once its event was applied.
	Record(ctx context.Context, provider, eventID string) error
}

type RedisEventLog struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEventLog(client *redis.Client, ttl time.Duration) *RedisEventLog {
	return &RedisEventLog{client: client, ttl: ttl}
}

func eventKey(provider, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", provider, eventID)
}

func (l *RedisEventLog) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, eventKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("looking up %s event[%s]: %w", provider, eventID, err)
	}
	return n > 0, nil
}

func (l *RedisEventLog) Record(ctx context.Context, provider, eventID string) error {
	if err := l.client.Set(ctx, eventKey(provider, eventID), time.Now().UTC().Unix(), l.ttl).Err(); err != nil {
		return fmt.Errorf("recording %s event[%s]: %w", provider, eventID, err)
	}
	return nil
}
