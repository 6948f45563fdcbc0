package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "guardian:dedup:"

// RedisIndex keeps the dedup window in Redis so it survives restarts.
type RedisIndex struct {
	client *redis.Client
	window time.Duration
	logger *zap.Logger
}

// NewRedisIndex connects to the Redis instance at url (redis://host:port/db).
func NewRedisIndex(ctx context.Context, url string, window time.Duration, logger *zap.Logger) (*RedisIndex, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("Connected to redis dedup index", zap.String("addr", opts.Addr), zap.Duration("window", window))
	return &RedisIndex{client: client, window: window, logger: logger}, nil
}

func (r *RedisIndex) key(subjectID, key string) string {
	return redisKeyPrefix + subjectID + ":" + key
}

func (r *RedisIndex) Lookup(ctx context.Context, subjectID, key string) (string, bool, error) {
	eventID, err := r.client.Get(ctx, r.key(subjectID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	return eventID, true, nil
}

func (r *RedisIndex) Remember(ctx context.Context, subjectID, key, eventID string) error {
	// zero expiration means no TTL
	if err := r.client.Set(ctx, r.key(subjectID, key), eventID, r.window).Err(); err != nil {
		r.logger.Warn("Failed to remember dedup key", zap.String("subject_id", subjectID), zap.Error(err))
		return fmt.Errorf("dedup remember: %w", err)
	}
	return nil
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
