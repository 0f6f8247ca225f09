package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStoreConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// redisStore counts actions in fixed windows with INCR and EXPIRE so every
// replica of the control surface draws from the same budget.
type redisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  *slog.Logger
}

func newRedisStore(cfg redisStoreConfig) *redisStore {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Password:     cfg.Password,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisStore{client: client, timeout: cfg.Timeout, logger: logger}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if ttl <= 0 {
		// the key lost its expiry; restore it so the window can end
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			s.logger.Warn("restore rate limit expiry failed", "key", key, "error", err)
		}
		ttl = window
	}
	return false, ttl, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
