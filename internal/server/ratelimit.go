package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RateLimitConfig bounds the overall request rate and the rate of relay
// actions per client.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	SwitchLimit   int
	SwitchWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	switchLimit   int
	switchWindow  time.Duration
	switchMu      sync.Mutex
	switchBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// tokenStore shares switch budgets between replicas.
type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *rateLimiter {
	rl := &rateLimiter{
		switchLimit:   cfg.SwitchLimit,
		switchWindow:  cfg.SwitchWindow,
		switchBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.switchLimit < 0 {
		rl.switchLimit = 0
	}
	if rl.switchWindow <= 0 {
		rl.switchWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.switchLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  timeout,
			Logger:   logger,
		})
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowSwitch charges one relay action to key.
func (r *rateLimiter) AllowSwitch(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.switchLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("stream-relay:switch:%s", key), r.switchLimit, r.switchWindow)
	}
	r.switchMu.Lock()
	bucket, exists := r.switchBuckets[key]
	if !exists {
		rate := float64(r.switchLimit) / r.switchWindow.Seconds()
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.switchLimit)}
		r.switchBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.switchMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, bucket.bucket.retryAfter(), nil
}

// Ping checks the shared store; the in-memory limiter is always healthy.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Shared() bool {
	return r != nil && r.store != nil
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.switchBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.switchWindow)
	for key, bucket := range r.switchBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.switchBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}

// retryAfter is how long until the next token, rounded up to a second.
func (tb *tokenBucket) retryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	wait := time.Duration(missing / tb.rate * float64(time.Second))
	return wait.Truncate(time.Second) + time.Second
}
