package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/DerBlackAngel/stream-relay/internal/journal"
)

// DefaultStream is the stream key entries are appended to.
const DefaultStream = "stream-relay:switches"

// RedisConfig configures the Redis stream publisher.
type RedisConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	DB         int
	Stream     string
	// MaxLen caps the stream with an approximate trim. Zero keeps everything.
	MaxLen       int64
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          bool
	Logger       *slog.Logger
}

// RedisPublisher appends every journal entry to a Redis stream. It satisfies
// journal.Sink.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisPublisher connects lazily; use Ping to verify reachability.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.WriteTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: cfg.MaxLen, logger: logger}, nil
}

// Record appends entry as a JSON payload field.
func (p *RedisPublisher) Record(ctx context.Context, entry journal.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	args := []interface{}{"XADD", p.stream}
	if p.maxLen > 0 {
		args = append(args, "MAXLEN", "~", p.maxLen)
	}
	args = append(args, "*", "action", entry.Action, "target", entry.Target, "payload", string(payload))
	if _, err := p.client.Do(ctx, args...).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Stream returns the stream key.
func (p *RedisPublisher) Stream() string { return p.stream }
