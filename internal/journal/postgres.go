package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_journal (
	id BIGSERIAL PRIMARY KEY,
	at TIMESTAMPTZ NOT NULL,
	action TEXT NOT NULL,
	trigger TEXT NOT NULL,
	target TEXT NOT NULL,
	previous TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	changed BOOLEAN NOT NULL,
	ok BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	destinations TEXT[] NOT NULL DEFAULT '{}',
	duration_ms BIGINT NOT NULL DEFAULT 0
)`

// PostgresOption customises the Postgres journal.
type PostgresOption func(*Postgres)

// WithTimeout bounds every statement.
func WithTimeout(timeout time.Duration) PostgresOption {
	return func(p *Postgres) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// Postgres persists entries to the relay_journal table.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres opens a pool for dsn and ensures the table exists.
func NewPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres journal dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres journal config: %w", err)
	}
	if cfg.MaxConns > 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres journal pool: %w", err)
	}
	store := &Postgres{pool: pool, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(store)
	}

	migrateCtx, cancel := store.withTimeout(ctx)
	defer cancel()
	if _, err := pool.Exec(migrateCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create relay_journal: %w", err)
	}
	return store, nil
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Postgres) Record(ctx context.Context, entry Entry) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	destinations := entry.Destinations
	if destinations == nil {
		destinations = []string{}
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO relay_journal (at, action, trigger, target, previous, reason, changed, ok, error, destinations, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, entry.At.UTC(), entry.Action, entry.Trigger, entry.Target, entry.Previous, entry.Reason,
		entry.Changed, entry.OK, entry.Error, destinations, entry.DurationMs)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx, `
SELECT id, at, action, trigger, target, previous, reason, changed, ok, error, destinations, duration_ms
FROM relay_journal
ORDER BY id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var entry Entry
		err := row.Scan(&entry.ID, &entry.At, &entry.Action, &entry.Trigger, &entry.Target, &entry.Previous,
			&entry.Reason, &entry.Changed, &entry.OK, &entry.Error, &entry.Destinations, &entry.DurationMs)
		return entry, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx ends first.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
