// Package postgres stores task results in the taskbridge.task_results table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/taskbridge/internal/db"
	"github.com/austindbirch/taskbridge/pkg/backend"
)

// Backend is a backend.Backend over a pgx pool.
type Backend struct {
	pool    *pgxpool.Pool
	ownPool bool
}

// New wraps an existing pool. Close leaves the pool open.
func New(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect result backend: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Backend{pool: pool, ownPool: true}, nil
}

// Pool exposes the pool for health checks.
func (b *Backend) Pool() *pgxpool.Pool { return b.pool }

const upsertResult = `
INSERT INTO taskbridge.task_results (id, task_name, state, result, error, retries, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
ON CONFLICT (id) DO UPDATE SET
    task_name  = EXCLUDED.task_name,
    state      = EXCLUDED.state,
    result     = EXCLUDED.result,
    error      = EXCLUDED.error,
    retries    = EXCLUDED.retries,
    updated_at = EXCLUDED.updated_at`

func (b *Backend) Store(ctx context.Context, r backend.Result) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	var value []byte
	if len(r.Value) > 0 {
		value = r.Value
	}
	if _, err := b.pool.Exec(ctx, upsertResult,
		r.ID, r.Task, string(r.State), value, r.Error, r.Retries, r.UpdatedAt); err != nil {
		return fmt.Errorf("store result %s: %w", r.ID, err)
	}
	return nil
}

const selectResult = `
SELECT id, task_name, state, result, COALESCE(error, ''), retries, updated_at
FROM taskbridge.task_results WHERE id = $1`

func (b *Backend) Get(ctx context.Context, id string) (backend.Result, error) {
	var (
		r     backend.Result
		state string
		value []byte
	)
	err := b.pool.QueryRow(ctx, selectResult, id).
		Scan(&r.ID, &r.Task, &state, &value, &r.Error, &r.Retries, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.Result{}, backend.ErrNotFound
	}
	if err != nil {
		return backend.Result{}, fmt.Errorf("get result %s: %w", id, err)
	}
	r.State = backend.State(state)
	r.Value = value
	return r, nil
}

func (b *Backend) Close() error {
	if b.ownPool {
		b.pool.Close()
	}
	return nil
}
