package db

import (
	"context"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/austindbirch/taskbridge/internal/logging"
)

// MigrationTable records applied schema versions.
const MigrationTable = "taskbridge_schema_migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

// Migrate applies every pending schema migration through pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	goose.SetTableName(MigrationTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger forwards goose output to the structured logger. Fatalf does not
// exit; the error comes back from goose instead.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	logging.Plain().WithField("component", "migrations").Infof(format, v...)
}

func (gooseLogger) Fatalf(format string, v ...any) {
	logging.Plain().WithField("component", "migrations").Errorf(format, v...)
}
