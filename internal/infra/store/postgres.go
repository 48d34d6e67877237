package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresConfig holds the connection settings for the Postgres store.
type PostgresConfig struct {
	DSN           string
	MaxConns      int32
	Migrate       bool
	LogSQL        bool
	RetryAttempts int
	RetryInterval time.Duration
}

// Postgres bundles the pgx pool with the gorm handle built on top of it.
type Postgres struct {
	Pool *pgxpool.Pool
	DB   *gorm.DB
	sql  *sql.DB
}

// OpenPostgres connects to Postgres through a pgx pool, retrying with a
// linear backoff, applies the embedded migrations and opens gorm on the
// same pool.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}

	var pool *pgxpool.Pool
	for i := 0; i < cfg.RetryAttempts; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
			pool = nil
		}
		slog.Warn("database not reachable, retrying", "attempt", i+1, "error", err)
		time.Sleep(time.Duration(i+1) * cfg.RetryInterval)
	}
	if pool == nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	if cfg.Migrate {
		if err := Migrate(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			pool.Close()
			return nil, err
		}
	}

	logLevel := logger.Silent
	if cfg.LogSQL {
		logLevel = logger.Info
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		_ = sqlDB.Close()
		pool.Close()
		return nil, fmt.Errorf("opening gorm: %w", err)
	}
	return &Postgres{Pool: pool, DB: db, sql: sqlDB}, nil
}

// Ping checks database connectivity for health endpoints.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

// Close releases the gorm handle and the pool.
func (p *Postgres) Close() {
	if err := p.sql.Close(); err != nil {
		slog.Error("failed to close database handle", "error", err)
	}
	p.Pool.Close()
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through slog.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

func (gooseLogger) Printf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}
