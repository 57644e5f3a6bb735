package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS places (
	id TEXT PRIMARY KEY,
	name TEXT,
	url TEXT,
	business_status TEXT,
	formatted_address TEXT,
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	place_types_json JSONB,
	rating DOUBLE PRECISION,
	price_level TEXT,
	category TEXT,
	description TEXT,
	reviews_json JSONB,
	atmosphere_json JSONB,
	last_scraped TIMESTAMPTZ
)`

type pgPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Postgres is a Sink backed by a pgx connection pool.
type Postgres struct {
	pool pgPool
}

// OpenPostgres connects to dsn and ensures the places table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("index.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p, err := NewPostgresWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithPool builds a sink over an existing pool and ensures the
// schema.
func NewPostgresWithPool(ctx context.Context, pool pgPool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create places table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Upsert writes rows in one transaction.
func (p *Postgres) Upsert(ctx context.Context, rows []Row) (err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := upsertSQL("$")
	for _, row := range rows {
		if _, err = tx.Exec(ctx, query, row.Args()...); err != nil {
			return fmt.Errorf("upsert %s: %w", row.ID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
