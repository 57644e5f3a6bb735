package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS places (
	id TEXT PRIMARY KEY,
	name TEXT,
	url TEXT,
	business_status TEXT,
	formatted_address TEXT,
	latitude REAL,
	longitude REAL,
	place_types_json TEXT,
	rating REAL,
	price_level TEXT,
	category TEXT,
	description TEXT,
	reviews_json TEXT,
	atmosphere_json TEXT,
	last_scraped TEXT
)`

// SQLite is a Sink backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn and ensures the
// places table exists. ":memory:" is accepted.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create places table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the handle for queries.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Upsert writes rows in one transaction.
func (s *SQLite) Upsert(ctx context.Context, rows []Row) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertSQL("?"))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with the transaction

	for _, row := range rows {
		args := row.Args()
		args[len(args)-1] = row.LastScraped.Format(time.RFC3339)
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert %s: %w", row.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// upsertSQL renders the insert for both dialects. placeholder is "?" for
// SQLite; "$" yields numbered Postgres parameters.
func upsertSQL(placeholder string) string {
	params := make([]string, len(Columns))
	updates := make([]string, 0, len(Columns)-1)
	for i, col := range Columns {
		if placeholder == "$" {
			params[i] = fmt.Sprintf("$%d", i+1)
		} else {
			params[i] = placeholder
		}
		if col != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO places (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		strings.Join(Columns, ", "),
		strings.Join(params, ", "),
		strings.Join(updates, ", "),
	)
}
