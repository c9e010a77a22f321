// Package pg implements the Entity Store Adapter (spec §4.3) over Postgres,
// following the teacher repository's database/sql + pgx/v5 stdlib driver
// convention (see cmd/migrate.go).
package pg

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/interchat/core/internal/cache"
)

// OpenDB opens a Postgres connection pool via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Store implements store.Store over Postgres, invalidating the Cache Layer
// on every Connection/Hub mutation per spec §4.2.
type Store struct {
	db    *sql.DB
	cache *cache.Cache
}

// New creates a Postgres-backed Store that invalidates through c.
func New(db *sql.DB, c *cache.Cache) *Store {
	return &Store{db: db, cache: c}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
