// Package dbpool owns the shared PostgreSQL connection pool. The booking
// store and the outbox queue both run on one pool so a deployment holds a
// single set of connections against the database.
package dbpool

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tutorhive/server/internal/config"
)

// SharedPool wraps the process-wide *sql.DB.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings a pool, then applies the configured limits.
func NewSharedPool(connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)
	return &SharedPool{db: db}, nil
}

// DB exposes the pool to the stores built on it.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close shuts the pool down. Called once, by the lifecycle manager.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
