package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pairtrace/db")

// Pool sizing: batches hold a connection for the whole transaction, so
// open connections track concurrent batch count, not request count.
const (
	poolMaxOpen     = 100
	poolMaxIdle     = 25
	poolMaxLifetime = 20 * time.Minute
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	conn *sql.DB
}

// Connect opens and verifies a PostgreSQL connection pool. Migrations
// run separately (the migrate CLI in production, testutil in tests).
func Connect(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(poolMaxOpen)
	conn.SetMaxIdleConns(poolMaxIdle)
	conn.SetConnMaxLifetime(poolMaxLifetime)

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Exec runs a statement outside any batch transaction.
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// QueryRow runs a single-row query outside any batch transaction.
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Conn exposes the pool for the reports store and the test harness.
func (db *DB) Conn() *sql.DB {
	return db.conn
}
