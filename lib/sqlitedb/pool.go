// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitedb opens pooled SQLite connections with the pragmas
// the daemon's derived stores rely on (WAL journaling, normal
// synchronous writes, a busy timeout). Everything stored through it
// is rebuildable from the record store, which keeps the durability
// requirements mild.
package sqlitedb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a database.
type Config struct {
	// Path is the database file, created if absent. ":memory:" works
	// for tests with PoolSize 1 (each in-memory connection is its own
	// database).
	Path string

	// PoolSize is the connection count. Zero or negative selects
	// max(NumCPU, 4). Writes serialize inside SQLite regardless;
	// extra connections only help concurrent readers.
	PoolSize int

	// Logger receives open/close messages. Nil discards them.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas:
	// schema creation and any caller-specific pragmas go here. An
	// error discards the connection and surfaces from Take.
	OnConnect func(conn *sqlite.Conn) error
}

// DB is a fixed-size SQLite connection pool. The pool is safe for
// concurrent use; an individual connection belongs to one goroutine
// between Take and Put.
type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. Connections initialize lazily on first Take.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitedb: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: opening %s: %w", cfg.Path, err)
	}
	logger.Info("sqlite database opened", "path", cfg.Path, "pool_size", poolSize)
	return &DB{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection, blocking until one is free or ctx is
// cancelled. Pair with Put, typically via defer.
func (db *DB) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: take: %w", err)
	}
	return conn, nil
}

// Put returns a borrowed connection. Nil is a no-op.
func (db *DB) Put(conn *sqlite.Conn) {
	db.pool.Put(conn)
}

// WithConn borrows a connection for the duration of fn. Most callers
// want this instead of manual Take/Put pairing.
func (db *DB) WithConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := db.Take(ctx)
	if err != nil {
		return err
	}
	defer db.Put(conn)
	return fn(conn)
}

// Close closes every connection, blocking until borrowed ones return.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		db.logger.Error("sqlite close error", "path", db.path, "error", err)
		return fmt.Errorf("sqlitedb: closing %s: %w", db.path, err)
	}
	db.logger.Info("sqlite database closed", "path", db.path)
	return nil
}

// prepareConnection applies the standard pragmas, then the caller's
// OnConnect. Runs once per pooled connection on first use.
func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	// WAL: readers never block the single writer. synchronous=NORMAL
	// is sufficient because every table here is derived data.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitedb: %s: %w", pragma, err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitedb: OnConnect: %w", err)
		}
	}
	return nil
}
