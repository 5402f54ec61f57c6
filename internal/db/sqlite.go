// Package db opens the SQLite job store, the analytics connection used by the
// row source, and applies the embedded schema migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"
)

// Pool modes for OpenSQLite.
const (
	ModeWrite = "write"
	ModeRead  = "read"
)

const (
	busyTimeoutMillis = "5000"
	pingTimeout       = 5 * time.Second
)

// OpenSQLite opens a pool on the SQLite file at path.
//
// The write pool holds a single connection and begins transactions with
// BEGIN IMMEDIATE, so read-then-insert sequences such as admission are
// serialized. Read pools default to four connections.
func OpenSQLite(path, mode string, maxOpen int) (*sql.DB, error) {
	if mode != ModeRead && mode != ModeWrite {
		return nil, fmt.Errorf("invalid SQLite mode %q: must be %q or %q", mode, ModeRead, ModeWrite)
	}

	pool, err := sql.Open("sqlite3", sqliteDSN(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}

	if mode == ModeWrite {
		maxOpen = 1
	} else if maxOpen <= 0 {
		maxOpen = 4
	}
	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxOpen)
	pool.SetConnMaxLifetime(time.Hour)

	if err := ping(pool); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return pool, nil
}

// OpenSQLitePair opens the write pool and a read pool on the same file.
func OpenSQLitePair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	writeDB, err = OpenSQLite(path, ModeWrite, 0)
	if err != nil {
		return nil, nil, err
	}
	readDB, err = OpenSQLite(path, ModeRead, readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}
	return writeDB, readDB, nil
}

// OpenAnalytics opens the database the row source queries. driver is
// "sqlite3" (dsn is a file path, opened as a read pool) or "duckdb" (dsn is
// passed to the DuckDB driver unchanged; an empty dsn is in-memory).
func OpenAnalytics(driver, dsn string, maxOpen int) (*sql.DB, error) {
	switch driver {
	case "", "sqlite3":
		return OpenSQLite(dsn, ModeRead, maxOpen)
	case "duckdb":
		pool, err := sql.Open("duckdb", dsn)
		if err != nil {
			return nil, fmt.Errorf("open duckdb: %w", err)
		}
		if maxOpen > 0 {
			pool.SetMaxOpenConns(maxOpen)
		}
		if err := ping(pool); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("ping duckdb: %w", err)
		}
		return pool, nil
	}
	return nil, fmt.Errorf("unsupported analytics driver %q", driver)
}

func ping(pool *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return pool.PingContext(ctx)
}

// sqliteDSN builds the hardened mattn/go-sqlite3 DSN: WAL journal, busy
// timeout, NORMAL sync, foreign keys, and immediate locking for writers.
func sqliteDSN(path, mode string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", busyTimeoutMillis)
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	if mode == ModeWrite {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
