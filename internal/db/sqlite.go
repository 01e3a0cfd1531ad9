// Package db opens the gateway's local SQLite store, which holds persisted
// metric and audit events.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// Mode selects the pool flavour of OpenSQLite.
type Mode string

// Pool modes. SQLite allows one writer, so the write pool holds a single
// connection and takes the lock eagerly.
const (
	ModeWrite Mode = "write"
	ModeRead  Mode = "read"
)

const (
	busyTimeoutMs = "5000"
	synchronous   = "NORMAL"
	journalMode   = "WAL"
)

// OpenSQLite opens a pool for the SQLite file at path. maxOpen applies to
// read pools only; zero means 4.
func OpenSQLite(path string, mode Mode, maxOpen int) (*sql.DB, error) {
	if mode != ModeRead && mode != ModeWrite {
		return nil, fmt.Errorf("invalid SQLite mode %q: must be %q or %q", mode, ModeRead, ModeWrite)
	}

	db, err := sql.Open("sqlite3", buildDSN(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}
	if mode == ModeWrite {
		maxOpen = 1
	} else if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return db, nil
}

// Store is a migrated SQLite file with separate write and read pools.
type Store struct {
	Write *sql.DB
	Read  *sql.DB
	// Version is the schema version after migration.
	Version int64
}

// OpenStore opens path, creating the file if needed, and migrates it.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	w, err := OpenSQLite(path, ModeWrite, 0)
	if err != nil {
		return nil, err
	}
	v, err := RunMigrations(ctx, w)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	r, err := OpenSQLite(path, ModeRead, 0)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Store{Write: w, Read: r, Version: v}, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.Read.Close(), s.Write.Close())
}

// Ping checks the write pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.Write.PingContext(ctx)
}

func buildDSN(path string, mode Mode) string {
	params := url.Values{}
	params.Set("_journal_mode", journalMode)
	params.Set("_busy_timeout", busyTimeoutMs)
	params.Set("_synchronous", synchronous)
	if mode == ModeWrite {
		params.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + params.Encode()
}
