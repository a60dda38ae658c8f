// Package store owns the broker's single SQLite file: the bounded connection
// pool, schema migrations, and the small set of DBTX-level helpers shared by
// every service package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"github.com/adamavenir/broker/internal/types"
)

// DBTX is implemented by both *sql.DB and *sql.Tx, letting query helpers in
// the service packages run unmodified inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config tunes the pool and probe behavior. Zero value yields the documented
// defaults.
type Config struct {
	// MaxConnections bounds how many logical operations may hold a
	// checked-out connection at once. Default 5.
	MaxConnections int
	// AcquireTimeout is how long GetConn blocks before failing with
	// ErrConnectionExhausted. Default 10s.
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	return c
}

// Store wraps the single embedded database file with a bounded admission
// semaphore on top of database/sql's own pool, matching the explicit
// "mutex-and-condition-variable pair" contract with an idiomatic Go
// primitive (golang.org/x/sync/semaphore) instead of a hand-rolled one.
type Store struct {
	db   *sql.DB
	path string
	cfg  Config
	sem  *semaphore.Weighted
}

// Open opens (creating if absent) the SQLite file at path, applies pragmas
// for WAL journalling with normal synchronous mode, runs migrations, and
// returns a ready Store.
func Open(path string, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// database/sql keeps its own pool of physical connections; cap it at the
	// same bound as the logical admission semaphore so the two never starve
	// each other.
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	s := &Store{
		db:   db,
		path: path,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxConnections)),
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	slog.Info("store opened", "path", path, "max_connections", cfg.MaxConnections)
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw *sql.DB for callers (migrations, tests) that need it
// directly; service packages should prefer WithConn/WithTx.
func (s *Store) DB() *sql.DB { return s.db }

// GetConn blocks until a logical connection slot is free or cfg.AcquireTimeout
// elapses, in which case it returns ErrConnectionExhausted. The returned
// release func must be deferred; it probes the underlying pool with a
// trivial query and logs (but does not fail on) a broken probe, since
// database/sql already discards bad physical connections transparently.
func (s *Store) GetConn(ctx context.Context) (release func(), err error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConnectionExhausted, err)
	}

	return func() {
		s.probe()
		s.sem.Release(1)
	}, nil
}

// probe runs a trivial query to mirror the "validates the connection
// with a trivial probe" return_connection behavior. database/sql already
// discards dead physical connections on its own, so a failed probe here is
// informational only.
func (s *Store) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, "SELECT 1"); err != nil {
		slog.Warn("connection probe failed", "error", err)
	}
}

// WithConn acquires a logical connection slot for the duration of fn, the
// shape every single-statement service call uses ( : "every service
// call acquires a connection for the duration of one logical operation").
func (s *Store) WithConn(ctx context.Context, fn func(DBTX) error) error {
	release, err := s.GetConn(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(s.db)
}

// WithTx acquires a connection slot and wraps fn in a transaction, for any
// multi-statement update that must commit or roll back as a unit.
func (s *Store) WithTx(ctx context.Context, fn func(DBTX) error) error {
	release, err := s.GetConn(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", types.ErrStorage, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %v", types.ErrStorage, err)
	}
	return nil
}

// RetryBusy retries fn with exponential backoff while the store reports
// SQLITE_BUSY, for the rare case WAL contention outlasts busy_timeout. Most
// callers never need this; it exists for the sweeper and other background
// callers that would rather retry a few times than fail a whole sweep pass.
func RetryBusy(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.Reset()

	const maxAttempts = 5
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return err
}

func isBusy(err error) bool {
	// modernc.org/sqlite surfaces busy/locked as a plain error string; the
	// driver does not export a typed sentinel, so match text the way
	// original_source's Python layer leans on sqlite3.OperationalError text.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
