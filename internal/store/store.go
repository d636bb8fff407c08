// Package store owns every database row of the service. All other components
// read and mutate state through it.
//
// Writes follow a single-writer discipline: every mutating statement runs in
// a transaction under a process-wide gate, independent of SQLite's own
// locking, and transient busy errors are retried with a truncated exponential
// backoff before surfacing as ErrBusy.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBusy is returned when the busy retry schedule is exhausted. The HTTP
// layer maps it to 503, the job worker to a failed attempt.
var ErrBusy = errors.New("database busy")

// busyBackoff is the truncated exponential retry schedule for transient
// busy/locked errors, ~640 ms in total.
var busyBackoff = []time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
	80 * time.Millisecond,
	160 * time.Millisecond,
	320 * time.Millisecond,
}

// Store wraps the embedded SQLite database.
type Store struct {
	db *sql.DB

	// writeMu serializes all mutating transactions.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path with standard pragmas
// (WAL mode, busy timeout) and applies the additive schema migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports database reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// write runs fn inside a transaction under the write gate. Busy errors are
// retried on the backoff schedule; after the last attempt ErrBusy is returned
// wrapped around the underlying error.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var last error
	for attempt := 0; ; attempt++ {
		err := s.writeOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		last = err
		if attempt >= len(busyBackoff) {
			return fmt.Errorf("%w: %v", ErrBusy, last)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyBackoff[attempt]):
		}
	}
}

func (s *Store) writeOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isBusy classifies transient SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// Timestamps are stored as UTC text in a fixed-width layout. RFC3339Nano
// drops trailing fraction zeros, and "12:00:00Z" sorts after
// "12:00:00.000000001Z" ('Z' > '.'), so the variable-width form breaks the
// lexical comparisons in EventsSince and the job queue. Nine fraction digits
// keep byte order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
