// Package store persists accepted readings to SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/mikesmitty/htu21d"
	"github.com/mikesmitty/htu21d/control"
)

const (
	DefaultRetryAttempts = 20
	DefaultRetryBackoff  = 100 * time.Millisecond
)

// ErrContention is returned when the database stayed busy for every retry.
var ErrContention = errors.New("store: database busy")

type Opts struct {
	// RetryAttempts bounds how often a busy write is attempted.
	RetryAttempts int
	RetryBackoff  time.Duration
	// RunID tags every row written by this process. Generated when empty.
	RunID  string
	Logger *slog.Logger
}

// Store is an append-only log of readings.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	runID    string
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// Open opens or creates the database at path.
// Use ":memory:" for an in-memory database.
func Open(path string, opts *Opts) (*Store, error) {
	if opts == nil {
		opts = &Opts{}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`PRAGMA journal_mode = WAL;`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{
		db:       db,
		runID:    opts.RunID,
		attempts: opts.RetryAttempts,
		backoff:  opts.RetryBackoff,
		log:      opts.Logger,
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	if s.attempts <= 0 {
		s.attempts = DefaultRetryAttempts
	}
	if s.backoff <= 0 {
		s.backoff = DefaultRetryBackoff
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts_ns INTEGER NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		dewpoint REAL NOT NULL,
		setpoint_low REAL NOT NULL,
		setpoint_high REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts_ns);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RunID identifies the rows written through this Store.
func (s *Store) RunID() string {
	return s.runID
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records m together with the setpoint in force.
func (s *Store) Append(ctx context.Context, m htu21d.Measurement, sp control.Setpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO readings (run_id, ts_ns, temperature, humidity, dewpoint, setpoint_low, setpoint_high)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, s.runID, m.Time.UnixNano(), m.Temperature, m.Humidity, m.DewPoint, sp.Low, sp.High)
		return err
	})
}

// QueryRecent returns up to limit of the newest readings, oldest first.
func (s *Store) QueryRecent(ctx context.Context, limit int) ([]htu21d.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_ns, temperature, humidity, dewpoint
		FROM readings ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []htu21d.Measurement
	for rows.Next() {
		var m htu21d.Measurement
		var ts int64
		if err := rows.Scan(&ts, &m.Temperature, &m.Humidity, &m.DewPoint); err != nil {
			return nil, err
		}
		m.Time = time.Unix(0, ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// retry runs fn until it succeeds, fails with a non-busy error, or the
// attempts are used up.
func (s *Store) retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < s.attempts; i++ {
		if err = fn(); !isBusy(err) {
			return err
		}
		s.log.Debug("database busy, deferring write", "attempt", i+1, "error", err)
		if i == s.attempts-1 {
			break
		}
		t := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrContention, s.attempts, err)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

var _ control.Sink = (*Store)(nil)
var _ control.History = (*Store)(nil)
