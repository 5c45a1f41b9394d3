// Package diagnostics persists operational metrics for a running
// kernel: busy-pool warnings and service-call latency samples. It is
// intended for lightweight history that survives restarts — not for
// kernel state or events themselves, which stay in-memory by design.
package diagnostics

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed diagnostics log. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) a diagnostics database at
// the given path. The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS busy_warnings (
		worker_count int NOT NULL,
		pending_jobs int NOT NULL,
		recorded_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS service_latency (
		domain      TEXT NOT NULL,
		service     TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_service_latency_domain_service
		ON service_latency (domain, service);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BusyWarning is one recorded busy-pool threshold crossing.
type BusyWarning struct {
	WorkerCount int
	PendingJobs int
	RecordedAt  time.Time
}

// RecordBusyWarning appends a busy-pool warning entry.
func (s *Store) RecordBusyWarning(workerCount, pendingJobs int) error {
	_, err := s.db.Exec(
		`INSERT INTO busy_warnings (worker_count, pending_jobs, recorded_at) VALUES (?, ?, ?)`,
		workerCount, pendingJobs, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record busy warning: %w", err)
	}
	return nil
}

// RecentBusyWarnings returns up to limit most-recent busy warnings,
// newest first.
func (s *Store) RecentBusyWarnings(limit int) ([]BusyWarning, error) {
	rows, err := s.db.Query(
		`SELECT worker_count, pending_jobs, recorded_at FROM busy_warnings
		 ORDER BY recorded_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent busy warnings: %w", err)
	}
	defer rows.Close()

	var out []BusyWarning
	for rows.Next() {
		var w BusyWarning
		var recordedAt string
		if err := rows.Scan(&w.WorkerCount, &w.PendingJobs, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan busy warning: %w", err)
		}
		w.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ServiceLatency is one recorded service-call duration sample.
type ServiceLatency struct {
	Domain     string
	Service    string
	Duration   time.Duration
	RecordedAt time.Time
}

// RecordServiceLatency appends a service-call duration sample.
func (s *Store) RecordServiceLatency(domain, service string, duration time.Duration) error {
	_, err := s.db.Exec(
		`INSERT INTO service_latency (domain, service, duration_ms, recorded_at) VALUES (?, ?, ?, ?)`,
		domain, service, duration.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record service latency: %w", err)
	}
	return nil
}

// RecentServiceLatency returns up to limit most-recent latency
// samples for domain.service, newest first.
func (s *Store) RecentServiceLatency(domain, service string, limit int) ([]ServiceLatency, error) {
	rows, err := s.db.Query(
		`SELECT domain, service, duration_ms, recorded_at FROM service_latency
		 WHERE domain = ? AND service = ?
		 ORDER BY recorded_at DESC LIMIT ?`,
		domain, service, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent service latency: %w", err)
	}
	defer rows.Close()

	var out []ServiceLatency
	for rows.Next() {
		var l ServiceLatency
		var durationMs int64
		var recordedAt string
		if err := rows.Scan(&l.Domain, &l.Service, &durationMs, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan service latency: %w", err)
		}
		l.Duration = time.Duration(durationMs) * time.Millisecond
		l.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Prune deletes diagnostics rows older than cutoff from both tables.
func (s *Store) Prune(cutoff time.Time) error {
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`DELETE FROM busy_warnings WHERE recorded_at < ?`, cutoffStr); err != nil {
		return fmt.Errorf("prune busy warnings: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM service_latency WHERE recorded_at < ?`, cutoffStr); err != nil {
		return fmt.Errorf("prune service latency: %w", err)
	}
	return nil
}
