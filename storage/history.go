// Package storage persists transfer history in SQLite.
//
// The orchestrator is the only writer; front-ends read through ListTasks.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "history.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfer_tasks (
  task_id        TEXT PRIMARY KEY,
  direction      TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer_name      TEXT NOT NULL DEFAULT '',
  peer_mac       TEXT NOT NULL DEFAULT '',
  total_files    INTEGER NOT NULL,
  total_size     INTEGER NOT NULL,
  transferred    INTEGER NOT NULL DEFAULT 0,
  outcome        TEXT NOT NULL CHECK(outcome IN ('completed','failed','cancelled')),
  failure_reason TEXT NOT NULL DEFAULT '',
  started_at     INTEGER NOT NULL,
  finished_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_tasks_time
ON transfer_tasks (finished_at DESC, task_id);
`,
}

// Task outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// TaskRecord is one finished transfer.
type TaskRecord struct {
	TaskID        string
	Direction     string
	PeerName      string
	PeerMac       string
	TotalFiles    int
	TotalSize     int64
	Transferred   int64
	Outcome       string
	FailureReason string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) history.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

// RecordTask inserts one finished transfer.
func (s *Store) RecordTask(record TaskRecord) error {
	if record.TaskID == "" {
		return errors.New("task_id is required")
	}
	switch record.Direction {
	case DirectionSend, DirectionReceive:
	default:
		return fmt.Errorf("invalid direction %q", record.Direction)
	}
	switch record.Outcome {
	case OutcomeCompleted, OutcomeFailed, OutcomeCancelled:
	default:
		return fmt.Errorf("invalid outcome %q", record.Outcome)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO transfer_tasks (
			task_id, direction, peer_name, peer_mac,
			total_files, total_size, transferred,
			outcome, failure_reason, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TaskID,
		record.Direction,
		record.PeerName,
		record.PeerMac,
		record.TotalFiles,
		record.TotalSize,
		record.Transferred,
		record.Outcome,
		record.FailureReason,
		record.StartedAt.UnixMilli(),
		record.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer task %q: %w", record.TaskID, err)
	}
	return nil
}

// ListTasks returns the most recent transfers, newest first.
func (s *Store) ListTasks(limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT task_id, direction, peer_name, peer_mac,
			total_files, total_size, transferred,
			outcome, failure_reason, started_at, finished_at
		FROM transfer_tasks
		ORDER BY finished_at DESC, task_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfer tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var record TaskRecord
		var startedAt, finishedAt int64
		if err := rows.Scan(
			&record.TaskID, &record.Direction, &record.PeerName, &record.PeerMac,
			&record.TotalFiles, &record.TotalSize, &record.Transferred,
			&record.Outcome, &record.FailureReason, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer task: %w", err)
		}
		record.StartedAt = time.UnixMilli(startedAt)
		record.FinishedAt = time.UnixMilli(finishedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer tasks: %w", err)
	}
	return records, nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("bump schema version: %w", err)
	}
	return tx.Commit()
}
