package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed run history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serialises writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("history store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

const runColumns = `
	id, source, destination, parallelism, start_time, end_time, completed,
	failed, rejected, bytes_transferred, status, COALESCE(error_message, '')
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID, &run.Source, &run.Destination, &run.Parallelism,
		&run.StartTime, &run.EndTime, &run.Completed, &run.Failed,
		&run.Rejected, &run.BytesTransferred, &run.Status, &run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CreateRun inserts a new Run. A random uuid is assigned when ID is empty.
func (s *Store) CreateRun(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}

	const query = `
		INSERT INTO runs (
			id, source, destination, parallelism, start_time, end_time, completed,
			failed, rejected, bytes_transferred, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		run.ID, run.Source, run.Destination, run.Parallelism, run.StartTime,
		run.EndTime, run.Completed, run.Failed, run.Rejected,
		run.BytesTransferred, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRun updates an existing Run by ID
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE runs SET
			source = ?, destination = ?, parallelism = ?, start_time = ?,
			end_time = ?, completed = ?, failed = ?, rejected = ?,
			bytes_transferred = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Source, run.Destination, run.Parallelism, run.StartTime,
		run.EndTime, run.Completed, run.Failed, run.Rejected,
		run.BytesTransferred, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

// GetRun retrieves a Run by ID. A unique ID prefix is also accepted.
func (s *Store) GetRun(id string) (*Run, error) {
	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs WHERE id = ? OR id LIKE ? LIMIT 2", id, id+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	var found []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.ID == id {
			return run, nil
		}
		found = append(found, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}

// ListRuns retrieves the most recent Runs, newest first
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY start_time DESC"
	var args []any

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// FileResult Operations
// ============================================================================

// AddFileResult inserts a FileResult and sets its ID
func (s *Store) AddFileResult(res *FileResult) error {
	const query = `
		INSERT INTO file_results (
			run_id, file_id, name, path, size, sha256, status, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		res.RunID, res.FileID, res.Name, res.Path, res.Size, res.SHA256,
		res.Status, res.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert file result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	res.ID = id
	return nil
}

// ListFileResults retrieves the FileResults of a run in insertion order
func (s *Store) ListFileResults(runID string) ([]FileResult, error) {
	const query = `
		SELECT id, run_id, file_id, COALESCE(name, ''), COALESCE(path, ''), size,
		       COALESCE(sha256, ''), status, COALESCE(error, '')
		FROM file_results WHERE run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file results: %w", err)
	}
	defer rows.Close()

	var results []FileResult
	for rows.Next() {
		var r FileResult
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.FileID, &r.Name, &r.Path, &r.Size,
			&r.SHA256, &r.Status, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file results: %w", err)
	}

	return results, nil
}
