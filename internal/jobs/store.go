// Package jobs tracks long-running work executed out of process. The SQLite
// store is the single source of truth for job state; the serving process and
// the job executor share it through the filesystem, never through memory.
package jobs

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"visiond/internal/fault"
	"visiond/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite jobs database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs pending migrations.
// Pass ":memory:" for an in-memory database (used by tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" errors; the busy timeout
	// covers the cross-process writer (server and worker share this file).
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

const jobColumns = `id, owner_id, kind, name, status, created_at, started_at, completed_at,
	model_identifier, dataset_name, params_json,
	current_epoch, total_epochs, current_item, total_items, speed,
	metrics_json, error_message, error_code`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (types.Job, error) {
	var j types.Job
	var createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.Kind, &j.Name, &j.Status, &createdAt, &startedAt, &completedAt,
		&j.ModelIdentifier, &j.DatasetName, &j.ParamsJSON,
		&j.Progress.CurrentEpoch, &j.Progress.TotalEpochs,
		&j.Progress.CurrentItem, &j.Progress.TotalItems, &j.Progress.Speed,
		&j.MetricsJSON, &j.ErrorMessage, &j.ErrorCode,
	)
	if err != nil {
		return types.Job{}, err
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return types.Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return types.Job{}, fmt.Errorf("parsing started_at: %w", err)
		}
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return types.Job{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		j.CompletedAt = &t
	}
	return j, nil
}

// timeLayout is fixed-width so stored timestamps order lexicographically;
// RFC3339Nano trims trailing zeros and would break the created_at ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Create inserts a new queued job.
func (s *Store) Create(j types.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, owner_id, kind, name, status, created_at,
			model_identifier, dataset_name, params_json, total_epochs)
		VALUES (?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.Kind, j.Name, formatTime(j.CreatedAt),
		j.ModelIdentifier, j.DatasetName, j.ParamsJSON, j.Progress.TotalEpochs,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns one job scoped to its owner.
func (s *Store) Get(owner, id string) (types.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND owner_id = ?`, id, owner)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return types.Job{}, fault.NotFound("job %s not found", id)
	}
	if err != nil {
		return types.Job{}, err
	}
	return j, nil
}

// ListByOwner returns the owner's jobs, newest first.
func (s *Store) ListByOwner(owner string) ([]types.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimNext atomically moves the oldest queued job to running and returns it.
// Returns nil when the queue is empty. Jobs cancelled while queued are never
// claimed: the status guard skips them.
func (s *Store) ClaimNext() (*types.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`SELECT ` + jobColumns + ` FROM jobs WHERE status = 'queued'
		ORDER BY created_at ASC, id ASC LIMIT 1`)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	now := time.Now()
	res, err := tx.Exec(`UPDATE jobs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'queued'`, formatTime(now), j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = types.JobRunning
	started := now.UTC()
	j.StartedAt = &started
	return &j, nil
}

// UpdateProgress applies executor-reported counters while the job is running.
// Counters never move backward: a stale report (lower epoch, or lower item
// within the same epoch) leaves the stored values in place. Reports against a
// job that is no longer running are silently discarded.
func (s *Store) UpdateProgress(id string, p types.Progress, metricsJSON string) error {
	res, err := s.db.Exec(`UPDATE jobs SET
		current_item = CASE
			WHEN ?1 > current_epoch THEN ?3
			WHEN ?1 = current_epoch AND ?3 > current_item THEN ?3
			ELSE current_item END,
		current_epoch = MAX(current_epoch, ?1),
		total_epochs  = CASE WHEN ?2 > 0 THEN ?2 ELSE total_epochs END,
		total_items   = CASE WHEN ?4 > 0 THEN ?4 ELSE total_items END,
		speed         = CASE WHEN ?5 <> '' THEN ?5 ELSE speed END,
		metrics_json  = CASE WHEN ?6 <> '' THEN ?6 ELSE metrics_json END
		WHERE id = ?7 AND status = 'running'`,
		p.CurrentEpoch, p.TotalEpochs, p.CurrentItem, p.TotalItems, p.Speed,
		metricsJSON, id,
	)
	if err != nil {
		return fmt.Errorf("updating progress for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fault.NotFound("job %s not found", id)
		}
	}
	return nil
}

// SetTerminal moves a job into a terminal state exactly once. Completed and
// failed apply only from running; cancelled applies from queued or running.
// The returned bool reports whether the transition took effect: false means
// another terminal write got there first (cancellation wins over a racing
// completion). A persistence error is returned as-is, never swallowed.
func (s *Store) SetTerminal(id string, status types.JobStatus, metricsJSON, errMsg, errCode string) (bool, error) {
	if !status.Terminal() {
		return false, fault.InvalidInput("status %q is not terminal", status)
	}
	from := `('running')`
	if status == types.JobCancelled {
		from = `('queued', 'running')`
	}
	res, err := s.db.Exec(`UPDATE jobs SET status = ?1, completed_at = ?2,
		metrics_json = CASE WHEN ?3 <> '' THEN ?3 ELSE metrics_json END,
		error_message = ?4, error_code = ?5
		WHERE id = ?6 AND status IN `+from,
		status, formatTime(time.Now()), metricsJSON, errMsg, errCode, id,
	)
	if err != nil {
		return false, fmt.Errorf("persisting terminal state for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		jobTransitions.WithLabelValues(string(status)).Inc()
		return true, nil
	}
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fault.NotFound("job %s not found", id)
	}
	return false, nil
}

// QueuePosition returns the 1-based rank of a queued job among all queued
// jobs, ordered by creation time with id as the deterministic tie-break.
// Position is zero when the job is not queued.
func (s *Store) QueuePosition(id string) (types.QueuePosition, error) {
	var status, createdAt string
	err := s.db.QueryRow("SELECT status, created_at FROM jobs WHERE id = ?", id).
		Scan(&status, &createdAt)
	if err == sql.ErrNoRows {
		return types.QueuePosition{}, fault.NotFound("job %s not found", id)
	}
	if err != nil {
		return types.QueuePosition{}, err
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE status = 'queued'").Scan(&total); err != nil {
		return types.QueuePosition{}, err
	}
	if types.JobStatus(status) != types.JobQueued {
		return types.QueuePosition{Total: total}, nil
	}

	var position int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'queued'
		AND (created_at < ?1 OR (created_at = ?1 AND id <= ?2))`, createdAt, id).
		Scan(&position)
	if err != nil {
		return types.QueuePosition{}, err
	}
	return types.QueuePosition{Position: position, Total: total}, nil
}

// Delete removes a job record. Running jobs cannot be deleted; cancel first.
func (s *Store) Delete(owner, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow("SELECT status FROM jobs WHERE id = ? AND owner_id = ?", id, owner).Scan(&status)
	if err == sql.ErrNoRows {
		return fault.NotFound("job %s not found", id)
	}
	if err != nil {
		return err
	}
	if types.JobStatus(status) == types.JobRunning {
		return fault.Conflict("job %s is running; cancel it first", id)
	}
	if _, err := tx.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return tx.Commit()
}
