package storage

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
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding flows, jobs, job traces, and the
// processed-items ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "datamachine.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
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

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
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

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
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

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, ns.String)
}

// --- Flows ---

// SaveFlow inserts or replaces a flow definition.
func (s *Store) SaveFlow(f Flow) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO flows (id, project_id, name, definition_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at`,
		f.ID, f.ProjectID, f.Name, f.DefinitionJSON, now, now,
	)
	return err
}

func (s *Store) GetFlow(id string) (Flow, error) {
	var f Flow
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, project_id, name, definition_json, created_at, updated_at
		FROM flows WHERE id = ?`, id,
	).Scan(&f.ID, &f.ProjectID, &f.Name, &f.DefinitionJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Flow{}, ErrNotFound
	}
	if err != nil {
		return Flow{}, err
	}
	if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Flow{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if f.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Flow{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return f, nil
}

func (s *Store) ListFlows() ([]Flow, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, name, definition_json, created_at, updated_at
		FROM flows ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Flow
	for rows.Next() {
		var f Flow
		var createdAt, updatedAt string
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &f.DefinitionJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if f.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, flow_id, status, packets_json, result_json, created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var result, startedAt, finishedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.FlowID, &j.Status, &j.PacketsJSON, &result, &createdAt, &updatedAt, &startedAt, &finishedAt); err != nil {
		return Job{}, err
	}
	j.ResultJSON = result.String

	var err error
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Job{}, fmt.Errorf("parsing started_at for job %s: %w", j.ID, err)
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return Job{}, fmt.Errorf("parsing finished_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(job Job) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, flow_id, status, packets_json, created_at, updated_at)
		VALUES (?, ?, 'pending', '[]', ?, ?)`,
		job.ID, job.FlowID, now, now,
	)
	return err
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (s *Store) ListJobs(status string, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// ClaimNextJob atomically moves the oldest pending job to processing.
// Returns nil when no job is pending.
func (s *Store) ClaimNextJob() (*Job, error) {
	now := formatTime(time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var id string
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'processing', started_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`, now, now, id)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	j, err := scanJob(tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("reloading claimed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &j, nil
}

// AppendJobStep records one trace entry and the packet array produced by it.
// Both writes happen in one transaction so a poll never sees a trace entry
// without its packets.
func (s *Store) AppendJobStep(jobID, stepJSON, packetsJSON string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning step transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	res, err := tx.Exec(`UPDATE jobs SET packets_json = ?, updated_at = ? WHERE id = ? AND status = 'processing'`, packetsJSON, now, jobID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, s.jobStateError(tx, jobID)
	}

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_steps WHERE job_id = ?`, jobID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("computing step sequence: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO job_steps (job_id, seq, step_json, created_at) VALUES (?, ?, ?, ?)`, jobID, seq, stepJSON, now); err != nil {
		return 0, fmt.Errorf("inserting job step: %w", err)
	}

	return seq, tx.Commit()
}

func (s *Store) ListJobSteps(jobID string) ([]JobStep, error) {
	rows, err := s.db.Query(`SELECT job_id, seq, step_json, created_at FROM job_steps WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []JobStep
	for rows.Next() {
		var st JobStep
		var createdAt string
		if err := rows.Scan(&st.JobID, &st.Seq, &st.StepJSON, &createdAt); err != nil {
			return nil, err
		}
		if st.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

// FinishJob moves a processing job to a terminal status. Terminal jobs are
// never rewritten.
func (s *Store) FinishJob(id, status, packetsJSON, resultJSON string) error {
	if status != JobComplete && status != JobFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning finish transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	res, err := tx.Exec(`
		UPDATE jobs SET status = ?, packets_json = ?, result_json = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND status = 'processing'`,
		status, packetsJSON, resultJSON, now, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.jobStateError(tx, id)
	}
	return tx.Commit()
}

// StuckJobs returns ids of processing jobs whose last update is older than cutoff.
func (s *Store) StuckJobs(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM jobs WHERE status = 'processing' AND updated_at < ? ORDER BY updated_at ASC`, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) jobStateError(tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, status, ErrNotProcessing)
}

// --- Processed items ---

// MarkProcessed records that itemID was consumed by the given flow step.
// Marking an item twice is not an error.
func (s *Store) MarkProcessed(flowStepID, itemID, jobID string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO processed_items (flow_step_id, item_id, job_id, processed_at)
		VALUES (?, ?, ?, ?)`,
		flowStepID, itemID, jobID, formatTime(time.Now()),
	)
	return err
}

func (s *Store) IsProcessed(flowStepID, itemID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM processed_items WHERE flow_step_id = ? AND item_id = ?`, flowStepID, itemID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
