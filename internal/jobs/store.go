package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"packwise/internal/paths"
)

// timeFormat sorts lexically in UTC.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store persists jobs and their attempts in SQLite.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger
	dbPath string
}

// OpenStore opens or creates the session database at .packwise/sessions.db
// under projectRoot.
func OpenStore(projectRoot string, logger *slog.Logger) (*Store, error) {
	if _, err := paths.EnsureStateDir(projectRoot); err != nil {
		return nil, fmt.Errorf("failed to create .packwise directory: %w", err)
	}
	return openStoreAt(paths.DatabasePath(projectRoot), logger)
}

func openStoreAt(dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	dbExists := fileExists(dbPath)

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{
		conn:   conn,
		logger: logger,
		dbPath: dbPath,
	}

	if !dbExists {
		logger.Info("Creating session database", "path", dbPath)
	}
	if err := store.initializeSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return store, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// initializeSchema creates the session tables.
func (s *Store) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			request TEXT NOT NULL,
			entry TEXT NOT NULL,
			engine TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			error TEXT,
			error_code TEXT,
			result TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);

		CREATE TABLE IF NOT EXISTS attempts (
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			missing_module TEXT,
			artifact_path TEXT,
			error_code TEXT,
			spec TEXT,
			log BLOB,
			duration_ms INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (job_id, number)
		);

		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);
		INSERT OR REPLACE INTO schema_version (version) VALUES (1);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// CreateJob inserts a new job into the database.
func (s *Store) CreateJob(job *Job) error {
	req, err := json.Marshal(job.Request)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO jobs (id, request, entry, engine, status, attempts, created_at, started_at, completed_at, error, error_code, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.conn.Exec(query,
		job.ID,
		string(req),
		job.Request.Entry,
		job.Request.Engine,
		job.Status,
		job.Attempts,
		job.CreatedAt.UTC().Format(timeFormat),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullString(job.Error),
		nullString(job.ErrorCode),
		nullString(job.Result),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Created job", "jobId", job.ID, "entry", job.Request.Entry)
	return nil
}

const jobColumns = `id, request, status, attempts, created_at, started_at, completed_at, error, error_code, result`

// GetJob retrieves a job by ID, or by a unique ID prefix. It returns nil
// when no job matches.
func (s *Store) GetJob(id string) (*Job, error) {
	rows, err := s.conn.Query(`SELECT `+jobColumns+` FROM jobs WHERE id LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT 2`, escapeLike(id)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var found []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch {
	case len(found) == 0:
		return nil, nil
	case len(found) > 1 && found[0].ID != id:
		return nil, fmt.Errorf("job id prefix %q is ambiguous", id)
	}
	return found[0], nil
}

// UpdateJob updates an existing job.
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE jobs SET
			status = ?,
			attempts = ?,
			started_at = ?,
			completed_at = ?,
			error = ?,
			error_code = ?,
			result = ?
		WHERE id = ?
	`
	result, err := s.conn.Exec(query,
		job.Status,
		job.Attempts,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullString(job.Error),
		nullString(job.ErrorCode),
		nullString(job.Result),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job not found: %s", job.ID)
	}
	return nil
}

// ListJobs retrieves jobs matching the given options, newest first.
func (s *Store) ListJobs(opts ListJobsOptions) (*ListJobsResponse, error) {
	var conditions []string
	var args []interface{}

	if len(opts.Status) > 0 {
		placeholders := make([]string, len(opts.Status))
		for i, status := range opts.Status {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM jobs %s", whereClause)
	var totalCount int
	if err := s.conn.QueryRow(countQuery, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, jobColumns, whereClause)
	args = append(args, limit, opts.Offset)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []JobSummary{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job.ToSummary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return &ListJobsResponse{
		Jobs:       jobs,
		TotalCount: totalCount,
	}, nil
}

// MarkInterrupted fails a queued or running job whose process exited
// without finishing it.
func (s *Store) MarkInterrupted(id string) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.conn.Exec(`
		UPDATE jobs SET status = 'failed', completed_at = ?, error = 'interrupted: packwise exited before the job finished', error_code = 'CANCELLED'
		WHERE id = ? AND status IN ('queued', 'running')
	`, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark job interrupted: %w", err)
	}
	return nil
}

// CleanupOldJobs removes finished jobs older than the given duration,
// their attempts with them, and returns the removed IDs.
func (s *Store) CleanupOldJobs(retention time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(timeFormat)

	rows, err := s.conn.Query(`
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND completed_at < ?
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to cleanup old jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, fmt.Errorf("failed to read cleaned job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveAttempt stores an attempt; its log is zstd-compressed.
func (s *Store) SaveAttempt(rec *AttemptRecord) error {
	blob, err := compressLog(rec.Log)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.conn.Exec(`
		INSERT OR REPLACE INTO attempts (job_id, number, state, exit_code, missing_module, artifact_path, error_code, spec, log, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.JobID,
		rec.Number,
		rec.State,
		rec.ExitCode,
		nullString(rec.MissingModule),
		nullString(rec.ArtifactPath),
		nullString(rec.ErrorCode),
		nullString(rec.Spec),
		blob,
		rec.Duration.Milliseconds(),
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts of a job in order, logs included.
func (s *Store) ListAttempts(jobID string) ([]AttemptRecord, error) {
	rows, err := s.conn.Query(`
		SELECT job_id, number, state, exit_code, missing_module, artifact_path, error_code, spec, log, duration_ms, created_at
		FROM attempts WHERE job_id = ? ORDER BY number ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var missing, artifact, code, spec sql.NullString
		var blob []byte
		var durationMS int64
		var createdAt string
		if err := rows.Scan(&rec.JobID, &rec.Number, &rec.State, &rec.ExitCode, &missing, &artifact, &code, &spec, &blob, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		rec.MissingModule = missing.String
		rec.ArtifactPath = artifact.String
		rec.ErrorCode = code.String
		rec.Spec = spec.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(timeFormat, createdAt); err == nil {
			rec.CreatedAt = t
		}
		if rec.Log, err = decompressLog(blob); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanJob scans one row selected with jobColumns.
func scanJob(rows *sql.Rows) (*Job, error) {
	var job Job
	var request string
	var startedAt, completedAt, errMsg, errCode, result sql.NullString
	var createdAt string

	err := rows.Scan(
		&job.ID,
		&request,
		&job.Status,
		&job.Attempts,
		&createdAt,
		&startedAt,
		&completedAt,
		&errMsg,
		&errCode,
		&result,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job row: %w", err)
	}
	if err := json.Unmarshal([]byte(request), &job.Request); err != nil {
		return nil, fmt.Errorf("corrupt job request %s: %w", job.ID, err)
	}

	job.Error = errMsg.String
	job.ErrorCode = errCode.String
	job.Result = result.String

	if t, err := time.Parse(timeFormat, createdAt); err == nil {
		job.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(timeFormat, startedAt.String); err == nil {
			job.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(timeFormat, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

// Helper functions for nullable fields
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
