package reasoning

import (
	"database/sql"
	"time"

	"github.com/retracehq/retrace/errors"
)

// JobStore handles persistence of reasoning jobs
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new reasoning job store
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJob inserts a new job into the database
func (s *JobStore) CreateJob(job *Job) error {
	query := `
		INSERT INTO reasoning_jobs (
			id, execution_id, step_name, attempt, status,
			last_error, reasoning,
			created_at, updated_at, started_at, completed_at, next_retry_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	lastError := sql.NullString{String: job.LastError, Valid: job.LastError != ""}
	reasoning := sql.NullString{String: job.Reasoning, Valid: job.Reasoning != ""}

	_, err := s.db.Exec(query,
		job.ID,
		job.ExecutionID,
		job.StepName,
		job.Attempt,
		job.Status,
		lastError,
		reasoning,
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullTime(job.NextRetryAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create reasoning job for step %s", job.StepName)
	}

	return nil
}

// UpdateJob updates an existing job in the database
func (s *JobStore) UpdateJob(job *Job) error {
	query := `
		UPDATE reasoning_jobs
		SET attempt = ?,
		    status = ?,
		    last_error = ?,
		    reasoning = ?,
		    updated_at = ?,
		    started_at = ?,
		    completed_at = ?,
		    next_retry_at = ?
		WHERE id = ?
	`

	lastError := sql.NullString{String: job.LastError, Valid: job.LastError != ""}
	reasoning := sql.NullString{String: job.Reasoning, Valid: job.Reasoning != ""}

	result, err := s.db.Exec(query,
		job.Attempt,
		job.Status,
		lastError,
		reasoning,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullTime(job.NextRetryAt),
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update reasoning job %s", job.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("reasoning job %s not found", job.ID)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *JobStore) GetJob(id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM reasoning_jobs WHERE id = ?`

	var job Job
	err := ScanJobFromRow(s.db.QueryRow(query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("reasoning job %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get reasoning job %s", id)
	}

	return &job, nil
}

// DeleteJob removes a job from the database
func (s *JobStore) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM reasoning_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete reasoning job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("reasoning job %s not found", id)
	}

	return nil
}

// FindActiveJobForStep finds the live (pending or processing) job for an
// execution step. Returns nil when no active job exists; duplicate-free
// enqueue depends on this check.
func (s *JobStore) FindActiveJobForStep(executionID, stepName string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM reasoning_jobs
		WHERE execution_id = ?
		  AND step_name = ?
		  AND status IN ('pending', 'processing')
		ORDER BY created_at DESC
		LIMIT 1`

	var job Job
	err := ScanJobFromRow(s.db.QueryRow(query, executionID, stepName), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // no active job, not an error
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find active job for step %s", stepName)
	}

	return &job, nil
}

// ListJobsByStatus returns jobs in the given status, oldest first
func (s *JobStore) ListJobsByStatus(status Status, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM reasoning_jobs
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, status, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s jobs", status)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListJobs returns jobs newest first, for inspection and the CLI listing
func (s *JobStore) ListJobs(limit, offset int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM reasoning_jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.Query(query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reasoning jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CountJobsByStatus returns the number of jobs per status
func (s *JobStore) CountJobsByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM reasoning_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count reasoning jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return counts, nil
}

// ResetForRetry writes a retried job back to pending in one statement:
// attempt, next_retry_at, and last_error move together so a crash between
// writes cannot leave a half-scheduled retry.
func (s *JobStore) ResetForRetry(job *Job) error {
	query := `
		UPDATE reasoning_jobs
		SET status = ?,
		    attempt = ?,
		    last_error = ?,
		    next_retry_at = ?,
		    started_at = NULL,
		    updated_at = ?
		WHERE id = ?
	`

	lastError := sql.NullString{String: job.LastError, Valid: job.LastError != ""}

	result, err := s.db.Exec(query,
		StatusPending,
		job.Attempt,
		lastError,
		nullTime(job.NextRetryAt),
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to reset job %s for retry", job.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("reasoning job %s not found", job.ID)
	}

	return nil
}

// PruneTerminalJobs removes completed and failed jobs older than the given
// age and reports how many were deleted
func (s *JobStore) PruneTerminalJobs(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := s.db.Exec(`
		DELETE FROM reasoning_jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune reasoning jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return rows, nil
}

// scanJobs scans multiple jobs from query rows
func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan reasoning job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating reasoning jobs")
	}

	return jobs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
