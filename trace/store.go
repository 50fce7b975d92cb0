package trace

import (
	"database/sql"
	"strings"
	"time"

	"github.com/retracehq/retrace/errors"
)

// Store handles persistence of executions and their steps
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveExecution upserts an execution and replaces its step list. A step's
// existing reasoning survives the replace unless the incoming step carries
// its own; the reasoning column is the one field written out-of-band by the
// job queue, and a re-save from the tracker must not clobber it.
func (s *Store) SaveExecution(exec *Execution) error {
	if err := exec.Validate(); err != nil {
		return err
	}

	metadataJSON, err := MarshalJSONField(exec.Metadata)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal metadata for execution %s", exec.ID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO executions (id, pipeline, status, metadata, final_outcome, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pipeline = excluded.pipeline,
			status = excluded.status,
			metadata = excluded.metadata,
			final_outcome = excluded.final_outcome,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms
	`,
		exec.ID,
		exec.Pipeline,
		exec.Status,
		nullString(metadataJSON),
		nullString(exec.FinalOutcome),
		exec.StartedAt,
		nullTime(exec.EndedAt),
		exec.DurationMs,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save execution %s", exec.ID)
	}

	for i := range exec.Steps {
		if err := upsertStep(tx, exec.ID, i, &exec.Steps[i]); err != nil {
			return err
		}
	}

	if err := deleteStepsNotIn(tx, exec.ID, exec.Steps); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit execution save")
	}
	return nil
}

func upsertStep(tx *sql.Tx, executionID string, position int, step *Step) error {
	inputJSON, err := MarshalJSONField(step.Input)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal input for step %s", step.Name)
	}
	outputJSON, err := MarshalJSONField(step.Output)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal output for step %s", step.Name)
	}
	metadataJSON, err := MarshalJSONField(step.Metadata)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal metadata for step %s", step.Name)
	}

	var reasoning sql.NullString
	if step.Reasoning != nil {
		reasoning = sql.NullString{String: *step.Reasoning, Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO execution_steps (
			execution_id, position, name, status,
			input, output, metadata, error, reasoning,
			started_at, ended_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, name) DO UPDATE SET
			position = excluded.position,
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			metadata = excluded.metadata,
			error = excluded.error,
			reasoning = COALESCE(excluded.reasoning, execution_steps.reasoning),
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms
	`,
		executionID,
		position,
		step.Name,
		step.Status,
		nullString(inputJSON),
		nullString(outputJSON),
		nullString(metadataJSON),
		nullString(step.Error),
		reasoning,
		step.StartedAt,
		nullTime(step.EndedAt),
		step.DurationMs,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save step %s", step.Name)
	}
	return nil
}

// deleteStepsNotIn removes rows for steps no longer present in the incoming
// list, so a re-save fully replaces the step set.
func deleteStepsNotIn(tx *sql.Tx, executionID string, steps []Step) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(steps)), ",")
	args := make([]interface{}, 0, len(steps)+1)
	args = append(args, executionID)
	for i := range steps {
		args = append(args, steps[i].Name)
	}

	_, err := tx.Exec(
		`DELETE FROM execution_steps WHERE execution_id = ? AND name NOT IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to prune removed steps for execution %s", executionID)
	}
	return nil
}

// GetExecutionByID retrieves an execution with its steps in execution order
func (s *Store) GetExecutionByID(id string) (*Execution, error) {
	query := `
		SELECT id, pipeline, status, metadata, final_outcome, started_at, ended_at, duration_ms, created_at
		FROM executions
		WHERE id = ?
	`

	var exec Execution
	var metadata, finalOutcome sql.NullString
	var endedAt sql.NullTime

	err := s.db.QueryRow(query, id).Scan(
		&exec.ID,
		&exec.Pipeline,
		&exec.Status,
		&metadata,
		&finalOutcome,
		&exec.StartedAt,
		&endedAt,
		&exec.DurationMs,
		&exec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}

	if metadata.Valid {
		exec.Metadata, err = UnmarshalJSONField(metadata.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse metadata for execution %s", id)
		}
	}
	exec.FinalOutcome = finalOutcome.String
	if endedAt.Valid {
		exec.EndedAt = &endedAt.Time
	}

	exec.Steps, err = s.loadSteps(id)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *Store) loadSteps(executionID string) ([]Step, error) {
	query := `
		SELECT name, status, input, output, metadata, error, reasoning, started_at, ended_at, duration_ms
		FROM execution_steps
		WHERE execution_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.Query(query, executionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load steps for execution %s", executionID)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var step Step
		var input, output, metadata, stepErr, reasoning sql.NullString
		var endedAt sql.NullTime

		if err := rows.Scan(
			&step.Name,
			&step.Status,
			&input,
			&output,
			&metadata,
			&stepErr,
			&reasoning,
			&step.StartedAt,
			&endedAt,
			&step.DurationMs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan step")
		}

		if step.Input, err = UnmarshalJSONField(input.String); err != nil {
			return nil, errors.Wrapf(err, "failed to parse input for step %s", step.Name)
		}
		if step.Output, err = UnmarshalJSONField(output.String); err != nil {
			return nil, errors.Wrapf(err, "failed to parse output for step %s", step.Name)
		}
		if step.Metadata, err = UnmarshalJSONField(metadata.String); err != nil {
			return nil, errors.Wrapf(err, "failed to parse metadata for step %s", step.Name)
		}
		step.Error = stepErr.String
		if reasoning.Valid {
			step.Reasoning = &reasoning.String
		}
		if endedAt.Valid {
			step.EndedAt = &endedAt.Time
		}

		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating steps")
	}
	return steps, nil
}

// UpdateStepReasoning writes the generated explanation for one step. The
// keyed single-column update keeps concurrent writers to sibling steps of
// the same execution from losing each other's work; nothing else on the row
// is touched.
func (s *Store) UpdateStepReasoning(executionID, stepName, reasoning string) error {
	result, err := s.db.Exec(
		`UPDATE execution_steps SET reasoning = ? WHERE execution_id = ? AND name = ?`,
		reasoning, executionID, stepName,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update reasoning for step %s", stepName)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("step %s not found in execution %s", stepName, executionID)
	}
	return nil
}

// ExecutionSummary is a listing row: the execution header plus step counts
type ExecutionSummary struct {
	ID            string          `json:"id"`
	Pipeline      string          `json:"pipeline,omitempty"`
	Status        ExecutionStatus `json:"status"`
	StepCount     int             `json:"step_count"`
	ReasonedSteps int             `json:"reasoned_steps"`
	StartedAt     time.Time       `json:"started_at"`
	DurationMs    int64           `json:"duration_ms"`
}

// ListExecutions returns recent executions, newest first, optionally
// filtered by pipeline
func (s *Store) ListExecutions(pipeline string, limit int) ([]*ExecutionSummary, error) {
	query := `
		SELECT e.id, e.pipeline, e.status, e.started_at, e.duration_ms,
			COUNT(s.name),
			COUNT(s.reasoning)
		FROM executions e
		LEFT JOIN execution_steps s ON s.execution_id = e.id
	`
	var args []interface{}
	if pipeline != "" {
		query += ` WHERE e.pipeline = ?`
		args = append(args, pipeline)
	}
	query += ` GROUP BY e.id ORDER BY e.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var summaries []*ExecutionSummary
	for rows.Next() {
		var sum ExecutionSummary
		if err := rows.Scan(
			&sum.ID,
			&sum.Pipeline,
			&sum.Status,
			&sum.StartedAt,
			&sum.DurationMs,
			&sum.StepCount,
			&sum.ReasonedSteps,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution summary")
		}
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return summaries, nil
}

// DeleteExecution removes an execution and, through the foreign key cascade,
// its steps
func (s *Store) DeleteExecution(id string) error {
	result, err := s.db.Exec(`DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete execution %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("execution %s not found", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
