package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terminal-bench/csarunner/internal/csa"
)

const schema = `
CREATE TABLE IF NOT EXISTS csa_tasks (
	id                 TEXT PRIMARY KEY,
	business_timestamp TIMESTAMPTZ NOT NULL,
	state              TEXT NOT NULL,
	pt_es_status       TEXT NOT NULL DEFAULT '',
	pt_es_result_url   TEXT NOT NULL DEFAULT '',
	fr_es_status       TEXT NOT NULL DEFAULT '',
	fr_es_result_url   TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS csa_steps (
	task_id         TEXT NOT NULL REFERENCES csa_tasks(id) ON DELETE CASCADE,
	border          TEXT NOT NULL,
	iteration       INTEGER NOT NULL,
	ct              DOUBLE PRECISION NOT NULL,
	validated       BOOLEAN NOT NULL,
	secure          BOOLEAN NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	failure_message TEXT NOT NULL DEFAULT '',
	recorded_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS csa_steps_task_idx ON csa_steps (task_id, iteration);
`

// PostgresStore keeps the history in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open database
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return nil
}

// StartTask registers a running task. A task restarted with the same id loses
// its previous steps.
func (s *PostgresStore) StartTask(ctx context.Context, req csa.Request) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO csa_tasks (id, business_timestamp, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   business_timestamp = EXCLUDED.business_timestamp,
		   state = EXCLUDED.state,
		   pt_es_status = '', pt_es_result_url = '',
		   fr_es_status = '', fr_es_result_url = '',
		   error = '', updated_at = EXCLUDED.updated_at`,
		req.ID, req.BusinessTimestamp, StateRunning, now,
	)
	if err != nil {
		return fmt.Errorf("failed to start task %s: %w", req.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM csa_steps WHERE task_id = $1`, req.ID); err != nil {
		return fmt.Errorf("failed to reset steps of task %s: %w", req.ID, err)
	}
	return tx.Commit()
}

// FinishTask stores the final response of a task
func (s *PostgresStore) FinishTask(ctx context.Context, resp csa.Response) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE csa_tasks
		 SET state = $2, pt_es_status = $3, pt_es_result_url = $4,
		     fr_es_status = $5, fr_es_result_url = $6, error = $7, updated_at = $8
		 WHERE id = $1`,
		resp.ID, stateOf(resp), resp.PtEsStatus, resp.PtEsResultURL,
		resp.FrEsStatus, resp.FrEsResultURL, resp.Error, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", resp.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", resp.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", resp.ID, ErrTaskNotFound)
	}
	return nil
}

// RecordStep implements StepRecorder
func (s *PostgresStore) RecordStep(ctx context.Context, taskID string, border csa.Border, iteration int, step csa.StepResult) error {
	r := NewStepRecord(taskID, border, iteration, step, time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO csa_steps (task_id, border, iteration, ct, validated, secure, reason, failure_message, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.TaskID, r.Border, r.Iteration, r.Value, r.Validated, r.Secure, r.Reason, r.FailureMessage, r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record step of task %s: %w", taskID, err)
	}
	return nil
}

// GetTask returns a task
func (s *PostgresStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	var task TaskRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, business_timestamp, state, pt_es_status, pt_es_result_url,
		        fr_es_status, fr_es_result_url, error, created_at, updated_at
		 FROM csa_tasks WHERE id = $1`,
		id,
	).Scan(&task.ID, &task.BusinessTimestamp, &task.State,
		&task.Response.PtEsStatus, &task.Response.PtEsResultURL,
		&task.Response.FrEsStatus, &task.Response.FrEsResultURL,
		&task.Response.Error, &task.CreatedAt, &task.UpdatedAt)

	if err == sql.ErrNoRows {
		return TaskRecord{}, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	task.Response.ID = task.ID
	return task, nil
}

// Steps returns the steps of a task ordered by iteration then border
func (s *PostgresStore) Steps(ctx context.Context, taskID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, border, iteration, ct, validated, secure, reason, failure_message, recorded_at
		 FROM csa_steps WHERE task_id = $1
		 ORDER BY iteration, border DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of task %s: %w", taskID, err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.TaskID, &r.Border, &r.Iteration, &r.Value, &r.Validated,
			&r.Secure, &r.Reason, &r.FailureMessage, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, r)
	}
	return steps, rows.Err()
}
