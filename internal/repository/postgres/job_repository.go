package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchids/transcription-service/internal/domain"
)

type PostgresJobRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobRepository(pool *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{
		pool: pool,
	}
}

const jobColumns = `id, model, language, priority, status, progress, stage, device_id,
		input, result, error, warnings, artifact_dir,
		submitted_at, admitted_at, started_at, finished_at`

func (r *PostgresJobRepository) Save(ctx context.Context, job domain.Job) error {
	row, err := newJobRow(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %d: %w", job.ID, err)
	}

	query := `
		INSERT INTO transcription_jobs (` + jobColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			stage = EXCLUDED.stage,
			device_id = EXCLUDED.device_id,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			warnings = EXCLUDED.warnings,
			artifact_dir = EXCLUDED.artifact_dir,
			admitted_at = EXCLUDED.admitted_at,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = NOW()
	`

	_, err = r.pool.Exec(ctx, query, row.args()...)
	if err != nil {
		return fmt.Errorf("%w: failed to save job %d: %v", domain.ErrDatabaseError, job.ID, err)
	}
	return nil
}

func (r *PostgresJobRepository) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transcription_jobs WHERE id = $1`

	var row jobRow
	if err := row.scan(r.pool.QueryRow(ctx, query, id)); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, domain.ErrJobNotFound)
		}
		return nil, fmt.Errorf("%w: failed to get job: %v", domain.ErrDatabaseError, err)
	}
	job, err := row.job()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *PostgresJobRepository) List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM transcription_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list jobs: %v", domain.ErrDatabaseError, err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var row jobRow
		if err := row.scan(rows); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job, err := row.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func (r *PostgresJobRepository) Count(ctx context.Context, status domain.JobStatus) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transcription_jobs WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count jobs: %v", domain.ErrDatabaseError, err)
	}
	return n, nil
}

// MaxID returns the highest stored job id, or 0 for an empty table.
func (r *PostgresJobRepository) MaxID(ctx context.Context) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM transcription_jobs`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read max job id: %v", domain.ErrDatabaseError, err)
	}
	return id, nil
}

// jobRow is the column-level form of a job.
type jobRow struct {
	domain.Job
	input    []byte
	result   []byte
	warnings []byte
}

func newJobRow(job domain.Job) (*jobRow, error) {
	row := &jobRow{Job: job}
	var err error
	if row.input, err = json.Marshal(job.Input); err != nil {
		return nil, err
	}
	if job.Result != nil {
		if row.result, err = json.Marshal(job.Result); err != nil {
			return nil, err
		}
	}
	warnings := job.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	if row.warnings, err = json.Marshal(warnings); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *jobRow) args() []interface{} {
	return []interface{}{
		r.ID,
		r.Input.Model,
		r.Input.Language,
		r.Priority,
		string(r.Status),
		r.Progress,
		r.Stage,
		r.DeviceID,
		r.input,
		r.result,
		r.Error,
		r.warnings,
		r.ArtifactDir,
		r.SubmittedAt,
		r.AdmittedAt,
		r.StartedAt,
		r.FinishedAt,
	}
}

func (r *jobRow) scan(row pgx.Row) error {
	var model, language string
	return row.Scan(
		&r.ID,
		&model,
		&language,
		&r.Priority,
		&r.Status,
		&r.Progress,
		&r.Stage,
		&r.DeviceID,
		&r.input,
		&r.result,
		&r.Error,
		&r.warnings,
		&r.ArtifactDir,
		&r.SubmittedAt,
		&r.AdmittedAt,
		&r.StartedAt,
		&r.FinishedAt,
	)
}

func (r *jobRow) job() (domain.Job, error) {
	job := r.Job
	if err := json.Unmarshal(r.input, &job.Input); err != nil {
		return domain.Job{}, fmt.Errorf("failed to decode job %d input: %w", r.ID, err)
	}
	if len(r.result) > 0 {
		var res domain.Result
		if err := json.Unmarshal(r.result, &res); err != nil {
			return domain.Job{}, fmt.Errorf("failed to decode job %d result: %w", r.ID, err)
		}
		job.Result = &res
	}
	if len(r.warnings) > 0 {
		if err := json.Unmarshal(r.warnings, &job.Warnings); err != nil {
			return domain.Job{}, fmt.Errorf("failed to decode job %d warnings: %w", r.ID, err)
		}
		if len(job.Warnings) == 0 {
			job.Warnings = nil
		}
	}
	return job, nil
}
