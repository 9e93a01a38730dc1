package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchids/transcription-service/internal/domain"
)

type JobEventRepository struct {
	db *pgxpool.Pool
}

func NewJobEventRepository(db *pgxpool.Pool) *JobEventRepository {
	return &JobEventRepository{db: db}
}

func (r *JobEventRepository) Create(ctx context.Context, event *domain.JobEventRecord) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO job_events (id, job_id, action, status, details, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.Exec(ctx, query,
		event.ID, event.JobID, event.Action, string(event.Status), detailsJSON, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record job event: %v", domain.ErrDatabaseError, err)
	}
	return nil
}

func (r *JobEventRepository) ListByJob(ctx context.Context, jobID int64, limit int) ([]*domain.JobEventRecord, error) {
	query := `
	SELECT id, job_id, action, status, details, created_at
	FROM job_events
	WHERE job_id = $1
	ORDER BY created_at ASC
	LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list job events: %v", domain.ErrDatabaseError, err)
	}
	defer rows.Close()

	var events []*domain.JobEventRecord
	for rows.Next() {
		event := &domain.JobEventRecord{}
		var detailsJSON []byte

		err := rows.Scan(
			&event.ID, &event.JobID, &event.Action, &event.Status, &detailsJSON, &event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if len(detailsJSON) > 0 {
			json.Unmarshal(detailsJSON, &event.Details)
		}

		events = append(events, event)
	}

	return events, rows.Err()
}
