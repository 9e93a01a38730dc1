package repository

import (
	"context"

	"github.com/orchids/transcription-service/internal/domain"
)

type JobRepository interface {
	// Save inserts the job or replaces the stored row with the same id.
	Save(ctx context.Context, job domain.Job) error
	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error)
	Count(ctx context.Context, status domain.JobStatus) (int, error)
	MaxID(ctx context.Context) (int64, error)
}

type JobEventRepository interface {
	Create(ctx context.Context, event *domain.JobEventRecord) error
	ListByJob(ctx context.Context, jobID int64, limit int) ([]*domain.JobEventRecord, error)
}
