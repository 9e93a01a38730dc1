package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/orchids/transcription-service/pkg/logger"
)

const (
	QueueDefault = "default"
	QueueLow     = "low"
)

// Queues is the worker's queue weighting.
var Queues = map[string]int{
	QueueDefault: 3,
	QueueLow:     1,
}

// QueueClient enqueues post-completion work for the worker process. It
// satisfies pipeline.Archiver.
type QueueClient struct {
	client       *asynq.Client
	logger       *logger.Logger
	cleanupAfter time.Duration
}

func NewQueueClient(redisOpt asynq.RedisConnOpt, cleanupAfter time.Duration, logger *logger.Logger) *QueueClient {
	return &QueueClient{
		client:       asynq.NewClient(redisOpt),
		logger:       logger.Component("queue"),
		cleanupAfter: cleanupAfter,
	}
}

func (q *QueueClient) Close() error {
	return q.client.Close()
}

func (q *QueueClient) EnqueueArchive(ctx context.Context, jobID int64, artifactDir string) error {
	task, err := NewArchiveTask(ArchivePayload{JobID: jobID, ArtifactDir: artifactDir})
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("archive-%d", jobID)),
		asynq.MaxRetry(3),
		asynq.Timeout(10 * time.Minute),
		asynq.Queue(QueueDefault),
	}
	return q.enqueue(ctx, task, jobID, opts)
}

func (q *QueueClient) EnqueueCleanup(ctx context.Context, jobID int64, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	task, err := NewCleanupTask(CleanupPayload{JobID: jobID, Paths: paths})
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("cleanup-%d", jobID)),
		asynq.MaxRetry(2),
		asynq.Timeout(time.Minute),
		asynq.Queue(QueueLow),
		asynq.ProcessIn(q.cleanupAfter),
	}
	return q.enqueue(ctx, task, jobID, opts)
}

func (q *QueueClient) enqueue(ctx context.Context, task *asynq.Task, jobID int64, opts []asynq.Option) error {
	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		q.logger.Debug(ctx, "task already enqueued", map[string]interface{}{
			"job_id": jobID,
			"type":   task.Type(),
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}

	q.logger.Info(ctx, "task enqueued", map[string]interface{}{
		"job_id":  jobID,
		"type":    task.Type(),
		"task_id": info.ID,
		"queue":   info.Queue,
	})
	return nil
}
