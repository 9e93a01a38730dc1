package queue

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hibiken/asynq"

	"github.com/orchids/transcription-service/internal/observability"
	"github.com/orchids/transcription-service/pkg/logger"
)

// Uploader is the archive destination, typically storage.MinIOStore.
type Uploader interface {
	UploadDir(ctx context.Context, dir string) ([]string, error)
}

type ArchiveHandler struct {
	store  Uploader
	logger *logger.Logger
}

func NewArchiveHandler(store Uploader, logger *logger.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		store:  store,
		logger: logger.Component("archive"),
	}
}

func (h *ArchiveHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseArchivePayload(task)
	if err != nil {
		h.logger.Error(ctx, "failed to parse archive payload", err, nil)
		observability.ArchiveTasks.WithLabelValues(TypeTranscriptArchive, "invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := os.Stat(payload.ArtifactDir); err != nil {
		h.logger.Warn(ctx, "artifact directory missing, skipping archive", map[string]interface{}{
			"job_id": payload.JobID,
			"dir":    payload.ArtifactDir,
		})
		observability.ArchiveTasks.WithLabelValues(TypeTranscriptArchive, "skipped").Inc()
		return fmt.Errorf("stat artifacts: %v: %w", err, asynq.SkipRetry)
	}

	keys, err := h.store.UploadDir(ctx, payload.ArtifactDir)
	if err != nil {
		h.logger.Error(ctx, "archive upload failed", err, map[string]interface{}{
			"job_id": payload.JobID,
		})
		observability.ArchiveTasks.WithLabelValues(TypeTranscriptArchive, "failed").Inc()
		return fmt.Errorf("upload artifacts: %w", err)
	}

	observability.ArchiveTasks.WithLabelValues(TypeTranscriptArchive, "ok").Inc()
	h.logger.Info(ctx, "artifacts archived", map[string]interface{}{
		"job_id":  payload.JobID,
		"objects": keys,
	})
	return nil
}

type CleanupHandler struct {
	logger *logger.Logger
}

func NewCleanupHandler(logger *logger.Logger) *CleanupHandler {
	return &CleanupHandler{
		logger: logger.Component("cleanup"),
	}
}

func (h *CleanupHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseCleanupPayload(task)
	if err != nil {
		h.logger.Error(ctx, "failed to parse cleanup payload", err, nil)
		observability.ArchiveTasks.WithLabelValues(TypeTranscriptCleanup, "invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	var errs []error
	removed := 0
	for _, p := range payload.Paths {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if err := errors.Join(errs...); err != nil {
		observability.ArchiveTasks.WithLabelValues(TypeTranscriptCleanup, "failed").Inc()
		h.logger.Error(ctx, "cleanup incomplete", err, map[string]interface{}{
			"job_id": payload.JobID,
		})
		return err
	}

	observability.ArchiveTasks.WithLabelValues(TypeTranscriptCleanup, "ok").Inc()
	h.logger.Info(ctx, "job files removed", map[string]interface{}{
		"job_id":  payload.JobID,
		"removed": removed,
	})
	return nil
}

// NewServeMux routes both task types. Archive tasks are left unrouted when
// store is nil and fail through asynq's retry path.
func NewServeMux(store Uploader, logger *logger.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	if store != nil {
		mux.Handle(TypeTranscriptArchive, NewArchiveHandler(store, logger))
	}
	mux.Handle(TypeTranscriptCleanup, NewCleanupHandler(logger))
	return mux
}
