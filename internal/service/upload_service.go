package service

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/orchids/transcription-service/internal/config"
	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/pkg/logger"
	"github.com/orchids/transcription-service/pkg/validator"
)

type ModelLookup interface {
	Lookup(name string) (domain.ModelSpec, error)
}

type JobSubmitter interface {
	AddJob(ctx context.Context, input domain.InputDescriptor, priority int) (int64, error)
}

type SubmitRequest struct {
	Model        string
	Language     string
	Priority     int
	Acceleration domain.AccelerationFlags
}

// UploadService stores uploaded media and hands it to the scheduler.
type UploadService struct {
	models    ModelLookup
	scheduler JobSubmitter
	config    *config.StorageConfig
	log       *logger.Logger
}

func NewUploadService(
	models ModelLookup,
	scheduler JobSubmitter,
	config *config.StorageConfig,
	log *logger.Logger,
) *UploadService {
	return &UploadService{
		models:    models,
		scheduler: scheduler,
		config:    config,
		log:       log.Component("upload"),
	}
}

func (s *UploadService) Submit(
	ctx context.Context,
	file multipart.File,
	header *multipart.FileHeader,
	req SubmitRequest,
) (int64, error) {
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if err := validator.ValidateLanguage(req.Language); err != nil {
		return 0, err
	}

	spec, err := s.models.Lookup(strings.TrimSpace(req.Model))
	if err != nil {
		return 0, err
	}
	if !spec.SupportsLanguage(req.Language) {
		return 0, fmt.Errorf("%w: %s does not support %q", domain.ErrUnsupportedLanguage, spec.Name, req.Language)
	}

	if err := validator.ValidateMediaFile(file, header, s.config.MaxFileSize, s.config.AllowedExtensions); err != nil {
		return 0, err
	}

	path, written, err := s.store(file, header)
	if err != nil {
		return 0, err
	}

	input := domain.InputDescriptor{
		MediaPath:        path,
		OriginalFilename: validator.SanitizeFilename(header.Filename),
		SizeBytes:        written,
		Model:            spec.Name,
		Language:         req.Language,
		Acceleration:     req.Acceleration,
	}
	id, err := s.scheduler.AddJob(ctx, input, req.Priority)
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to queue job: %w", err)
	}

	s.log.Info(ctx, "media accepted", map[string]interface{}{
		"job_id":   id,
		"filename": input.OriginalFilename,
		"size":     written,
		"model":    spec.Name,
		"language": req.Language,
	})
	return id, nil
}

func (s *UploadService) store(file multipart.File, header *multipart.FileHeader) (string, int64, error) {
	if err := os.MkdirAll(s.config.UploadPath, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	filePath := filepath.Join(s.config.UploadPath, uuid.New().String()+ext)

	destFile, err := os.Create(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	written, err := io.Copy(destFile, file)
	if err != nil {
		os.Remove(filePath)
		return "", 0, fmt.Errorf("failed to save file: %w", err)
	}
	if written != header.Size {
		os.Remove(filePath)
		return "", 0, fmt.Errorf("file size mismatch: expected %d, got %d", header.Size, written)
	}
	return filePath, written, nil
}
