package handler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/export"
	"github.com/orchids/transcription-service/internal/service"
	"github.com/orchids/transcription-service/pkg/logger"
	"github.com/orchids/transcription-service/pkg/response"
	"github.com/orchids/transcription-service/pkg/validator"
)

type JobScheduler interface {
	CancelJob(id int64) bool
	Jobs(status domain.JobStatus, limit int) []domain.Job
}

type JobReader interface {
	Get(ctx context.Context, id int64) (domain.Job, error)
}

type TranscriptionHandler struct {
	uploads         *service.UploadService
	scheduler       JobScheduler
	jobs            JobReader
	defaultPriority int
	log             *logger.Logger
}

func NewTranscriptionHandler(
	uploads *service.UploadService,
	scheduler JobScheduler,
	jobs JobReader,
	defaultPriority int,
	log *logger.Logger,
) *TranscriptionHandler {
	return &TranscriptionHandler{
		uploads:         uploads,
		scheduler:       scheduler,
		jobs:            jobs,
		defaultPriority: defaultPriority,
		log:             log,
	}
}

func (h *TranscriptionHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.ValidationError(c, "Media file is required")
		return
	}
	defer file.Close()

	priority, err := validator.ParsePriority(c.PostForm("priority"), h.defaultPriority)
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	req := service.SubmitRequest{
		Model:    c.DefaultPostForm("model", "whisper-large-v3"),
		Language: c.DefaultPostForm("language", "zh"),
		Priority: priority,
		Acceleration: domain.AccelerationFlags{
			UseAcceleratedRuntime: validator.ParseBool(c.PostForm("tensorrt_enabled"), false),
			GPUOptimization:       validator.ParseBool(c.PostForm("gpu_optimization"), true),
		},
	}

	jobID, err := h.uploads.Submit(ctx, file, header, req)
	if err != nil {
		switch {
		case errors.Is(err, validator.ErrFileTooLarge):
			response.PayloadTooLarge(c, "FILE_TOO_LARGE", err.Error())
		case errors.Is(err, validator.ErrInvalidFormat):
			response.Error(c, http.StatusBadRequest, "INVALID_FORMAT", err.Error())
		case errors.Is(err, domain.ErrUnknownModel):
			response.Error(c, http.StatusBadRequest, "UNKNOWN_MODEL", err.Error())
		case errors.Is(err, domain.ErrUnsupportedLanguage), errors.Is(err, validator.ErrInvalidLanguage):
			response.Error(c, http.StatusBadRequest, "UNSUPPORTED_LANGUAGE", err.Error())
		default:
			h.log.Error(ctx, "submit failed", err, map[string]interface{}{
				"filename": header.Filename,
			})
			response.InternalError(c, "Failed to submit transcription job")
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"job_id": jobID,
	})
}

func (h *TranscriptionHandler) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, job)
}

func (h *TranscriptionHandler) CancelJob(c *gin.Context) {
	jobID, err := validator.ParseJobID(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid job ID")
		return
	}

	if !h.scheduler.CancelJob(jobID) {
		job, err := h.jobs.Get(c.Request.Context(), jobID)
		if err != nil {
			response.NotFound(c, "Job not found")
			return
		}
		response.Conflict(c, "Job already "+string(job.Status))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"job_id": jobID,
		"status": domain.JobStatusCancelled,
	})
}

func (h *TranscriptionHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err := validator.ValidateListParams(limit, 0); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	status := domain.JobStatus(strings.TrimSpace(c.Query("status")))
	jobs := h.scheduler.Jobs(status, limit)

	response.SuccessWithList(c, jobs, response.ListMeta{
		Total: len(jobs),
		Limit: limit,
	})
}

func (h *TranscriptionHandler) DownloadArtifact(c *gin.Context) {
	format, ok := export.ParseFormat(c.Param("format"))
	if !ok {
		response.ValidationError(c, "Format must be one of srt, vtt, txt")
		return
	}

	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCompleted || job.ArtifactDir == "" {
		response.Conflict(c, "Job has no artifacts yet")
		return
	}

	name := export.Filenames[format]
	path := filepath.Join(job.ArtifactDir, name)
	if _, err := os.Stat(path); err != nil {
		response.NotFound(c, "Artifact not found")
		return
	}

	c.Header("Content-Type", format.ContentType())
	c.FileAttachment(path, "job-"+strconv.FormatInt(job.ID, 10)+"-"+name)
}

func (h *TranscriptionHandler) loadJob(c *gin.Context) (domain.Job, bool) {
	ctx := c.Request.Context()

	jobID, err := validator.ParseJobID(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid job ID")
		return domain.Job{}, false
	}

	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			response.NotFound(c, "Job not found")
			return domain.Job{}, false
		}
		h.log.Error(ctx, "failed to get job", err, map[string]interface{}{
			"job_id": jobID,
		})
		response.InternalError(c, "Failed to retrieve job")
		return domain.Job{}, false
	}
	return job, true
}
