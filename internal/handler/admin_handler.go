package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orchids/transcription-service/internal/broadcast"
	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/queue"
	"github.com/orchids/transcription-service/pkg/jwt"
	"github.com/orchids/transcription-service/pkg/logger"
	"github.com/orchids/transcription-service/pkg/response"
	"github.com/orchids/transcription-service/pkg/security"
	"github.com/orchids/transcription-service/pkg/validator"
)

type QueueInspector interface {
	Stats() ([]queue.QueueStats, error)
	Workers() ([]queue.WorkerStats, error)
}

type SchedulerView interface {
	QueueStatus() domain.QueueStatus
	Jobs(status domain.JobStatus, limit int) []domain.Job
}

// JobHistory reads persisted jobs, including those evicted from memory.
type JobHistory interface {
	List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error)
	Count(ctx context.Context, status domain.JobStatus) (int, error)
}

type JobEventLog interface {
	ListByJob(ctx context.Context, jobID int64, limit int) ([]*domain.JobEventRecord, error)
}

type AdminHandler struct {
	scheduler    SchedulerView
	history      JobHistory
	events       JobEventLog
	hub          *broadcast.Hub
	inspector    QueueInspector
	tokens       *jwt.TokenService
	adminKeyHash string
	log          *logger.Logger
}

// NewAdminHandler builds the admin endpoints. inspector is nil when archiving
// is disabled; tokens is nil when admin auth is disabled.
func NewAdminHandler(
	scheduler SchedulerView,
	history JobHistory,
	events JobEventLog,
	hub *broadcast.Hub,
	inspector QueueInspector,
	tokens *jwt.TokenService,
	adminKeyHash string,
	log *logger.Logger,
) *AdminHandler {
	return &AdminHandler{
		scheduler:    scheduler,
		history:      history,
		events:       events,
		hub:          hub,
		inspector:    inspector,
		tokens:       tokens,
		adminKeyHash: adminKeyHash,
		log:          log,
	}
}

type tokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	Key      string `json:"key" binding:"required"`
}

func (h *AdminHandler) IssueToken(c *gin.Context) {
	ctx := c.Request.Context()

	if h.tokens == nil || h.adminKeyHash == "" {
		response.FeatureDisabled(c, "AUTH_DISABLED", "Admin authentication is not configured")
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "operator and key are required")
		return
	}

	if !security.CompareAdminKey(h.adminKeyHash, req.Key) {
		h.log.Warn(ctx, "admin key rejected", map[string]interface{}{
			"operator":  req.Operator,
			"client_ip": c.ClientIP(),
		})
		response.Unauthorized(c, "Invalid admin key")
		return
	}

	token, expiresAt, err := h.tokens.GenerateToken(strings.TrimSpace(req.Operator), jwt.ScopeAdmin)
	if err != nil {
		h.log.Error(ctx, "failed to issue admin token", err, nil)
		response.InternalError(c, "Failed to issue token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (h *AdminHandler) GetQueue(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"status": h.scheduler.QueueStatus(),
		"queued": h.scheduler.Jobs(domain.JobStatusQueued, 200),
	})
}

func (h *AdminHandler) ListSubscribers(c *gin.Context) {
	subs := h.hub.Subscribers()
	response.Success(c, http.StatusOK, gin.H{
		"subscribers": subs,
		"count":       len(subs),
	})
}

func (h *AdminHandler) GetArchiveStats(c *gin.Context) {
	ctx := c.Request.Context()

	if h.inspector == nil {
		response.FeatureDisabled(c, "ARCHIVE_DISABLED", "Archiving is not enabled")
		return
	}

	stats, err := h.inspector.Stats()
	if err != nil {
		h.log.Error(ctx, "failed to get archive queue stats", err, nil)
		response.InternalError(c, "Failed to retrieve queue statistics")
		return
	}

	workers, err := h.inspector.Workers()
	if err != nil {
		h.log.Error(ctx, "failed to list archive workers", err, nil)
		response.InternalError(c, "Failed to retrieve worker information")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"queues":  stats,
		"workers": workers,
	})
}

func (h *AdminHandler) ListJobHistory(c *gin.Context) {
	ctx := c.Request.Context()

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err := validator.ValidateListParams(limit, offset); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	status := domain.JobStatus(strings.TrimSpace(c.Query("status")))

	jobs, err := h.history.List(ctx, status, limit, offset)
	if err != nil {
		h.log.Error(ctx, "failed to list job history", err, nil)
		response.InternalError(c, "Failed to retrieve job history")
		return
	}
	total, err := h.history.Count(ctx, status)
	if err != nil {
		h.log.Error(ctx, "failed to count job history", err, nil)
		response.InternalError(c, "Failed to retrieve job history")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	response.SuccessWithList(c, jobs, response.ListMeta{
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (h *AdminHandler) ListJobEvents(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := validator.ParseJobID(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "Invalid job ID")
		return
	}

	events, err := h.events.ListByJob(ctx, id, 500)
	if err != nil {
		h.log.Error(ctx, "failed to list job events", err, map[string]interface{}{"job_id": id})
		response.InternalError(c, "Failed to retrieve job events")
		return
	}
	if len(events) == 0 {
		response.NotFound(c, "No events recorded for job")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"job_id": id,
		"events": events,
	})
}
