package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/pkg/response"
)

type SystemMonitor interface {
	Latest() *domain.SystemSnapshot
	History(limit int) []*domain.SystemSnapshot
	BestDevice() string
	OptimalSettings() domain.Settings
}

type QueueStatusReader interface {
	QueueStatus() domain.QueueStatus
}

type ModelLister interface {
	Models() []domain.ModelSpec
}

type BackendHealth interface {
	Health(ctx context.Context) map[string]bool
}

// HealthCheck reports nil when the named dependency is reachable.
type HealthCheck func(ctx context.Context) error

type SystemHandler struct {
	monitor  SystemMonitor
	queue    QueueStatusReader
	models   ModelLister
	backends BackendHealth
	checks   map[string]HealthCheck
}

func NewSystemHandler(monitor SystemMonitor, queue QueueStatusReader, models ModelLister, backends BackendHealth, checks map[string]HealthCheck) *SystemHandler {
	return &SystemHandler{
		monitor:  monitor,
		queue:    queue,
		models:   models,
		backends: backends,
		checks:   checks,
	}
}

func (h *SystemHandler) ListModels(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"models":           h.models.Models(),
		"best_device":      h.monitor.BestDevice(),
		"optimal_settings": h.monitor.OptimalSettings(),
	})
}

func (h *SystemHandler) Metrics(c *gin.Context) {
	snap := h.monitor.Latest()
	if snap == nil {
		response.ServiceUnavailable(c, "No telemetry sample yet")
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"snapshot": snap,
		"queue":    h.queue.QueueStatus(),
	})
}

func (h *SystemHandler) MetricsHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "60"))
	if err != nil || limit < 1 || limit > 1000 {
		response.ValidationError(c, "limit must be between 1 and 1000")
		return
	}
	history := h.monitor.History(limit)
	response.SuccessWithList(c, history, response.ListMeta{
		Total: len(history),
		Limit: limit,
	})
}

// Health fails only on the registered dependency checks. Backend sidecar
// reachability is reported alongside without affecting the status.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	for name, check := range h.checks {
		ok := check(ctx) == nil
		checks[name] = ok
		healthy = healthy && ok
	}

	backends := map[string]bool{}
	if h.backends != nil {
		backends = h.backends.Health(ctx)
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    checks,
		"backends":  backends,
		"telemetry": h.monitor.Latest() != nil,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
