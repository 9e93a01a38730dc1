package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/pkg/logger"
	"github.com/orchids/transcription-service/web/templates"
)

type PageHandler struct {
	scheduler SchedulerView
	monitor   SystemMonitor
	models    ModelLister
	log       *logger.Logger
}

func NewPageHandler(
	scheduler SchedulerView,
	monitor SystemMonitor,
	models ModelLister,
	log *logger.Logger,
) *PageHandler {
	return &PageHandler{
		scheduler: scheduler,
		monitor:   monitor,
		models:    models,
		log:       log,
	}
}

func (h *PageHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	component := templates.Dashboard(templates.DashboardData{
		Queue:    h.scheduler.QueueStatus(),
		Snapshot: h.monitor.Latest(),
		Models:   h.models.Models(),
		Jobs:     h.scheduler.Jobs(domain.JobStatus(""), 20),
	})

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := component.Render(ctx, c.Writer); err != nil {
		h.log.Error(ctx, "failed to render dashboard", err, nil)
	}
}
