// Package handlers exposes the training orchestration HTTP API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/models"
	"github.com/quantforge/training-backend/queue"
	"github.com/quantforge/training-backend/repository"
	"github.com/quantforge/training-backend/stream"
)

// Handler handles HTTP requests
type Handler struct {
	logger  *zap.Logger
	queue   *queue.Queue
	jobs    *repository.JobRepository
	logs    *repository.LogRepository
	configs *repository.ConfigurationRepository
	reg     Activator
	hub     *stream.Hub
	reports ReportFetcher // nil when artifact storage is not configured
}

// Activator is the registry surface the API needs.
type Activator interface {
	Activate(id string) error
	Deactivate(id string) error
	GetActive() ([]string, error)
}

// ReportFetcher retrieves stored training reports.
type ReportFetcher interface {
	GetReport(ctx context.Context, jobID string) ([]byte, error)
}

// NewHandler creates a new handler instance
func NewHandler(
	logger *zap.Logger,
	q *queue.Queue,
	jobs *repository.JobRepository,
	logs *repository.LogRepository,
	configs *repository.ConfigurationRepository,
	reg Activator,
	hub *stream.Hub,
	reports ReportFetcher,
) *Handler {
	return &Handler{
		logger:  logger,
		queue:   q,
		jobs:    jobs,
		logs:    logs,
		configs: configs,
		reg:     reg,
		hub:     hub,
		reports: reports,
	}
}

// RegisterRoutes wires the training API onto the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	training := r.Group("/training")
	{
		training.POST("/submit", h.SubmitJob)
		training.GET("/queue", h.ListQueue)
		training.GET("/logs/recent", h.RecentLogs)
		training.GET("/:job_id/stream", h.StreamJob)
		training.GET("/:job_id/logs", h.ReplayLogs)
		training.GET("/:job_id/report", h.GetReport)
		training.DELETE("/:job_id", h.CancelJob)

		training.GET("/configurations", h.ListConfigurations)
		training.GET("/configurations/active", h.ActiveConfigurations)
		training.POST("/configurations/:id/activate", h.ActivateConfiguration)
		training.POST("/configurations/:id/deactivate", h.DeactivateConfiguration)
	}
}

// SubmitJob handles POST /training/submit
func (h *Handler) SubmitJob(c *gin.Context) {
	var req models.TrainingJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request payload",
			"details": err.Error(),
		})
		return
	}

	job, err := h.queue.Submit(&req)
	if err != nil {
		if models.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Validation failed",
				"details": err.Error(),
			})
			return
		}
		h.logger.Error("job submission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to submit job",
			"details": err.Error(),
		})
		return
	}

	summary, err := h.jobs.ToSummary(job)
	if err != nil {
		h.logger.Error("failed to build job summary", zap.String("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusCreated, gin.H{"id": job.ID, "status": job.Status})
		return
	}
	c.JSON(http.StatusCreated, summary)
}

// ListQueue handles GET /training/queue
func (h *Handler) ListQueue(c *gin.Context) {
	summaries, err := h.queue.ListQueue()
	if err != nil {
		h.logger.Error("failed to list queue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list queue",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// StreamJob handles GET /training/:job_id/stream
func (h *Handler) StreamJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load job",
			"details": err.Error(),
		})
		return
	}

	// A terminal job gets its final event immediately instead of a silent
	// hang.
	if config.IsTerminalStatus(job.Status) {
		stream.ServeTerminal(c, terminalEventFor(job))
		return
	}

	// The job can still finish between the check above and the hub
	// subscription; ServeJob re-checks through this func once attached.
	terminal := func() (stream.Event, bool) {
		job, err := h.jobs.Get(jobID)
		if err != nil || !config.IsTerminalStatus(job.Status) {
			return stream.Event{}, false
		}
		return terminalEventFor(job), true
	}
	stream.ServeJob(c, h.hub, jobID, terminal, h.logger)
}

// terminalEventFor rebuilds the terminal event for an already-finished job.
func terminalEventFor(job *config.TrainingJob) stream.Event {
	if job.Status == config.JobStatusFailed {
		return stream.NewErrorEvent(job.ID, job.ErrorMessage)
	}
	return stream.NewCompleteEvent(job.ID, job.Status, job.BestConfigID, job.BestScore, job.DurationSeconds())
}

// ReplayLogs handles GET /training/:job_id/logs?limit=N
func (h *Handler) ReplayLogs(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := h.jobs.Get(jobID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load job",
			"details": err.Error(),
		})
		return
	}

	entries, err := h.logs.Replay(jobID, queryLimit(c, repository.MaxReplayLimit))
	if err != nil {
		h.logger.Error("failed to replay logs", zap.String("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to replay logs",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "logs": entries})
}

// RecentLogs handles GET /training/logs/recent?limit=N
func (h *Handler) RecentLogs(c *gin.Context) {
	entries, err := h.logs.Recent(queryLimit(c, 100))
	if err != nil {
		h.logger.Error("failed to load recent logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load recent logs",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

// GetReport handles GET /training/:job_id/report
func (h *Handler) GetReport(c *gin.Context) {
	jobID := c.Param("job_id")

	if h.reports == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Artifact storage not configured"})
		return
	}

	if _, err := h.jobs.Get(jobID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load job",
			"details": err.Error(),
		})
		return
	}

	data, err := h.reports.GetReport(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("failed to fetch training report", zap.String("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Training report not available",
			"details": err.Error(),
		})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// CancelJob handles DELETE /training/:job_id
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	err := h.queue.Cancel(jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": jobID, "status": "cancellation requested"})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, models.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Job already terminal",
			"details": err.Error(),
		})
	default:
		h.logger.Error("cancellation failed", zap.String("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to cancel job",
			"details": err.Error(),
		})
	}
}

// ListConfigurations handles GET /training/configurations
func (h *Handler) ListConfigurations(c *gin.Context) {
	filter := models.ConfigurationFilter{
		Strategy: c.Query("strategy"),
		Exchange: c.Query("exchange"),
		Pair:     c.Query("pair"),
		Status:   c.Query("status"),
	}
	if raw := c.Query("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid is_active filter",
				"details": err.Error(),
			})
			return
		}
		filter.IsActive = &active
	}

	cfgs, err := h.configs.List(filter)
	if err != nil {
		h.logger.Error("failed to list configurations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list configurations",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, cfgs)
}

// ActiveConfigurations handles GET /training/configurations/active
func (h *Handler) ActiveConfigurations(c *gin.Context) {
	ids, err := h.reg.GetActive()
	if err != nil {
		h.logger.Error("failed to load active set", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load active set",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": ids})
}

// ActivateConfiguration handles POST /training/configurations/:id/activate
func (h *Handler) ActivateConfiguration(c *gin.Context) {
	id := c.Param("id")

	err := h.reg.Activate(id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": id, "is_active": true})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Configuration not found"})
	case models.IsActivationDenied(err):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Activation denied",
			"details": err.Error(),
		})
	default:
		h.logger.Error("activation failed", zap.String("config_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to activate configuration",
			"details": err.Error(),
		})
	}
}

// DeactivateConfiguration handles POST /training/configurations/:id/deactivate
func (h *Handler) DeactivateConfiguration(c *gin.Context) {
	id := c.Param("id")

	err := h.reg.Deactivate(id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": id, "is_active": false})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Configuration not found"})
	default:
		h.logger.Error("deactivation failed", zap.String("config_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to deactivate configuration",
			"details": err.Error(),
		})
	}
}

func queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
