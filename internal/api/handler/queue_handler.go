package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/ai-response-service/internal/api/dto"
	"github.com/cuongbtq/ai-response-service/internal/queue"
)

// QueueStats handles GET /api/v1/queues/:queue/stats
func (h *QueueHandler) QueueStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context(), c.Param("queue"))
	if err != nil {
		writeError(c, h.logger, "Failed to get queue stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListJobs handles GET /api/v1/queues/:queue/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *QueueHandler) ListJobs(c *gin.Context) {
	queueName := c.Param("queue")

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters", Code: "invalid_request"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor", Code: "invalid_request"})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), queueName, queue.ListFilter{
		State:    queue.State(req.State),
		UserID:   req.UserID,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		writeError(c, h.logger, "Failed to list jobs", err)
		return
	}

	// The store returns one extra row when another page exists.
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	now := time.Now()
	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.JobDTO{
			JobID:        job.ID,
			Queue:        job.QueueName,
			JobType:      job.JobType,
			UserID:       job.UserID,
			Priority:     job.Priority,
			State:        string(job.EffectiveState(now)),
			AttemptsMade: job.AttemptsMade,
			MaxAttempts:  job.MaxAttempts,
			LastError:    job.LastError,
			EnqueuedAt:   job.EnqueuedAt.Format(time.RFC3339Nano),
			ProcessedOn:  job.ProcessedOn,
			FinishedOn:   job.FinishedOn,
		}
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&queue.Cursor{
			EnqueuedAt: lastJob.EnqueuedAt,
			ID:         lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}
