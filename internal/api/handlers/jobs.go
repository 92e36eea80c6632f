package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lisan-5/file-processing-api/internal/core"
	"github.com/lisan-5/file-processing-api/internal/db"
	"github.com/lisan-5/file-processing-api/internal/history"
)

// CreateJobRequest names the target either by an uploaded file id or by a
// path the server can read. Category defaults to the uploaded file's.
type CreateJobRequest struct {
	Category   string         `json:"category"`
	Operation  string         `json:"operation" binding:"required"`
	FileID     string         `json:"file_id"`
	TargetPath string         `json:"target_path"`
	Options    map[string]any `json:"options"`
	Priority   string         `json:"priority"`
}

type ListJobsQuery struct {
	Status    string `form:"status"`
	Category  string `form:"category"`
	Operation string `form:"operation"`
	FromDate  string `form:"from_date"`
	ToDate    string `form:"to_date"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
	SortBy    string `form:"sort_by"`
	SortDir   string `form:"sort_dir"`
}

type QueueResponse struct {
	core.QueueSnapshot
	Pending []core.JobStatus `json:"pending"`
}

type JobHandler struct {
	queue      *core.Queue
	dispatcher *core.Dispatcher
	reporter   *core.Reporter
	logger     *slog.Logger
}

func NewJobHandler(queue *core.Queue, dispatcher *core.Dispatcher, reporter *core.Reporter, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		queue:      queue,
		dispatcher: dispatcher,
		reporter:   reporter,
		logger:     logger,
	}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	priority, err := core.ParsePriority(req.Priority)
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_priority", err.Error())
		return
	}

	target := req.TargetPath
	category := req.Category
	switch {
	case req.FileID != "" && req.TargetPath != "":
		abort(c, http.StatusBadRequest, "validation_error", "use either file_id or target_path, not both")
		return
	case req.FileID != "":
		f, err := db.Files.GetFileByID(c.Request.Context(), req.FileID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				abort(c, http.StatusNotFound, "not_found", "file not found")
				return
			}
			internalError(c, "failed to load file", err)
			return
		}
		target = f.StoredPath
		if category == "" {
			category = f.Category
		}
	}

	cat, err := core.ParseCategory(category)
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_spec", err.Error())
		return
	}

	spec := core.JobSpec{
		Category:  cat,
		Operation: req.Operation,
		Target:    target,
		Options:   req.Options,
		Priority:  priority,
	}
	if err := spec.Validate(); err != nil {
		abort(c, http.StatusBadRequest, "invalid_spec", err.Error())
		return
	}
	if !h.dispatcher.Supports(spec.Category, spec.Operation) {
		abort(c, http.StatusUnprocessableEntity, "unsupported_operation",
			fmt.Sprintf("%s does not support operation %q", spec.Category, spec.Operation))
		return
	}

	id, err := h.queue.Submit(spec)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidSpec):
			abort(c, http.StatusBadRequest, "invalid_spec", err.Error())
		case errors.Is(err, core.ErrQueueStopped):
			abort(c, http.StatusServiceUnavailable, "queue_stopped", "the queue is shutting down")
		default:
			internalError(c, "failed to submit job", err)
		}
		return
	}

	status, err := h.queue.Status(id)
	if err != nil {
		// Evicted already; report what was accepted.
		status = core.JobStatus{ID: id, Category: spec.Category, Operation: spec.Operation, Target: spec.Target, Priority: priority, Status: core.StatusQueued}
	}
	c.Header("Location", "/api/v1/jobs/"+id)
	c.JSON(http.StatusCreated, status)
}

// GetJob serves live state from the queue and falls back to history for
// finished jobs that have left it. A queued or processing row the queue no
// longer tracks is stale and reads as not found.
func (h *JobHandler) GetJob(c *gin.Context) {
	id := c.Param("id")
	if s, err := h.queue.Status(id); err == nil {
		c.JSON(http.StatusOK, s)
		return
	}

	s, err := history.Lookup(c.Request.Context(), id)
	if err == nil && !s.Status.Terminal() {
		err = core.ErrJobNotFound
	}
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			abort(c, http.StatusNotFound, "not_found", "job not found")
			return
		}
		internalError(c, "failed to load job", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// RemoveJob withdraws a job that has not started.
func (h *JobHandler) RemoveJob(c *gin.Context) {
	id := c.Param("id")
	removed, err := h.queue.Remove(id)
	if err == nil {
		audit(c, h.logger, "job.remove", "job", id, nil)
		c.JSON(http.StatusOK, removed)
		return
	}
	if !errors.Is(err, core.ErrJobNotFound) {
		internalError(c, "failed to remove job", err)
		return
	}

	if s, serr := h.queue.Status(id); serr == nil {
		abort(c, http.StatusConflict, "not_pending", fmt.Sprintf("job is %s and can no longer be removed", s.Status))
		return
	}
	abort(c, http.StatusNotFound, "not_found", "job not found")
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if query.Limit <= 0 {
		query.Limit = 50
	}

	filter := db.JobFilter{
		Status:    query.Status,
		Category:  query.Category,
		Operation: query.Operation,
		Limit:     query.Limit,
		Offset:    query.Offset,
		OrderBy:   query.SortBy,
		OrderDir:  query.SortDir,
	}
	if query.FromDate != "" {
		t, err := time.Parse("2006-01-02", query.FromDate)
		if err != nil {
			abort(c, http.StatusBadRequest, "validation_error", "from_date must be YYYY-MM-DD")
			return
		}
		filter.FromDate = &t
	}
	if query.ToDate != "" {
		t, err := time.Parse("2006-01-02", query.ToDate)
		if err != nil {
			abort(c, http.StatusBadRequest, "validation_error", "to_date must be YYYY-MM-DD")
			return
		}
		endOfDay := t.Add(24*time.Hour - time.Nanosecond)
		filter.ToDate = &endOfDay
	}

	jobs, err := history.List(c.Request.Context(), filter)
	if err != nil {
		internalError(c, "failed to list jobs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  query.Limit,
		"offset": query.Offset,
		"count":  len(jobs),
	})
}

func (h *JobHandler) ListOperations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": h.dispatcher.Operations()})
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, QueueResponse{
		QueueSnapshot: h.queue.Snapshot(),
		Pending:       h.queue.Pending(),
	})
}

func (h *JobHandler) ClearQueue(c *gin.Context) {
	n := h.queue.Clear()
	audit(c, h.logger, "queue.clear", "queue", "", gin.H{"removed": n})
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *JobHandler) GetStats(c *gin.Context) {
	summary, err := h.reporter.Summary(c.Request.Context())
	if err != nil {
		// Live figures are still valid without history totals.
		c.Error(err)
		h.logger.Warn("history totals unavailable", slog.String("error", err.Error()))
	}
	c.JSON(http.StatusOK, summary)
}

func (h *JobHandler) PauseQueue(c *gin.Context) {
	h.queue.Pause()
	audit(c, h.logger, "queue.pause", "queue", "", nil)
	c.JSON(http.StatusOK, h.queue.Snapshot())
}

func (h *JobHandler) ResumeQueue(c *gin.Context) {
	h.queue.Resume()
	audit(c, h.logger, "queue.resume", "queue", "", nil)
	c.JSON(http.StatusOK, h.queue.Snapshot())
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup, submit ...gin.HandlerFunc) {
	r.POST("/jobs", append(submit, h.CreateJob)...)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.DELETE("/jobs/:id", h.RemoveJob)
	r.GET("/operations", h.ListOperations)

	r.GET("/queue", h.GetQueue)
	r.DELETE("/queue", h.ClearQueue)
	r.GET("/queue/stats", h.GetStats)
	r.POST("/queue/pause", h.PauseQueue)
	r.POST("/queue/resume", h.ResumeQueue)
}
