package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/scheduler"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ScheduleHandler struct {
	sched *scheduler.Scheduler
	jobs  *service.JobService
	tz    string // 请求未指定 timezone 时的默认时区
}

func NewScheduleHandler(sched *scheduler.Scheduler, jobs *service.JobService, defaultTZ string) *ScheduleHandler {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &ScheduleHandler{sched: sched, jobs: jobs, tz: defaultTZ}
}

type CreateScheduleRequest struct {
	Name     string          `json:"name" binding:"required"`
	JobType  string          `json:"job_type" binding:"required"`
	CronExpr string          `json:"cron_expression" binding:"required"`
	Timezone string          `json:"timezone"`
	Payload  json.RawMessage `json:"payload"`
	Enabled  *bool           `json:"enabled"`
	MaxRuns  *int            `json:"max_runs"`
	Tags     []string        `json:"tags"`
}

// POST /api/v1/schedules
func (h *ScheduleHandler) Create(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if req.Timezone == "" {
		req.Timezone = h.tz
	}
	sch, err := h.sched.Create(c.Request.Context(), scheduler.CreateParams{
		Name:     req.Name,
		JobType:  req.JobType,
		CronExpr: req.CronExpr,
		Timezone: req.Timezone,
		Payload:  req.Payload,
		Enabled:  enabled,
		MaxRuns:  req.MaxRuns,
		Tags:     req.Tags,
	})
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sch)
}

type UpdateScheduleRequest struct {
	Name     *string         `json:"name"`
	JobType  *string         `json:"job_type"`
	CronExpr *string         `json:"cron_expression"`
	Timezone *string         `json:"timezone"`
	Payload  json.RawMessage `json:"payload"`
	Enabled  *bool           `json:"enabled"`
	MaxRuns  *int            `json:"max_runs"`
	Tags     []string        `json:"tags"`
}

// PUT /api/v1/schedules/:id
func (h *ScheduleHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	var req UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	sch, err := h.sched.Update(c.Request.Context(), id, scheduler.UpdateParams{
		Name:     req.Name,
		JobType:  req.JobType,
		CronExpr: req.CronExpr,
		Timezone: req.Timezone,
		Payload:  req.Payload,
		Enabled:  req.Enabled,
		MaxRuns:  req.MaxRuns,
		Tags:     req.Tags,
	})
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

// DELETE /api/v1/schedules/:id
func (h *ScheduleHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	if err := h.sched.Delete(c.Request.Context(), id); err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}

// GET /api/v1/schedules/:id
func (h *ScheduleHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	sch, err := h.sched.Get(c.Request.Context(), id)
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

// GET /api/v1/schedules?enabled=
func (h *ScheduleHandler) List(c *gin.Context) {
	var enabled *bool
	if v := c.Query("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid enabled filter"})
			return
		}
		enabled = &b
	}
	list, err := h.sched.List(c.Request.Context(), enabled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []domain.Schedule{}
	}
	c.JSON(http.StatusOK, gin.H{"schedules": list, "total": len(list)})
}

// POST /api/v1/schedules/:id/trigger
// 手动触发一次，不影响 cron 节奏，但计入 max_runs
func (h *ScheduleHandler) Trigger(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	j, err := h.sched.Trigger(c.Request.Context(), id)
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

type ToggleScheduleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// PATCH /api/v1/schedules/:id/toggle
func (h *ScheduleHandler) Toggle(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	var req ToggleScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	if err := h.sched.Toggle(c.Request.Context(), id, *req.Enabled); err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}

// GET /api/v1/schedules/:id/history
// 列出由该 schedule 产生的任务
func (h *ScheduleHandler) History(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	if _, err := h.sched.Get(c.Request.Context(), id); err != nil {
		writeScheduleError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	jobs, total, err := h.jobs.List(c.Request.Context(), store.ListFilter{
		ScheduleID: &id,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": total})
}

type ValidateCronRequest struct {
	Expression string `json:"expression" binding:"required"`
	Timezone   string `json:"timezone"`
	Count      int    `json:"count"`
}

// POST /api/v1/validate-cron
// 纯校验，不产生任何持久化副作用
func (h *ScheduleHandler) ValidateCron(c *gin.Context) {
	var req ValidateCronRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	if req.Timezone == "" {
		req.Timezone = h.tz
	}
	runs, err := scheduler.ValidateCron(req.Expression, req.Timezone, req.Count)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	next := make([]string, 0, len(runs))
	for _, t := range runs {
		next = append(next, t.Format(time.RFC3339))
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "next_runs": next})
}

func writeScheduleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidCronExpression), errors.Is(err, domain.ErrUnknownJobType), errors.Is(err, domain.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "detail": err.Error()})
	case errors.Is(err, domain.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
