package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/event"
	"JobOrchestrator/internal/idempotency"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultTenant = "default"

type JobHandler struct {
	svc   *service.JobService
	cache idempotency.Cache
	bus   *event.Bus
	log   *zap.SugaredLogger
	ttl   time.Duration
}

func NewJobHandler(svc *service.JobService, cache idempotency.Cache, bus *event.Bus, log *zap.SugaredLogger, ttl time.Duration) *JobHandler {
	return &JobHandler{svc: svc, cache: cache, bus: bus, log: log, ttl: ttl}
}

func tenantOf(c *gin.Context) string {
	if t := c.GetHeader("X-Tenant-ID"); t != "" {
		return t
	}
	return defaultTenant
}

// 请求体：提交任务
type SubmitJobRequest struct {
	Type         string          `json:"type" binding:"required"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	Priority     int             `json:"priority" binding:"omitempty,min=1,max=20"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
	MaxRetries   int             `json:"max_retries"`
}

type SubmitJobResponse struct {
	ID           uuid.UUID `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Priority     int       `json:"priority"`
	ScheduledFor time.Time `json:"scheduled_for"`
	CreatedAt    time.Time `json:"created_at"`
}

// POST /api/v1/jobs
func (h *JobHandler) Submit(c *gin.Context) {
	tenant := tenantOf(c)
	idemKey := c.GetHeader("Idempotency-Key")

	// 幂等检查：命中则原样重放首次响应，不再执行任何副作用
	// 缓存后端故障时降级放行（fail open）
	if idemKey != "" {
		rec, err := h.cache.Check(c.Request.Context(), tenant, idemKey)
		if err != nil {
			h.log.Warnw("idempotency check degraded", "tenant", tenant, "err", err)
			h.bus.Publish(event.Event{Kind: event.CacheDegraded, TenantID: tenant, Detail: err.Error()})
		} else if rec != nil {
			h.bus.Publish(event.Event{Kind: event.IdempotencyHit, TenantID: tenant})
			c.Data(rec.StatusCode, "application/json; charset=utf-8", rec.Body)
			return
		} else {
			h.bus.Publish(event.Event{Kind: event.IdempotencyMiss, TenantID: tenant})
		}
	}

	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}

	j, err := h.svc.Submit(c.Request.Context(), service.SubmitParams{
		TenantID:     tenant,
		Type:         req.Type,
		Payload:      req.Payload,
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
		MaxRetries:   req.MaxRetries,
	})
	if err != nil {
		writeJobError(c, err)
		return
	}

	// 自行序列化，保证缓存的字节与响应的字节一致
	body, _ := json.Marshal(SubmitJobResponse{
		ID:           j.ID,
		Type:         j.Type,
		Status:       string(j.Status),
		Priority:     j.Priority,
		ScheduledFor: j.ScheduledFor,
		CreatedAt:    j.CreatedAt,
	})
	if idemKey != "" {
		if err := h.cache.Record(c.Request.Context(), tenant, idemKey, http.StatusCreated, body, h.ttl); err != nil {
			h.log.Warnw("idempotency record degraded", "tenant", tenant, "err", err)
			h.bus.Publish(event.Event{Kind: event.CacheDegraded, TenantID: tenant, Detail: err.Error()})
		}
	}
	c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}

// GET /api/v1/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	j, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

// GET /api/v1/jobs?status=&type=&tenant=&from=&to=&limit=&offset=
func (h *JobHandler) List(c *gin.Context) {
	f := store.ListFilter{
		TenantID: c.Query("tenant"),
	}
	for _, s := range c.QueryArray("status") {
		f.Statuses = append(f.Statuses, domain.JobStatus(s))
	}
	f.Types = append(f.Types, c.QueryArray("type")...)
	if v := c.Query("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		f.From = &ts
	}
	if v := c.Query("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		f.To = &ts
	}
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, total, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": total})
}

// POST /api/v1/jobs/:id/cancel
func (h *JobHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	ok, err := h.svc.Cancel(c.Request.Context(), id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "cancelled": ok})
}

// POST /api/v1/jobs/:id/retry
// 对终态失败任务生成一条新任务，原记录保持不变
func (h *JobHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	j, err := h.svc.Retry(c.Request.Context(), id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func writeJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownJobType), errors.Is(err, domain.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "detail": err.Error()})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrNotRetryable), errors.Is(err, domain.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
