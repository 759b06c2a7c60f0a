package handler

import (
	"net/http"
	"time"

	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/event"
	"JobOrchestrator/internal/scheduler"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type StatsHandler struct {
	jobs  *service.JobService
	sched *scheduler.Scheduler
	rdb   *redis.Client
}

func NewStatsHandler(jobs *service.JobService, sched *scheduler.Scheduler, rdb *redis.Client) *StatsHandler {
	return &StatsHandler{jobs: jobs, sched: sched, rdb: rdb}
}

// GET /api/v1/stats
// 汇总各状态任务数、事件计数器与在运行的调度器计时器数
func (h *StatsHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	statuses := []domain.JobStatus{
		domain.StatusPending, domain.StatusProcessing, domain.StatusRetrying,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	}
	byStatus := make(map[string]int, len(statuses))
	for _, st := range statuses {
		_, total, err := h.jobs.List(ctx, store.ListFilter{Statuses: []domain.JobStatus{st}, Limit: 1})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		byStatus[string(st)] = total
	}

	out := gin.H{
		"jobs_by_status": byStatus,
		"timestamp":      time.Now().UTC(),
	}
	if h.sched != nil {
		out["active_timers"] = h.sched.ActiveTimers()
	}
	if h.rdb != nil {
		if counters, err := event.Counters(ctx, h.rdb); err == nil {
			out["events"] = counters
		}
	}
	c.JSON(http.StatusOK, out)
}
