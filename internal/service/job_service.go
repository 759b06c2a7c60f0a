package service

import (
	"context"
	"encoding/json"
	"time"

	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/queue"
	"JobOrchestrator/internal/registry"
	"JobOrchestrator/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultPriority   = 10 // 1..20 的中间值
	DefaultMaxRetries = 3
	MinPriority       = 1
	MaxPriority       = 20
)

// JobService 任务提交与查询的统一入口
// 定时触发与外部提交走同一条路径，入队后两者不可区分
type JobService struct {
	store store.JobStore
	reg   *registry.Registry
	rdb   *redis.Client // 可为 nil（无唤醒提示，worker 退化为轮询）
	log   *zap.SugaredLogger
}

func NewJobService(st store.JobStore, reg *registry.Registry, rdb *redis.Client, log *zap.SugaredLogger) *JobService {
	return &JobService{store: st, reg: reg, rdb: rdb, log: log}
}

type SubmitParams struct {
	TenantID     string
	Type         string
	Payload      json.RawMessage
	Priority     int        // 0 表示使用默认值
	ScheduledFor *time.Time // nil 表示立即可调度
	MaxRetries   int        // 0 表示使用默认值
	RetryOf      *uuid.UUID
	ScheduleID   *uuid.UUID
}

// Submit 校验负载后持久化一条 pending 任务
// 校验失败的任务不会落库
func (s *JobService) Submit(ctx context.Context, p SubmitParams) (*domain.Job, error) {
	if err := s.reg.ValidatePayload(p.Type, p.Payload); err != nil {
		return nil, err
	}

	now := time.Now()
	scheduledFor := now
	if p.ScheduledFor != nil && p.ScheduledFor.After(now) {
		scheduledFor = *p.ScheduledFor
	}
	priority := p.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	j := &domain.Job{
		ID:           uuid.New(),
		TenantID:     p.TenantID,
		Type:         p.Type,
		Payload:      p.Payload,
		Priority:     priority,
		Status:       domain.StatusPending,
		MaxRetries:   maxRetries,
		ScheduledFor: scheduledFor,
		RetryOf:      p.RetryOf,
		ScheduleID:   p.ScheduleID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, err
	}

	// 唤醒提示失败不影响提交结果，worker 会轮询兜底
	if s.rdb != nil {
		if err := queue.NotifySubmitted(ctx, s.rdb, j.ID.String()); err != nil {
			s.log.Warnw("wake notify failed", "job_id", j.ID, "err", err)
		}
	}
	return j, nil
}

func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *JobService) List(ctx context.Context, f store.ListFilter) ([]domain.Job, int, error) {
	return s.store.List(ctx, f)
}

func (s *JobService) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.store.Cancel(ctx, id)
}

// Retry 对终态失败的任务创建一条新任务（共享负载，retry_of 记录血缘）
// 终态记录本身保持不变
func (s *JobService) Retry(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	old, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.StatusFailed {
		return nil, domain.ErrNotRetryable
	}
	oldID := old.ID
	return s.Submit(ctx, SubmitParams{
		TenantID:   old.TenantID,
		Type:       old.Type,
		Payload:    old.Payload,
		Priority:   old.Priority,
		MaxRetries: old.MaxRetries,
		RetryOf:    &oldID,
		ScheduleID: old.ScheduleID,
	})
}
