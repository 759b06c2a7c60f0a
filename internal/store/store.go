// Package store 是任务的唯一持久层入口
// 所有任务行的写入（claim/complete/fail/cancel/requeue）都经由这里，
// 重试状态（attempts、scheduled_for）只在 Fail/RequeueStalled 内部重算
package store

import (
	"context"
	"time"

	"JobOrchestrator/internal/domain"

	"github.com/google/uuid"
)

// ListFilter 任务列表查询条件
type ListFilter struct {
	Statuses   []domain.JobStatus
	Types      []string
	TenantID   string
	ScheduleID *uuid.UUID
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// JobStore 任务存储接口
// Postgres 实现用于生产，内存实现用于测试与嵌入式部署
type JobStore interface {
	// Insert 持久化一条新任务（状态必须已是 pending）
	Insert(ctx context.Context, job *domain.Job) error

	// Claim 原子地认领一条可调度任务（scheduled_for <= now）并置为 processing
	// 同一任务绝不会被两个调用方同时认领；无可认领任务时返回 (nil, nil)
	// 选取顺序：priority 降序 -> scheduled_for 升序 -> created_at 升序
	Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Job, error)

	// Complete 置为 completed 并记录结果，仅当任务仍由该 worker 持有时生效
	// 任务已处于终态时返回 domain.ErrAlreadyTerminal；
	// 持有权已丢失（被回收或被他人重新认领）时返回 domain.ErrClaimLost
	Complete(ctx context.Context, id uuid.UUID, workerID string, result []byte) error

	// Fail 记一次失败：attempts+1，仅当任务仍由该 worker 持有时生效
	// 未达 max_retries 时按退避策略重新排期（retrying），否则置为 failed
	// 持有权已丢失时返回 domain.ErrClaimLost，attempts 不变
	Fail(ctx context.Context, id uuid.UUID, workerID, reason string) (*domain.Job, error)

	// ExtendLease 为仍由该 worker 持有的在途任务续租
	// 持有权已丢失时返回 domain.ErrClaimLost
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error

	// Cancel 取消任务，仅在非终态时生效；已终态返回 false 且不报错
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)

	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// List 返回符合条件的任务与总数
	List(ctx context.Context, f ListFilter) ([]domain.Job, int, error)

	// RequeueStalled 回收租约过期的任务（claimed 但宕机的 worker 留下的）
	// 按可恢复失败处理：消耗一次 attempt，重新排期或置为 failed
	// 返回被回收的任务数
	RequeueStalled(ctx context.Context, now time.Time) (int, error)
}

// ScheduleStore 调度规则存储接口，Scheduler 是唯一调用方
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, enabled *bool) ([]domain.Schedule, error)
	// MarkFired 记一次触发：current_runs+1，更新 last_run_at/next_run_at
	MarkFired(ctx context.Context, id uuid.UUID, firedAt time.Time, next *time.Time) error
	SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// claimEligible claim 可见的状态集合
// retrying 的任务到期后直接被认领，无需先翻回 pending
var claimEligible = map[domain.JobStatus]bool{
	domain.StatusPending:  true,
	domain.StatusRetrying: true,
}
