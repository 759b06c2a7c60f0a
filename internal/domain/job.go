package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus 任务状态机：
// pending -> processing -> completed/failed
// processing -> retrying -> pending （可恢复失败）
// pending/processing -> cancelled （显式取消）
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusRetrying   JobStatus = "retrying"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal 判断状态是否为终态（终态后不允许任何变更）
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrUnknownJobType        = errors.New("unknown job type")
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrJobNotFound           = errors.New("job not found")
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrAlreadyTerminal       = errors.New("job already terminal")
	ErrNotRetryable          = errors.New("job is not in failed state")
	ErrClaimLost             = errors.New("job claim lost")
)

type Job struct {
	ID             uuid.UUID       `json:"id"`               // 唯一标识符ID
	TenantID       string          `json:"tenant_id"`        // 租户ID
	Type           string          `json:"type"`             // 任务类型，注册表中的键
	Payload        json.RawMessage `json:"payload"`          // 任务负载，按类型校验
	Priority       int             `json:"priority"`         // 优先级，越大越优先
	Status         JobStatus       `json:"status"`           // 任务状态
	Attempts       int             `json:"attempts"`         // 已执行次数
	MaxRetries     int             `json:"max_retries"`      // 最大尝试次数
	ScheduledFor   time.Time       `json:"scheduled_for"`    // 最早可调度时间
	LeaseExpiresAt *time.Time      `json:"lease_expires_at"` // 租约过期时间（processing 期间有效）
	ClaimedBy      string          `json:"claimed_by"`       // 当前持有的 worker
	RetryOf        *uuid.UUID      `json:"retry_of"`         // 手动重试来源任务
	ScheduleID     *uuid.UUID      `json:"schedule_id"`      // 来源 schedule（定时任务）
	Result         json.RawMessage `json:"result"`           // 执行结果
	Error          string          `json:"error"`            // 失败原因
	CreatedAt      time.Time       `json:"created_at"`       // 创建时间
	UpdatedAt      time.Time       `json:"updated_at"`       // 更新时间
	CompletedAt    *time.Time      `json:"completed_at"`     // 完成时间
	FailedAt       *time.Time      `json:"failed_at"`        // 失败时间
}
