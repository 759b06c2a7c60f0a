package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Schedule struct {
	ID          uuid.UUID       `json:"id"`              // 调度规则的唯一标识
	Name        string          `json:"name"`            // 规则名称
	JobType     string          `json:"job_type"`        // 触发时提交的任务类型
	CronExpr    string          `json:"cron_expression"` // cron 表达式（五段式）
	Timezone    string          `json:"timezone"`        // 时区
	Payload     json.RawMessage `json:"payload"`         // 任务负载模板
	Enabled     bool            `json:"enabled"`         // 是否启用
	MaxRuns     *int            `json:"max_runs"`        // 最大触发次数（nil 表示不限）
	CurrentRuns int             `json:"current_runs"`    // 已触发次数
	NextRunAt   *time.Time      `json:"next_run_at"`     // 下次触发时间
	LastRunAt   *time.Time      `json:"last_run_at"`     // 上次触发时间
	Tags        []string        `json:"tags"`            // 标签
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Exhausted 判断是否已达到最大触发次数
func (s *Schedule) Exhausted() bool {
	return s.MaxRuns != nil && s.CurrentRuns >= *s.MaxRuns
}
