// Package event 定义核心组件对外发布的类型化事件
// 核心只负责产生事件，指标的格式化与导出交给外部订阅者
package event

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	JobCompleted    Kind = "job_completed"
	JobFailed       Kind = "job_failed"
	JobRetrying     Kind = "job_retrying"
	JobStalled      Kind = "job_stalled"
	JobCancelled    Kind = "job_cancelled"
	ScheduleFired   Kind = "schedule_fired"
	IdempotencyHit  Kind = "idempotency_hit"
	IdempotencyMiss Kind = "idempotency_miss"
	CacheDegraded   Kind = "idempotency_degraded"
)

type Event struct {
	Kind       Kind      `json:"kind"`
	JobID      uuid.UUID `json:"job_id,omitempty"`
	ScheduleID uuid.UUID `json:"schedule_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	JobType    string    `json:"job_type,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Bus 是一个带缓冲的事件通道
// 发布方永不阻塞：缓冲满时丢弃事件（事件用于观测，不承担正确性）
type Bus struct {
	ch chan Event
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{ch: make(chan Event, buffer)}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		// 缓冲满，丢弃
	}
}

// Events 返回订阅通道，外部 sink 从这里消费
func (b *Bus) Events() <-chan Event {
	return b.ch
}

func (b *Bus) Close() {
	close(b.ch)
}
