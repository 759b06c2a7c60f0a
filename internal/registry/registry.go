// Package registry 维护任务类型注册表：类型名 -> {负载校验, 执行处理器}
// 提交时做负载校验，执行时按类型查找处理器
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"JobOrchestrator/internal/domain"
)

// Handler 执行一个任务，返回结果（JSON）或错误
type Handler func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

// ValidateFunc 校验任务负载，非法时返回错误
type ValidateFunc func(payload json.RawMessage) error

type Definition struct {
	Name     string
	Validate ValidateFunc
	Handler  Handler
	Timeout  time.Duration // 单任务执行超时，0 表示使用全局默认
}

type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func New() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	return out
}

// ValidatePayload 按类型校验负载
// 未注册的类型返回 ErrUnknownJobType，校验失败返回 ErrInvalidPayload
func (r *Registry) ValidatePayload(name string, payload json.RawMessage) error {
	def, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownJobType, name)
	}
	if def.Validate == nil {
		return nil
	}
	if err := def.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

// RequireFields 构造一个校验器：负载必须是 JSON 对象且包含指定字段
func RequireFields(fields ...string) ValidateFunc {
	return func(payload json.RawMessage) error {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return fmt.Errorf("payload is not a JSON object: %v", err)
		}
		for _, f := range fields {
			if _, ok := obj[f]; !ok {
				return fmt.Errorf("missing required field %q", f)
			}
		}
		return nil
	}
}
