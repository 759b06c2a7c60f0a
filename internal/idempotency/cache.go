// Package idempotency 按 (tenant, key) 去重变更请求
// 缓存是尽力而为的安全网：后端不可用时调用方按未命中继续执行（fail open），
// 正确性不依赖它
package idempotency

import (
	"context"
	"time"

	"JobOrchestrator/internal/domain"
)

// Cache 幂等缓存接口
// 实现有三个：Redis（生产）、Memory（测试/嵌入式）、Noop（显式关闭）
// 用哪一个在构造时决定，调用点不做可用性分支
type Cache interface {
	// Check 查询缓存的响应，未命中返回 (nil, nil)
	Check(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error)

	// Record 记录首次请求的结果，TTL 内同 key 的请求将原样返回该结果
	Record(ctx context.Context, tenantID, key string, statusCode int, body []byte, ttl time.Duration) error

	// GC 清理过期记录，可与 Check/Record 并发执行
	GC(ctx context.Context) (int, error)
}

func compositeKey(tenantID, key string) string {
	return "idem:" + tenantID + ":" + key
}

// Noop 关闭幂等保护时使用的空实现
type Noop struct{}

func (Noop) Check(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	return nil, nil
}

func (Noop) Record(ctx context.Context, tenantID, key string, statusCode int, body []byte, ttl time.Duration) error {
	return nil
}

func (Noop) GC(ctx context.Context) (int, error) { return 0, nil }
