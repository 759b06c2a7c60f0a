package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"JobOrchestrator/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Redis 生产实现，记录带 TTL 写入，过期由 Redis 自行淘汰
// GC 因此是空操作，保留它只为满足接口
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Check(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	raw, err := r.rdb.Get(ctx, compositeKey(tenantID, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// 记录损坏按未命中处理
		return nil, nil
	}
	return &rec, nil
}

func (r *Redis) Record(ctx context.Context, tenantID, key string, statusCode int, body []byte, ttl time.Duration) error {
	now := time.Now()
	rec := domain.IdempotencyRecord{
		TenantID:   tenantID,
		Key:        key,
		StatusCode: statusCode,
		Body:       body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// NX：已有记录不覆盖，保证首个响应不可变
	return r.rdb.SetNX(ctx, compositeKey(tenantID, key), raw, ttl).Err()
}

func (r *Redis) GC(ctx context.Context) (int, error) {
	return 0, nil
}
