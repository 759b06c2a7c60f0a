package idempotency

import (
	"context"
	"sync"
	"time"

	"JobOrchestrator/internal/domain"
)

// Memory 内存实现，GC 负责清理过期记录以控制内存
type Memory struct {
	mu      sync.RWMutex
	records map[string]domain.IdempotencyRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]domain.IdempotencyRecord)}
}

func (m *Memory) Check(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[compositeKey(tenantID, key)]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (m *Memory) Record(ctx context.Context, tenantID, key string, statusCode int, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := compositeKey(tenantID, key)
	if existing, ok := m.records[k]; ok && time.Now().Before(existing.ExpiresAt) {
		// 首个响应不可变
		return nil
	}
	now := time.Now()
	m.records[k] = domain.IdempotencyRecord{
		TenantID:   tenantID,
		Key:        key,
		StatusCode: statusCode,
		Body:       append([]byte(nil), body...),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	return nil
}

func (m *Memory) GC(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for k, rec := range m.records {
		if now.After(rec.ExpiresAt) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
