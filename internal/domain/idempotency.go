package domain

import "time"

// IdempotencyRecord 记录一次已处理的变更请求结果
// 同一 (tenant, key) 在 TTL 内的重复请求直接返回缓存的响应，不再执行副作用
type IdempotencyRecord struct {
	TenantID   string    `json:"tenant_id"`
	Key        string    `json:"key"`
	StatusCode int       `json:"status_code"` // 首次请求的 HTTP 状态码
	Body       []byte    `json:"body"`        // 首次请求的响应体，原样返回
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
