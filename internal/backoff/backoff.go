// Package backoff 计算失败任务的重试延迟
// 策略：base * 2^attempt 叠加 ±20% 的随机抖动后封顶，避免重试风暴
package backoff

import (
	"math/rand"
	"time"
)

const jitterRatio = 0.2

type Policy struct {
	Base time.Duration // 首次重试的基准延迟
	Cap  time.Duration // 延迟上限（含抖动）
}

func New(base, cap time.Duration) Policy {
	if base <= 0 {
		base = 5 * time.Second
	}
	if cap <= 0 {
		cap = 10 * time.Minute
	}
	return Policy{Base: base, Cap: cap}
}

// Delay 根据已执行次数计算下次重试延迟
// attempts 为已经失败的次数（第一次失败后传 1）
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	// ±20% 均匀抖动，抖动后仍不超过上限
	jitter := (rand.Float64()*2 - 1) * jitterRatio * float64(d)
	out := d + time.Duration(jitter)
	if out > p.Cap {
		out = p.Cap
	}
	return out
}

// DelayWithoutJitter 返回不含抖动的延迟，便于测试单调性与上限
func (p Policy) DelayWithoutJitter(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}
