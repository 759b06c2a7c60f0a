package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayMonotonicAndCapped(t *testing.T) {
	p := New(5*time.Second, 10*time.Minute)

	prev := time.Duration(0)
	for attempts := 1; attempts <= 12; attempts++ {
		d := p.DelayWithoutJitter(attempts)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		assert.LessOrEqual(t, d, 10*time.Minute)
		prev = d
	}
	// 第1次失败 < 第5次失败
	assert.Less(t, p.DelayWithoutJitter(1), p.DelayWithoutJitter(5))
	// 足够多次后到达上限
	assert.Equal(t, 10*time.Minute, p.DelayWithoutJitter(12))
}

func TestDelayJitterBounds(t *testing.T) {
	p := New(5*time.Second, 10*time.Minute)

	for i := 0; i < 200; i++ {
		d := p.Delay(3)
		base := p.DelayWithoutJitter(3)
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
	}
}

// 抖动永远不把延迟顶出上限
func TestDelayJitterNeverExceedsCap(t *testing.T) {
	p := New(5*time.Second, 10*time.Minute)

	for i := 0; i < 200; i++ {
		require.LessOrEqual(t, p.Delay(20), p.Cap)
	}
}

func TestDelayDefaults(t *testing.T) {
	p := New(0, 0)
	assert.Equal(t, 5*time.Second, p.Base)
	assert.Equal(t, 10*time.Minute, p.Cap)
	// attempts<1 按 1 处理
	assert.Equal(t, p.DelayWithoutJitter(1), p.DelayWithoutJitter(0))
}
