package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryCheckRecord(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	// 首次未命中
	rec, err := c.Check(ctx, "tenant-a", "req-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, c.Record(ctx, "tenant-a", "req-1", 201, []byte(`{"id":"abc"}`), time.Hour))

	// 命中，响应逐字节一致
	rec, err = c.Check(ctx, "tenant-a", "req-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.StatusCode)
	assert.Equal(t, []byte(`{"id":"abc"}`), rec.Body)

	// 已写入的记录不可覆盖
	require.NoError(t, c.Record(ctx, "tenant-a", "req-1", 500, []byte(`oops`), time.Hour))
	rec, err = c.Check(ctx, "tenant-a", "req-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.StatusCode)

	// key 按租户隔离
	rec, err = c.Check(ctx, "tenant-b", "req-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryExpiryAndGC(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "t", "short", 200, []byte(`x`), time.Millisecond))
	require.NoError(t, c.Record(ctx, "t", "long", 200, []byte(`y`), time.Hour))

	time.Sleep(5 * time.Millisecond)

	// 过期即未命中，无需等 GC
	rec, err := c.Check(ctx, "t", "short")
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err := c.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err = c.Check(ctx, "t", "long")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

// 后台清理循环会把过期记录从内存里移走，并在 ctx 取消后退出
func TestRunGCEvictsExpired(t *testing.T) {
	c := NewMemory()
	require.NoError(t, c.Record(context.Background(), "t", "short", 200, []byte(`x`), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunGC(ctx, c, 5*time.Millisecond, zap.NewNop().Sugar())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.records) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gc loop did not stop after cancel")
	}
}

func TestNoopAlwaysMisses(t *testing.T) {
	var c Cache = Noop{}
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "t", "k", 200, []byte(`b`), time.Hour))
	rec, err := c.Check(ctx, "t", "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
