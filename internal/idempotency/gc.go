package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunGC 周期清理过期的幂等记录，阻塞到 ctx 取消
// Redis 实现靠原生 TTL 过期，GC 是空操作；内存实现靠这里回收
func RunGC(ctx context.Context, c Cache, interval time.Duration, log *zap.SugaredLogger) {
	tkr := time.NewTicker(interval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			n, err := c.GC(ctx)
			if err != nil {
				log.Warnw("idempotency gc failed", "err", err)
			} else if n > 0 {
				log.Infow("idempotency records expired", "count", n)
			}
		}
	}
}
