package worker

import (
	"context"
	"time"

	"JobOrchestrator/internal/queue"
	"JobOrchestrator/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sweepLockName = "stalled_sweep"

// RunStalledSweeper 周期回收租约过期的任务
// 分布式锁保证同一时刻只有一个 worker 在扫描
func RunStalledSweeper(ctx context.Context, st store.JobStore, rdb *redis.Client, workerID string, interval time.Duration, log *zap.SugaredLogger) {
	tkr := time.NewTicker(interval)
	defer tkr.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			if rdb != nil {
				got, err := queue.AcquireLock(ctx, rdb, sweepLockName, workerID, interval)
				if err != nil || !got {
					continue
				}
			}
			n, err := st.RequeueStalled(ctx, time.Now())
			if err != nil {
				log.Errorw("stalled sweep failed", "err", err)
			} else if n > 0 {
				log.Infow("stalled jobs requeued", "count", n)
			}
			if rdb != nil {
				_, _ = queue.ReleaseLock(ctx, rdb, sweepLockName, workerID)
			}
		}
	}
}

// RunHeartbeat 周期刷新 worker 心跳键（TTL=ttl，刷新间隔=interval）
func RunHeartbeat(ctx context.Context, rdb *redis.Client, workerID string, ttl, interval time.Duration) {
	tkr := time.NewTicker(interval)
	defer tkr.Stop()
	_ = queue.Heartbeat(ctx, rdb, workerID, ttl)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			_ = queue.Heartbeat(ctx, rdb, workerID, ttl)
		}
	}
}
