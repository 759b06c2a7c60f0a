package event

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func counterKey(k Kind) string {
	return "metrics:events:" + string(k)
}

// RedisSink 消费事件总线，把各类事件累加到 Redis 计数器
// 计数器由 stats 接口读取展示
type RedisSink struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewRedisSink(rdb *redis.Client, log *zap.SugaredLogger) *RedisSink {
	return &RedisSink{rdb: rdb, log: log}
}

// Run 阻塞消费事件，直到 ctx 取消或总线关闭
func (s *RedisSink) Run(ctx context.Context, bus *Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-bus.Events():
			if !ok {
				return
			}
			if err := s.rdb.Incr(ctx, counterKey(e.Kind)).Err(); err != nil {
				s.log.Warnw("event counter incr failed", "kind", e.Kind, "err", err)
			}
		}
	}
}

// Counters 读取所有事件计数器
func Counters(ctx context.Context, rdb *redis.Client) (map[string]int64, error) {
	kinds := []Kind{
		JobCompleted, JobFailed, JobRetrying, JobStalled, JobCancelled,
		ScheduleFired, IdempotencyHit, IdempotencyMiss, CacheDegraded,
	}
	out := make(map[string]int64, len(kinds))
	for _, k := range kinds {
		n, err := rdb.Get(ctx, counterKey(k)).Int64()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		out[string(k)] = n
	}
	return out, nil
}
