// Package queue 提供 Redis 侧的协作原语
// 任务数据的事实来源是 Postgres，这里只承担三件事：
//  1. 唤醒列表：submit 后推入任务 id，worker 用 BLPOP 等待，避免空轮询数据库
//  2. 分布式锁：防止多个 worker 同时执行回收扫描
//  3. 心跳键：worker 存活观测
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// WakeKey 唤醒列表的 key
// 列表里的 id 只是提示，认领仍由数据库原子完成，重复或过期的提示是无害的
func WakeKey() string {
	return "jobs:wake"
}

func lockKey(name string) string {
	return "lock:" + name
}

func heartbeatKey(workerID string) string {
	return "worker:" + workerID + ":heartbeat"
}

// Connect 建立 Redis 连接并做一次 PING 验证
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// NotifySubmitted 把新任务 id 推入唤醒列表
func NotifySubmitted(ctx context.Context, rdb *redis.Client, jobID string) error {
	return rdb.RPush(ctx, WakeKey(), jobID).Err()
}

// WaitForWake 阻塞等待唤醒提示，最多等 timeout
// 超时返回空串不报错，调用方照常轮询一次数据库
func WaitForWake(ctx context.Context, rdb *redis.Client, timeout time.Duration) (string, error) {
	res, err := rdb.BLPop(ctx, timeout, WakeKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	if len(res) != 2 {
		return "", nil
	}
	return res[1], nil
}

// AcquireLock 尝试获取分布式锁（SETNX），返回是否成功
func AcquireLock(ctx context.Context, rdb *redis.Client, name, owner string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, lockKey(name), owner, ttl).Result()
}

// ReleaseLock 仅当持有者匹配时释放锁
func ReleaseLock(ctx context.Context, rdb *redis.Client, name, owner string) (bool, error) {
	script := `
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		else
			return 0
		end`

	cmd := rdb.Eval(ctx, script, []string{lockKey(name)}, owner)
	if err := cmd.Err(); err != nil {
		return false, err
	}
	n, _ := cmd.Int()
	return n == 1, nil
}

// Heartbeat 刷新 worker 心跳键
func Heartbeat(ctx context.Context, rdb *redis.Client, workerID string, ttl time.Duration) error {
	return rdb.Set(ctx, heartbeatKey(workerID), "1", ttl).Err()
}
