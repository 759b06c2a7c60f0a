package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"JobOrchestrator/internal/backoff"
	"JobOrchestrator/internal/config"
	"JobOrchestrator/internal/db"
	"JobOrchestrator/internal/event"
	"JobOrchestrator/internal/jobs"
	"JobOrchestrator/internal/queue"
	"JobOrchestrator/internal/registry"
	"JobOrchestrator/internal/store"
	"JobOrchestrator/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer initCancel()

	// 初始化依赖
	pool, err := db.Init(initCtx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalw("postgres init failed", "err", err)
	}
	defer pool.Close()

	if err := db.EnsureSchema(initCtx, pool); err != nil {
		logger.Fatalw("ensure schema failed", "err", err)
	}

	rdb, err := queue.Connect(initCtx, cfg.RedisURL)
	if err != nil {
		logger.Fatalw("redis init failed", "err", err)
	}
	defer rdb.Close()

	bus := event.NewBus(256)

	reg := registry.New()
	jobs.RegisterBuiltin(reg, logger)

	st := store.NewPostgres(pool, backoff.New(cfg.BackoffBase, cfg.BackoffCap), bus)

	workerID := "worker-" + uuid.NewString()
	p := worker.NewPool(st, reg, rdb, logger, worker.PoolOptions{
		WorkerID:   workerID,
		Size:       cfg.WorkerConcurrency,
		Lease:      cfg.LeaseTimeout,
		JobTimeout: cfg.JobTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infow("worker started", "worker_id", workerID, "concurrency", cfg.WorkerConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		// 事件计数器
		event.NewRedisSink(rdb, logger).Run(gctx, bus)
		return nil
	})
	g.Go(func() error {
		// 回收宕机 worker 留下的过期租约（Redis 锁保证全局单跑）
		worker.RunStalledSweeper(gctx, st, rdb, workerID, cfg.SweepInterval, logger)
		return nil
	})
	g.Go(func() error {
		worker.RunHeartbeat(gctx, rdb, workerID, 3*cfg.SweepInterval, cfg.SweepInterval)
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatalw("worker exited", "err", err)
	}
	logger.Infow("worker stopped", "worker_id", workerID)
}
