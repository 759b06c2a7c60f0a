// 单进程入口：api、worker、scheduler 跑在同一个进程里
// 适合本地开发与小规模部署；生产拆分时用 cmd/ 下的独立入口
package main

import (
	"context"
	"log"
	"time"

	"JobOrchestrator/internal/backoff"
	"JobOrchestrator/internal/config"
	"JobOrchestrator/internal/db"
	"JobOrchestrator/internal/event"
	"JobOrchestrator/internal/http/handler"
	"JobOrchestrator/internal/idempotency"
	"JobOrchestrator/internal/jobs"
	"JobOrchestrator/internal/queue"
	"JobOrchestrator/internal/registry"
	"JobOrchestrator/internal/scheduler"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"
	"JobOrchestrator/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
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
	jobSvc := service.NewJobService(st, reg, rdb, logger)
	sched := scheduler.New(st, jobSvc, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go event.NewRedisSink(rdb, logger).Run(ctx, bus)

	// 后台执行器与租约回收
	workerID := "worker-" + uuid.NewString()
	p := worker.NewPool(st, reg, rdb, logger, worker.PoolOptions{
		WorkerID:   workerID,
		Size:       cfg.WorkerConcurrency,
		Lease:      cfg.LeaseTimeout,
		JobTimeout: cfg.JobTimeout,
	})
	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Errorw("worker pool exited", "err", err)
		}
	}()
	go worker.RunStalledSweeper(ctx, st, rdb, workerID, cfg.SweepInterval, logger)
	go worker.RunHeartbeat(ctx, rdb, workerID, 3*cfg.SweepInterval, cfg.SweepInterval)

	// 计时器重建（含宕机期间错过的单次补触发）
	if err := sched.Start(ctx); err != nil {
		logger.Fatalw("scheduler start failed", "err", err)
	}
	defer sched.Stop()

	cache := idempotency.NewRedis(rdb)
	go idempotency.RunGC(ctx, cache, cfg.IdempotencyGC, logger)

	engine := gin.Default()
	handler.Register(engine,
		handler.NewJobHandler(jobSvc, cache, bus, logger, cfg.IdempotencyTTL),
		handler.NewScheduleHandler(sched, jobSvc, cfg.Timezone),
		handler.NewHealthHandler(pool, rdb),
		handler.NewStatsHandler(jobSvc, sched, rdb),
	)

	logger.Infow("starting all-in-one server", "port", cfg.HTTPPort, "worker_id", workerID)
	if err := engine.Run(":" + cfg.HTTPPort); err != nil {
		logger.Fatalw("server exited", "err", err)
	}
}
