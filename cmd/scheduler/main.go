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
	"JobOrchestrator/internal/scheduler"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"

	"go.uber.org/zap"
)

// 独立 scheduler 进程：持有全部计时器
// 与其并存的 api 进程应设置 SCHEDULER_EMBEDDED=false
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go event.NewRedisSink(rdb, logger).Run(ctx, bus)

	if err := sched.Start(ctx); err != nil {
		logger.Fatalw("scheduler start failed", "err", err)
	}
	defer sched.Stop()

	logger.Infow("scheduler started", "reload_interval", cfg.SchedulerReload)

	// 周期性重建计时器，接上其它进程新建或改动的 schedule
	tkr := time.NewTicker(cfg.SchedulerReload)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infow("scheduler stopped")
			return
		case <-tkr.C:
			if err := sched.Start(ctx); err != nil {
				logger.Warnw("scheduler reload failed", "err", err)
			}
		}
	}
}
