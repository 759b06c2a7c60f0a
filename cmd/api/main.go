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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 初始化数据库连接
	pool, err := db.Init(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalw("postgres init failed", "err", err)
	}
	defer pool.Close()

	// 确保最小表结构存在
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Fatalw("ensure schema failed", "err", err)
	}

	// 初始化 Redis
	rdb, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatalw("redis init failed", "err", err)
	}
	defer rdb.Close()

	// 事件总线 -> Redis 计数器
	bus := event.NewBus(256)
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	go event.NewRedisSink(rdb, logger).Run(sinkCtx, bus)

	// 组装服务与路由
	reg := registry.New()
	jobs.RegisterBuiltin(reg, logger)

	st := store.NewPostgres(pool, backoff.New(cfg.BackoffBase, cfg.BackoffCap), bus)
	jobSvc := service.NewJobService(st, reg, rdb, logger)

	// 单进程部署时 api 内嵌计时器；与独立 scheduler 进程并存时走 passive
	var sched *scheduler.Scheduler
	if cfg.SchedulerEmbedded {
		sched = scheduler.New(st, jobSvc, bus, logger)
		if err := sched.Start(context.Background()); err != nil {
			logger.Fatalw("scheduler start failed", "err", err)
		}
		defer sched.Stop()
	} else {
		sched = scheduler.NewPassive(st, jobSvc, bus, logger)
	}

	cache := idempotency.NewRedis(rdb)
	go idempotency.RunGC(sinkCtx, cache, cfg.IdempotencyGC, logger)

	engine := gin.Default()
	handler.Register(engine,
		handler.NewJobHandler(jobSvc, cache, bus, logger, cfg.IdempotencyTTL),
		handler.NewScheduleHandler(sched, jobSvc, cfg.Timezone),
		handler.NewHealthHandler(pool, rdb),
		handler.NewStatsHandler(jobSvc, sched, rdb),
	)

	logger.Infow("starting api server", "port", cfg.HTTPPort)
	if err := engine.Run(":" + cfg.HTTPPort); err != nil {
		logger.Fatalw("api server exited", "err", err)
	}
}
