package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type AppConfig struct {
	HTTPPort          string        `env:"HTTP_PORT" envDefault:"8080"`
	PostgresDSN       string        `env:"DATABASE_URL" envDefault:"host=localhost port=5432 user=jobcore dbname=jobcore sslmode=disable"`
	RedisURL          string        `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"60s"`
	LeaseTimeout      time.Duration `env:"JOB_LEASE_TIMEOUT" envDefault:"30s"`
	SweepInterval     time.Duration `env:"STALLED_SWEEP_INTERVAL" envDefault:"10s"`
	BackoffBase       time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"5s"`
	BackoffCap        time.Duration `env:"RETRY_BACKOFF_CAP" envDefault:"10m"`
	IdempotencyTTL    time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"48h"`
	IdempotencyGC     time.Duration `env:"IDEMPOTENCY_GC_INTERVAL" envDefault:"10m"`
	Timezone          string        `env:"SCHEDULER_TIMEZONE" envDefault:"UTC"`

	// api 进程是否内嵌计时器；与独立 scheduler 进程同时跑时置 false
	SchedulerEmbedded bool          `env:"SCHEDULER_EMBEDDED" envDefault:"true"`
	SchedulerReload   time.Duration `env:"SCHEDULER_RELOAD_INTERVAL" envDefault:"30s"`
}

// Load 从环境变量加载配置，未设置的项使用默认值
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, err
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	return cfg, nil
}
