package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

func Init(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	//连接测试
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

// EnsureSchema 确保最小表结构存在
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id UUID PRIMARY KEY,
            tenant_id TEXT NOT NULL,
            type TEXT NOT NULL,
            payload JSONB NOT NULL,
            priority INT NOT NULL DEFAULT 10,
            status TEXT NOT NULL,
            attempts INT NOT NULL DEFAULT 0,
            max_retries INT NOT NULL DEFAULT 3,
            scheduled_for TIMESTAMPTZ NOT NULL,
            lease_expires_at TIMESTAMPTZ,
            claimed_by TEXT,
            retry_of UUID,
            schedule_id UUID,
            result JSONB,
            error TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            completed_at TIMESTAMPTZ,
            failed_at TIMESTAMPTZ
        );`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim
            ON jobs (priority DESC, scheduled_for ASC, created_at ASC)
            WHERE status IN ('pending', 'retrying');`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs (tenant_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_schedule ON jobs (schedule_id) WHERE schedule_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS schedules (
            id UUID PRIMARY KEY,
            name TEXT NOT NULL,
            job_type TEXT NOT NULL,
            cron_expr TEXT NOT NULL,
            timezone TEXT NOT NULL,
            payload JSONB NOT NULL,
            enabled BOOLEAN NOT NULL DEFAULT TRUE,
            max_runs INT,
            current_runs INT NOT NULL DEFAULT 0,
            next_run_at TIMESTAMPTZ,
            last_run_at TIMESTAMPTZ,
            tags TEXT[] NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
