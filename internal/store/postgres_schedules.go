package store

import (
	"context"
	"errors"
	"time"

	"JobOrchestrator/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const scheduleColumns = `id, name, job_type, cron_expr, timezone, payload, enabled,
    max_runs, current_runs, next_run_at, last_run_at, tags, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	if err := row.Scan(
		&s.ID, &s.Name, &s.JobType, &s.CronExpr, &s.Timezone, &s.Payload, &s.Enabled,
		&s.MaxRuns, &s.CurrentRuns, &s.NextRunAt, &s.LastRunAt, &s.Tags, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) CreateSchedule(ctx context.Context, s *domain.Schedule) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO schedules (id, name, job_type, cron_expr, timezone, payload, enabled,
		    max_runs, current_runs, next_run_at, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, s.ID, s.Name, s.JobType, s.CronExpr, s.Timezone, s.Payload, s.Enabled,
		s.MaxRuns, s.CurrentRuns, s.NextRunAt, s.Tags)
	return err
}

func (p *Postgres) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE schedules SET
		    name = $2, job_type = $3, cron_expr = $4, timezone = $5, payload = $6,
		    enabled = $7, max_runs = $8, next_run_at = $9, tags = $10, updated_at = NOW()
		WHERE id = $1
	`, s.ID, s.Name, s.JobType, s.CronExpr, s.Timezone, s.Payload,
		s.Enabled, s.MaxRuns, s.NextRunAt, s.Tags)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (p *Postgres) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (p *Postgres) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	row := p.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrScheduleNotFound
	}
	return s, err
}

// ListSchedules 按 enabled 过滤（nil 表示不过滤）
func (p *Postgres) ListSchedules(ctx context.Context, enabled *bool) ([]domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	args := []any{}
	if enabled != nil {
		query += ` WHERE enabled = $1`
		args = append(args, *enabled)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkFired(ctx context.Context, id uuid.UUID, firedAt time.Time, next *time.Time) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE schedules SET
		    last_run_at = $2, current_runs = current_runs + 1, next_run_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, firedAt, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (p *Postgres) SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE schedules SET enabled = $2, updated_at = NOW() WHERE id = $1
	`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}
