package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"JobOrchestrator/internal/backoff"
	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/event"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres 生产实现，jobs/schedules 表为唯一事实来源
type Postgres struct {
	db     *pgxpool.Pool
	policy backoff.Policy
	bus    *event.Bus
}

func NewPostgres(db *pgxpool.Pool, policy backoff.Policy, bus *event.Bus) *Postgres {
	return &Postgres{db: db, policy: policy, bus: bus}
}

func (p *Postgres) publish(e event.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

const jobColumns = `id, tenant_id, type, payload, priority, status, attempts, max_retries,
    scheduled_for, lease_expires_at, claimed_by, retry_of, schedule_id, result, error,
    created_at, updated_at, completed_at, failed_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var claimedBy, errMsg *string
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.Type, &j.Payload, &j.Priority, &j.Status, &j.Attempts, &j.MaxRetries,
		&j.ScheduledFor, &j.LeaseExpiresAt, &claimedBy, &j.RetryOf, &j.ScheduleID, &j.Result, &errMsg,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt, &j.FailedAt,
	); err != nil {
		return nil, err
	}
	if claimedBy != nil {
		j.ClaimedBy = *claimedBy
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	return &j, nil
}

func (p *Postgres) Insert(ctx context.Context, j *domain.Job) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, type, payload, priority, status, attempts, max_retries,
		    scheduled_for, retry_of, schedule_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, j.ID, j.TenantID, j.Type, j.Payload, j.Priority, j.Status, j.Attempts, j.MaxRetries,
		j.ScheduledFor, j.RetryOf, j.ScheduleID)
	return err
}

// Claim 用 FOR UPDATE SKIP LOCKED 保证并发下每行至多一个认领者
func (p *Postgres) Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Job, error) {
	exp := time.Now().Add(lease)
	row := p.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE jobs SET
		    status = 'processing',
		    claimed_by = $1,
		    lease_expires_at = $2,
		    updated_at = NOW()
		WHERE id = (
		    SELECT id FROM jobs
		    WHERE status IN ('pending', 'retrying') AND scheduled_for <= NOW()
		    ORDER BY priority DESC, scheduled_for ASC, created_at ASC
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, jobColumns), workerID, exp)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (p *Postgres) Complete(ctx context.Context, id uuid.UUID, workerID string, result []byte) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE jobs SET
		    status = 'completed',
		    result = $2,
		    completed_at = NOW(),
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $3
	`, id, result, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// 区分不存在、已终态、持有权丢失
		j, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return domain.ErrAlreadyTerminal
		}
		return domain.ErrClaimLost
	}
	j, err := p.Get(ctx, id)
	if err == nil {
		p.publish(event.Event{Kind: event.JobCompleted, JobID: j.ID, TenantID: j.TenantID, JobType: j.Type})
	}
	return nil
}

// Fail 在单个事务里锁行后迁移状态，attempts 的递增不会与回收扫描互相覆盖
func (p *Postgres) Fail(ctx context.Context, id uuid.UUID, workerID, reason string) (*domain.Job, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status domain.JobStatus
	var claimedBy *string
	var attempts, maxRetries int
	err = tx.QueryRow(ctx, `
		SELECT status, claimed_by, attempts, max_retries FROM jobs WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &claimedBy, &attempts, &maxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		return nil, domain.ErrAlreadyTerminal
	}
	if status != domain.StatusProcessing || claimedBy == nil || *claimedBy != workerID {
		return nil, domain.ErrClaimLost
	}

	out, err := p.failTx(ctx, tx, id, attempts, maxRetries, reason)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	p.publishFailed(out, reason)
	return out, nil
}

// failTx 失败状态迁移，调用方必须已用 FOR UPDATE 锁住该行
func (p *Postgres) failTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts, maxRetries int, reason string) (*domain.Job, error) {
	next := attempts + 1
	if next < maxRetries {
		row := tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE jobs SET
			    status = 'retrying',
			    attempts = attempts + 1,
			    error = $2,
			    scheduled_for = $3,
			    lease_expires_at = NULL,
			    claimed_by = NULL,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING %s
		`, jobColumns), id, reason, time.Now().Add(p.policy.Delay(next)))
		return scanJob(row)
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE jobs SET
		    status = 'failed',
		    attempts = attempts + 1,
		    error = $2,
		    failed_at = NOW(),
		    lease_expires_at = NULL,
		    claimed_by = NULL,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, jobColumns), id, reason)
	return scanJob(row)
}

func (p *Postgres) publishFailed(out *domain.Job, reason string) {
	kind := event.JobRetrying
	if out.Status == domain.StatusFailed {
		kind = event.JobFailed
	}
	p.publish(event.Event{Kind: kind, JobID: out.ID, TenantID: out.TenantID, JobType: out.Type, Detail: reason})
}

func (p *Postgres) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE jobs SET
		    lease_expires_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
	`, id, workerID, time.Now().Add(lease))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (p *Postgres) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE jobs SET
		    status = 'cancelled',
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		// 已终态
		return false, nil
	}
	j, err := p.Get(ctx, id)
	if err == nil {
		p.publish(event.Event{Kind: event.JobCancelled, JobID: j.ID, TenantID: j.TenantID, JobType: j.Type})
	}
	return true, nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := p.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return j, err
}

func (p *Postgres) List(ctx context.Context, f ListFilter) ([]domain.Job, int, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		add("status = ANY($%d)", ss)
	}
	if len(f.Types) > 0 {
		add("type = ANY($%d)", f.Types)
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.ScheduleID != nil {
		add("schedule_id = $%d", *f.ScheduleID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		jobColumns, where, limit, f.Offset)
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *j)
	}
	return out, total, rows.Err()
}

// RequeueStalled 回收租约过期的任务，每条按一次可恢复失败处理
// 候选行在同一事务里锁定后迁移，不会与在途 worker 的 Fail 双重计数
func (p *Postgres) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, attempts, max_retries FROM jobs
		WHERE status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		FOR UPDATE SKIP LOCKED
	`, now)
	if err != nil {
		return 0, err
	}
	type candidate struct {
		id                   uuid.UUID
		attempts, maxRetries int
	}
	var due []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.attempts, &c.maxRetries); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var requeued []*domain.Job
	for _, c := range due {
		j, err := p.failTx(ctx, tx, c.id, c.attempts, c.maxRetries, "lease expired")
		if err != nil {
			return 0, err
		}
		requeued = append(requeued, j)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	for _, j := range requeued {
		p.publish(event.Event{Kind: event.JobStalled, JobID: j.ID, TenantID: j.TenantID, JobType: j.Type})
		p.publishFailed(j, "lease expired")
	}
	return len(requeued), nil
}
