// Package worker 实现固定规模的并发执行器池
// 每个执行器循环：认领 -> 查处理器 -> 带超时执行（全程续租）-> complete/fail
// 执行相互隔离，单个任务的失败或 panic 不影响其它在途任务
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/queue"
	"JobOrchestrator/internal/registry"
	"JobOrchestrator/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Pool struct {
	store        store.JobStore
	reg          *registry.Registry
	rdb          *redis.Client // 可为 nil，此时退化为纯轮询
	log          *zap.SugaredLogger
	workerID     string
	size         int
	lease        time.Duration
	jobTimeout   time.Duration
	pollInterval time.Duration
}

type PoolOptions struct {
	WorkerID     string
	Size         int
	Lease        time.Duration // 认领租约，超过未报告即被回收
	JobTimeout   time.Duration // 单任务默认执行超时
	PollInterval time.Duration // 无唤醒提示时的轮询间隔
}

func NewPool(st store.JobStore, reg *registry.Registry, rdb *redis.Client, log *zap.SugaredLogger, opt PoolOptions) *Pool {
	if opt.Size <= 0 {
		opt.Size = 1
	}
	if opt.Lease <= 0 {
		opt.Lease = 30 * time.Second
	}
	if opt.JobTimeout <= 0 {
		opt.JobTimeout = time.Minute
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = time.Second
	}
	return &Pool{
		store:        st,
		reg:          reg,
		rdb:          rdb,
		log:          log,
		workerID:     opt.WorkerID,
		size:         opt.Size,
		lease:        opt.Lease,
		jobTimeout:   opt.JobTimeout,
		pollInterval: opt.PollInterval,
	}
}

// Run 启动 N 个执行器并阻塞到 ctx 取消
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		n := i
		g.Go(func() error {
			p.runExecutor(gctx, n)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runExecutor(ctx context.Context, n int) {
	// 每个执行器用独立的认领标识，持有权围栏才能区分同池的两个执行器
	execID := fmt.Sprintf("%s/%d", p.workerID, n)
	p.log.Infow("executor started", "worker_id", execID)
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.processOne(ctx, execID)
		if err != nil {
			p.log.Errorw("claim failed", "worker_id", execID, "err", err)
		}
		if processed {
			continue
		}
		// 队列空：等唤醒提示或轮询间隔
		p.idle(ctx)
	}
}

func (p *Pool) idle(ctx context.Context) {
	if p.rdb != nil {
		if _, err := queue.WaitForWake(ctx, p.rdb, p.pollInterval); err != nil && ctx.Err() == nil {
			p.log.Warnw("wake wait failed", "err", err)
		}
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

// ProcessOne 认领并执行至多一条任务，返回是否处理了任务
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	return p.processOne(ctx, p.workerID)
}

func (p *Pool) processOne(ctx context.Context, execID string) (bool, error) {
	job, err := p.store.Claim(ctx, execID, p.lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.execute(ctx, execID, job)
	return true, nil
}

// execute 运行处理器并上报结果，处理器异常绝不外泄
// 执行期间持续续租，健康的长任务不会被回收扫描误判为 stalled
func (p *Pool) execute(ctx context.Context, execID string, job *domain.Job) {
	def, ok := p.reg.Lookup(job.Type)
	if !ok {
		// 提交侧校验过类型，到这一步通常意味着 worker 的注册表落后了
		p.reportFailure(ctx, execID, job, fmt.Sprintf("no handler registered for type %q", job.Type))
		return
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go p.keepLease(renewCtx, job.ID, execID)

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = p.jobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := def.Handler(runCtx, job)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-runCtx.Done():
		p.reportFailure(ctx, execID, job, fmt.Sprintf("handler timed out after %s", timeout))
	case out := <-done:
		if out.err != nil {
			p.reportFailure(ctx, execID, job, out.err.Error())
			return
		}
		if err := p.store.Complete(ctx, job.ID, execID, out.result); err != nil {
			if errors.Is(err, domain.ErrClaimLost) {
				p.log.Warnw("job claim lost, result discarded", "job_id", job.ID, "worker_id", execID)
				return
			}
			p.log.Warnw("complete failed", "job_id", job.ID, "err", err)
			return
		}
		p.log.Infow("job completed", "job_id", job.ID, "type", job.Type, "attempts", job.Attempts)
	}
}

// keepLease 按租约三分之一的节奏续租，直到执行结束或持有权丢失
func (p *Pool) keepLease(ctx context.Context, id uuid.UUID, execID string) {
	iv := p.lease / 3
	if iv <= 0 {
		iv = time.Millisecond
	}
	tkr := time.NewTicker(iv)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			if err := p.store.ExtendLease(ctx, id, execID, p.lease); err != nil {
				if ctx.Err() == nil && errors.Is(err, domain.ErrClaimLost) {
					p.log.Warnw("lease renewal lost claim", "job_id", id, "worker_id", execID)
				}
				return
			}
		}
	}
}

func (p *Pool) reportFailure(ctx context.Context, execID string, job *domain.Job, reason string) {
	out, err := p.store.Fail(ctx, job.ID, execID, reason)
	if err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			p.log.Warnw("job claim lost, failure report discarded", "job_id", job.ID, "worker_id", execID)
			return
		}
		p.log.Warnw("fail report failed", "job_id", job.ID, "err", err)
		return
	}
	if out.Status == domain.StatusFailed {
		p.log.Warnw("job failed terminally", "job_id", job.ID, "type", job.Type, "attempts", out.Attempts, "reason", reason)
		return
	}
	p.log.Infow("job scheduled for retry", "job_id", job.ID, "attempts", out.Attempts, "next", out.ScheduledFor)
}
