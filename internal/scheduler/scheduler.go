// Package scheduler 管理定时规则与其计时器
// 每条启用的 schedule 对应恰好一个计时器句柄，句柄的启停只发生在本组件内，
// 与 enabled 状态、更新、删除保持同步，不会出现孤儿计时器
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/event"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// 五段式 cron（分钟粒度），支持 @hourly 等描述符
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Scheduler struct {
	store store.ScheduleStore
	jobs  *service.JobService
	bus   *event.Bus
	log   *zap.SugaredLogger

	// passive 模式下只读写持久化状态，不持有计时器
	// 用于 api 与独立 scheduler 进程分开部署时，避免两边重复触发
	passive bool

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

func New(st store.ScheduleStore, jobs *service.JobService, bus *event.Bus, log *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  st,
		jobs:   jobs,
		bus:    bus,
		log:    log,
		timers: make(map[uuid.UUID]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewPassive 返回不武装计时器的 Scheduler
// CRUD 照常落库，触发交给持有计时器的那个进程
func NewPassive(st store.ScheduleStore, jobs *service.JobService, bus *event.Bus, log *zap.SugaredLogger) *Scheduler {
	s := New(st, jobs, bus, log)
	s.passive = true
	return s
}

// parseCron 解析表达式并返回基于时区的 cron.Schedule
func parseCron(expr, tz string) (cron.Schedule, *time.Location, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad timezone %q", domain.ErrInvalidCronExpression, tz)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidCronExpression, err)
	}
	return sched, loc, nil
}

// ValidateCron 纯校验：返回接下来 k 次触发时间，无副作用
func ValidateCron(expr, tz string, k int) ([]time.Time, error) {
	sched, loc, err := parseCron(expr, tz)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}
	out := make([]time.Time, 0, k)
	t := time.Now().In(loc)
	for i := 0; i < k; i++ {
		t = sched.Next(t)
		out = append(out, t)
	}
	return out, nil
}

// nextRun 计算表达式在时区 loc 下的下一次触发时间（恒 >= now）
func nextRun(sched cron.Schedule, loc *time.Location) time.Time {
	return sched.Next(time.Now().In(loc))
}

type CreateParams struct {
	Name     string
	JobType  string
	CronExpr string
	Timezone string
	Payload  json.RawMessage
	Enabled  bool
	MaxRuns  *int
	Tags     []string
}

func (s *Scheduler) Create(ctx context.Context, p CreateParams) (*domain.Schedule, error) {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	sched, loc, err := parseCron(p.CronExpr, p.Timezone)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next := nextRun(sched, loc)
	out := &domain.Schedule{
		ID:        uuid.New(),
		Name:      p.Name,
		JobType:   p.JobType,
		CronExpr:  p.CronExpr,
		Timezone:  p.Timezone,
		Payload:   p.Payload,
		Enabled:   p.Enabled,
		MaxRuns:   p.MaxRuns,
		NextRunAt: &next,
		Tags:      p.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSchedule(ctx, out); err != nil {
		return nil, err
	}
	if out.Enabled {
		s.armTimer(out.ID, time.Until(next))
	}
	return out, nil
}

type UpdateParams struct {
	Name     *string
	JobType  *string
	CronExpr *string
	Timezone *string
	Payload  json.RawMessage
	Enabled  *bool
	MaxRuns  *int
	Tags     []string
}

// Update 先停掉现有计时器再套用变更，保证同一 schedule 不会有两个计时器并存
func (s *Scheduler) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*domain.Schedule, error) {
	s.stopTimer(id)

	cur, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		cur.Name = *p.Name
	}
	if p.JobType != nil {
		cur.JobType = *p.JobType
	}
	if p.CronExpr != nil {
		cur.CronExpr = *p.CronExpr
	}
	if p.Timezone != nil {
		cur.Timezone = *p.Timezone
	}
	if p.Payload != nil {
		cur.Payload = p.Payload
	}
	if p.Enabled != nil {
		cur.Enabled = *p.Enabled
	}
	if p.MaxRuns != nil {
		cur.MaxRuns = p.MaxRuns
	}
	if p.Tags != nil {
		cur.Tags = p.Tags
	}

	sched, loc, err := parseCron(cur.CronExpr, cur.Timezone)
	if err != nil {
		return nil, err
	}
	next := nextRun(sched, loc)
	cur.NextRunAt = &next

	if err := s.store.UpdateSchedule(ctx, cur); err != nil {
		return nil, err
	}
	if cur.Enabled && !cur.Exhausted() {
		s.armTimer(id, time.Until(next))
	}
	return cur, nil
}

// Toggle 启停计时器，不改动 current_runs
func (s *Scheduler) Toggle(ctx context.Context, id uuid.UUID, enabled bool) error {
	cur, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if !enabled {
		s.stopTimer(id)
		return nil
	}
	sched, loc, err := parseCron(cur.CronExpr, cur.Timezone)
	if err != nil {
		return err
	}
	s.armTimer(id, time.Until(nextRun(sched, loc)))
	return nil
}

func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	s.stopTimer(id)
	return s.store.DeleteSchedule(ctx, id)
}

func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, enabled *bool) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx, enabled)
}

// Trigger 手动触发一次，独立于计时器，同样累加 current_runs
func (s *Scheduler) Trigger(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	cur, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := s.fire(ctx, cur)
	if err != nil {
		return nil, err
	}
	// 手动触发后同样检查 max_runs
	cur, err = s.store.GetSchedule(ctx, id)
	if err == nil && cur.Exhausted() && cur.Enabled {
		s.stopTimer(id)
		if err := s.store.SetScheduleEnabled(ctx, id, false); err != nil {
			s.log.Warnw("auto-disable after manual trigger failed", "schedule_id", id, "err", err)
		}
	}
	return job, nil
}

// fire 按计划模板提交一条任务并记录触发
func (s *Scheduler) fire(ctx context.Context, sch *domain.Schedule) (*domain.Job, error) {
	schedID := sch.ID
	job, err := s.jobs.Submit(ctx, service.SubmitParams{
		TenantID:   "system",
		Type:       sch.JobType,
		Payload:    sch.Payload,
		ScheduleID: &schedID,
	})
	if err != nil {
		return nil, err
	}

	var next *time.Time
	if sched, loc, perr := parseCron(sch.CronExpr, sch.Timezone); perr == nil {
		n := nextRun(sched, loc)
		next = &n
	}
	if err := s.store.MarkFired(ctx, sch.ID, time.Now(), next); err != nil {
		s.log.Warnw("mark fired failed", "schedule_id", sch.ID, "err", err)
	}
	if s.bus != nil {
		s.bus.Publish(event.Event{Kind: event.ScheduleFired, ScheduleID: sch.ID, JobID: job.ID, JobType: sch.JobType})
	}
	s.log.Infow("schedule fired", "schedule_id", sch.ID, "job_id", job.ID, "type", sch.JobType)
	return job, nil
}

// tick 计时器到点的回调：复查状态后触发并重新武装计时器
func (s *Scheduler) tick(id uuid.UUID) {
	ctx := s.ctx
	cur, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		s.log.Warnw("tick: load schedule failed", "schedule_id", id, "err", err)
		s.stopTimer(id)
		return
	}
	// 到点后复查，禁用的规则不触发
	if !cur.Enabled {
		s.stopTimer(id)
		return
	}
	// 达到 max_runs：自动停用，不再提交
	if cur.Exhausted() {
		s.stopTimer(id)
		if err := s.store.SetScheduleEnabled(ctx, id, false); err != nil {
			s.log.Warnw("auto-disable failed", "schedule_id", id, "err", err)
		}
		s.log.Infow("schedule reached max_runs, disabled", "schedule_id", id)
		return
	}

	if _, err := s.fire(ctx, cur); err != nil {
		s.log.Errorw("tick: fire failed", "schedule_id", id, "err", err)
	}

	// 触发本身可能把 current_runs 顶到 max_runs
	cur, err = s.store.GetSchedule(ctx, id)
	if err == nil && cur.Exhausted() {
		s.stopTimer(id)
		if err := s.store.SetScheduleEnabled(ctx, id, false); err != nil {
			s.log.Warnw("auto-disable failed", "schedule_id", id, "err", err)
		}
		s.log.Infow("schedule reached max_runs, disabled", "schedule_id", id)
		return
	}

	if sched, loc, err := parseCron(cur.CronExpr, cur.Timezone); err == nil {
		s.armTimer(id, time.Until(nextRun(sched, loc)))
	}
}

// armTimer 为 schedule 装一个一次性计时器，旧计时器先被停掉
func (s *Scheduler) armTimer(id uuid.UUID, d time.Duration) {
	if s.passive {
		return
	}
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	s.timers[id] = time.AfterFunc(d, func() { s.tick(id) })
}

func (s *Scheduler) stopTimer(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Start 从持久化状态重建计时器
// next_run_at 已过期的 schedule 会在计时器到点（立即）后补一次触发
// 可重复调用：用于周期性拉取其它进程新建的 schedule
func (s *Scheduler) Start(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, &enabled)
	if err != nil {
		return err
	}
	for _, sch := range schedules {
		if sch.Exhausted() {
			continue
		}
		var d time.Duration
		if sch.NextRunAt != nil {
			d = time.Until(*sch.NextRunAt)
		}
		s.armTimer(sch.ID, d)
	}
	s.log.Infow("scheduler started", "schedules", len(schedules))
	return nil
}

// Stop 停掉全部计时器
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// ActiveTimers 当前持有计时器的 schedule 数（观测用）
func (s *Scheduler) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
