package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"JobOrchestrator/internal/backoff"
	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/registry"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Memory, *service.JobService) {
	t.Helper()
	st := store.NewMemory(backoff.New(time.Millisecond, 10*time.Millisecond), nil)
	reg := registry.New()
	reg.Register(registry.Definition{Name: "report.generate"})
	jobs := service.NewJobService(st, reg, nil, zap.NewNop().Sugar())
	s := New(st, jobs, nil, zap.NewNop().Sugar())
	t.Cleanup(s.Stop)
	return s, st, jobs
}

func TestValidateCron(t *testing.T) {
	// */5 * * * *：下一次触发在 5 分钟内
	runs, err := ValidateCron("*/5 * * * *", "UTC", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].After(time.Now()))
	assert.True(t, runs[0].Before(time.Now().Add(5*time.Minute+time.Second)))
	// 触发时间严格递增
	assert.True(t, runs[1].After(runs[0]))
	assert.True(t, runs[2].After(runs[1]))

	_, err = ValidateCron("not a cron", "UTC", 3)
	assert.ErrorIs(t, err, domain.ErrInvalidCronExpression)

	_, err = ValidateCron("*/5 * * * *", "Mars/Olympus", 3)
	assert.ErrorIs(t, err, domain.ErrInvalidCronExpression)
}

func TestCreateSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Create(ctx, CreateParams{
		Name:     "ping",
		JobType:  "report.generate",
		CronExpr: "*/5 * * * *",
		Timezone: "UTC",
		Payload:  json.RawMessage(`{}`),
		Enabled:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, sch.NextRunAt)
	assert.True(t, sch.NextRunAt.After(time.Now()))
	assert.True(t, sch.NextRunAt.Before(time.Now().Add(5*time.Minute+time.Second)))
	assert.Equal(t, 1, s.ActiveTimers())

	// 非法表达式拒绝且不落库
	_, err = s.Create(ctx, CreateParams{Name: "bad", JobType: "report.generate", CronExpr: "banana"})
	assert.ErrorIs(t, err, domain.ErrInvalidCronExpression)
	list, err := s.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateDisabledHasNoTimer(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	sch, err := s.Create(context.Background(), CreateParams{
		Name: "off", JobType: "report.generate", CronExpr: "0 * * * *", Enabled: false,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, s.ActiveTimers())
	assert.False(t, sch.Enabled)
}

func TestToggleStartsAndStopsTimer(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Create(ctx, CreateParams{
		Name: "t", JobType: "report.generate", CronExpr: "0 * * * *", Enabled: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.ActiveTimers())

	require.NoError(t, s.Toggle(ctx, sch.ID, false))
	assert.Equal(t, 0, s.ActiveTimers())
	got, _ := s.Get(ctx, sch.ID)
	assert.False(t, got.Enabled)
	// toggle 不改动 current_runs
	assert.Zero(t, got.CurrentRuns)

	require.NoError(t, s.Toggle(ctx, sch.ID, true))
	assert.Equal(t, 1, s.ActiveTimers())
}

func TestTriggerSubmitsJobAndCounts(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Create(ctx, CreateParams{
		Name: "manual", JobType: "report.generate", CronExpr: "0 2 * * *",
		Payload: json.RawMessage(`{"kind":"daily"}`), Enabled: true,
	})
	require.NoError(t, err)

	job, err := s.Trigger(ctx, sch.ID)
	require.NoError(t, err)
	require.NotNil(t, job.ScheduleID)
	assert.Equal(t, sch.ID, *job.ScheduleID)
	assert.Equal(t, domain.StatusPending, job.Status)

	got, err := s.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentRuns)
	require.NotNil(t, got.LastRunAt)

	// 该 schedule 的历史可查
	sid := sch.ID
	_, total, err := st.List(ctx, store.ListFilter{ScheduleID: &sid})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

// max_runs=3：恰好触发 3 次后自动停用，不产生第 4 条任务
func TestMaxRunsAutoDisable(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	three := 3
	sch, err := s.Create(ctx, CreateParams{
		Name: "limited", JobType: "report.generate", CronExpr: "* * * * *",
		Enabled: true, MaxRuns: &three,
	})
	require.NoError(t, err)
	s.stopTimer(sch.ID) // 测试直接驱动 tick，不依赖真实计时器

	for i := 0; i < 5; i++ {
		s.tick(sch.ID)
	}

	got, err := s.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 3, got.CurrentRuns)
	assert.Equal(t, 0, s.ActiveTimers())

	sid := sch.ID
	_, total, err := st.List(ctx, store.ListFilter{ScheduleID: &sid})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestTickSkipsDisabled(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Create(ctx, CreateParams{
		Name: "paused", JobType: "report.generate", CronExpr: "* * * * *", Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Toggle(ctx, sch.ID, false))

	s.tick(sch.ID)

	sid := sch.ID
	_, total, err := st.List(ctx, store.ListFilter{ScheduleID: &sid})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestUpdateReplacesTimer(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Create(ctx, CreateParams{
		Name: "u", JobType: "report.generate", CronExpr: "0 * * * *", Enabled: true,
	})
	require.NoError(t, err)

	newExpr := "*/10 * * * *"
	got, err := s.Update(ctx, sch.ID, UpdateParams{CronExpr: &newExpr})
	require.NoError(t, err)
	assert.Equal(t, newExpr, got.CronExpr)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Before(time.Now().Add(10*time.Minute+time.Second)))
	// 更新后仍只有一个计时器
	assert.Equal(t, 1, s.ActiveTimers())

	// 更新为禁用则计时器移除
	off := false
	_, err = s.Update(ctx, sch.ID, UpdateParams{Enabled: &off})
	require.NoError(t, err)
	assert.Equal(t, 0, s.ActiveTimers())

	_, err = s.Update(ctx, uuid.New(), UpdateParams{})
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
}

func TestDeleteStopsTimer(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Create(ctx, CreateParams{
		Name: "d", JobType: "report.generate", CronExpr: "0 * * * *", Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, sch.ID))
	assert.Equal(t, 0, s.ActiveTimers())
	_, err = s.Get(ctx, sch.ID)
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
}

func TestStartRebuildsTimers(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Name: "a", JobType: "report.generate", CronExpr: "0 * * * *", Enabled: true})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateParams{Name: "b", JobType: "report.generate", CronExpr: "0 * * * *", Enabled: false})
	require.NoError(t, err)

	// 模拟重启：新实例从持久化状态重建
	s2 := New(s.store, s.jobs, nil, zap.NewNop().Sugar())
	t.Cleanup(s2.Stop)
	require.NoError(t, s2.Start(ctx))
	assert.Equal(t, 1, s2.ActiveTimers())
}
