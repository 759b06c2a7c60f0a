package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"JobOrchestrator/internal/backoff"
	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/event"

	"github.com/google/uuid"
)

// Memory 内存实现：互斥锁保证 claim 的单写者语义
// 用于测试与无外部依赖的嵌入式部署
type Memory struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*domain.Job
	schedules map[uuid.UUID]*domain.Schedule
	policy    backoff.Policy
	bus       *event.Bus
}

func NewMemory(policy backoff.Policy, bus *event.Bus) *Memory {
	return &Memory{
		jobs:      make(map[uuid.UUID]*domain.Job),
		schedules: make(map[uuid.UUID]*domain.Schedule),
		policy:    policy,
		bus:       bus,
	}
}

func (m *Memory) publish(e event.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func (m *Memory) Insert(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var best *domain.Job
	for _, j := range m.jobs {
		if !claimEligible[j.Status] || j.ScheduledFor.After(now) {
			continue
		}
		if best == nil || claimLess(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	exp := now.Add(lease)
	best.Status = domain.StatusProcessing
	best.ClaimedBy = workerID
	best.LeaseExpiresAt = &exp
	best.UpdatedAt = now
	return cloneJob(best), nil
}

// claimLess 判断 a 是否优先于 b 被认领
func claimLess(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *Memory) Complete(ctx context.Context, id uuid.UUID, workerID string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	// 持有权围栏：被回收或被他人重新认领后，过期执行者的结果一律拒收
	if j.Status != domain.StatusProcessing || j.ClaimedBy != workerID {
		return domain.ErrClaimLost
	}
	now := time.Now()
	j.Status = domain.StatusCompleted
	j.Result = result
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.LeaseExpiresAt = nil
	m.publish(event.Event{Kind: event.JobCompleted, JobID: j.ID, TenantID: j.TenantID, JobType: j.Type})
	return nil
}

func (m *Memory) Fail(ctx context.Context, id uuid.UUID, workerID, reason string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil, domain.ErrAlreadyTerminal
	}
	if j.Status != domain.StatusProcessing || j.ClaimedBy != workerID {
		return nil, domain.ErrClaimLost
	}
	m.failLocked(j, reason)
	return cloneJob(j), nil
}

func (m *Memory) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.StatusProcessing || j.ClaimedBy != workerID {
		return domain.ErrClaimLost
	}
	exp := time.Now().Add(lease)
	j.LeaseExpiresAt = &exp
	j.UpdatedAt = time.Now()
	return nil
}

// failLocked 失败状态迁移，调用方必须持锁
func (m *Memory) failLocked(j *domain.Job, reason string) {
	now := time.Now()
	j.Attempts++
	j.Error = reason
	j.UpdatedAt = now
	j.LeaseExpiresAt = nil
	j.ClaimedBy = ""
	if j.Attempts < j.MaxRetries {
		// 可恢复失败：按退避延迟重新排期
		j.Status = domain.StatusRetrying
		j.ScheduledFor = now.Add(m.policy.Delay(j.Attempts))
		m.publish(event.Event{Kind: event.JobRetrying, JobID: j.ID, TenantID: j.TenantID, JobType: j.Type, Detail: reason})
		return
	}
	j.Status = domain.StatusFailed
	j.FailedAt = &now
	m.publish(event.Event{Kind: event.JobFailed, JobID: j.ID, TenantID: j.TenantID, JobType: j.Type, Detail: reason})
}

func (m *Memory) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	j.Status = domain.StatusCancelled
	j.UpdatedAt = now
	j.LeaseExpiresAt = nil
	m.publish(event.Event{Kind: event.JobCancelled, JobID: j.ID, TenantID: j.TenantID, JobType: j.Type})
	return true, nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) List(ctx context.Context, f ListFilter) ([]domain.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*domain.Job
	for _, j := range m.jobs {
		if matchFilter(j, f) {
			matched = append(matched, j)
		}
	}
	// 新任务在前
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})
	total := len(matched)

	offset := f.Offset
	if offset > total {
		offset = total
	}
	end := total
	if f.Limit > 0 && offset+f.Limit < end {
		end = offset + f.Limit
	}
	out := make([]domain.Job, 0, end-offset)
	for _, j := range matched[offset:end] {
		out = append(out, *cloneJob(j))
	}
	return out, total, nil
}

func matchFilter(j *domain.Job, f ListFilter) bool {
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.ScheduleID != nil && (j.ScheduleID == nil || *j.ScheduleID != *f.ScheduleID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, j.Type) {
		return false
	}
	if f.From != nil && j.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && j.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func containsStatus(ss []domain.JobStatus, s domain.JobStatus) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status != domain.StatusProcessing || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		m.publish(event.Event{Kind: event.JobStalled, JobID: j.ID, TenantID: j.TenantID, JobType: j.Type})
		m.failLocked(j, "lease expired")
		n++
	}
	return n, nil
}

// ---- ScheduleStore ----

func cloneSchedule(s *domain.Schedule) *domain.Schedule {
	c := *s
	return &c
}

func (m *Memory) CreateSchedule(ctx context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (m *Memory) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return domain.ErrScheduleNotFound
	}
	s.UpdatedAt = time.Now()
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (m *Memory) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return domain.ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *Memory) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return cloneSchedule(s), nil
}

func (m *Memory) ListSchedules(ctx context.Context, enabled *bool) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Schedule
	for _, s := range m.schedules {
		if enabled != nil && s.Enabled != *enabled {
			continue
		}
		out = append(out, *cloneSchedule(s))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (m *Memory) MarkFired(ctx context.Context, id uuid.UUID, firedAt time.Time, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	fired := firedAt
	s.LastRunAt = &fired
	s.CurrentRuns++
	s.NextRunAt = next
	s.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = time.Now()
	return nil
}
