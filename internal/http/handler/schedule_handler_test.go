package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"JobOrchestrator/internal/backoff"
	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/event"
	"JobOrchestrator/internal/registry"
	"JobOrchestrator/internal/scheduler"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newScheduleFixture(t *testing.T, tz string) (*fixture, *scheduler.Scheduler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory(backoff.New(0, 0), event.NewBus(64))
	reg := registry.New()
	reg.Register(registry.Definition{
		Name: "report.generate",
		Handler: func(ctx context.Context, j *domain.Job) (json.RawMessage, error) {
			return nil, nil
		},
	})
	log := zap.NewNop().Sugar()
	svc := service.NewJobService(st, reg, nil, log)
	sched := scheduler.New(st, svc, event.NewBus(64), log)
	t.Cleanup(sched.Stop)

	sh := NewScheduleHandler(sched, svc, tz)
	engine := gin.New()
	api := engine.Group("/api/v1")
	api.POST("/schedules", sh.Create)
	api.GET("/schedules", sh.List)
	api.GET("/schedules/:id", sh.Get)
	api.PUT("/schedules/:id", sh.Update)
	api.DELETE("/schedules/:id", sh.Delete)
	api.POST("/schedules/:id/trigger", sh.Trigger)
	api.PATCH("/schedules/:id/toggle", sh.Toggle)
	api.GET("/schedules/:id/history", sh.History)
	api.POST("/validate-cron", sh.ValidateCron)

	return &fixture{store: st, engine: engine}, sched
}

func TestScheduleCreateAndTrigger(t *testing.T) {
	f, _ := newScheduleFixture(t, "")

	w := f.do(http.MethodPost, "/api/v1/schedules",
		`{"name":"nightly","job_type":"report.generate","cron_expression":"0 2 * * *","payload":{}}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var sch domain.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sch))
	assert.True(t, sch.Enabled)
	require.NotNil(t, sch.NextRunAt)

	// 手动触发产生一条任务
	w = f.do(http.MethodPost, "/api/v1/schedules/"+sch.ID.String()+"/trigger", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodGet, "/api/v1/schedules/"+sch.ID.String()+"/history", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Jobs  []domain.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Total)
	require.Len(t, out.Jobs, 1)
	require.NotNil(t, out.Jobs[0].ScheduleID)
	assert.Equal(t, sch.ID, *out.Jobs[0].ScheduleID)
}

func TestScheduleCreateInvalidCron(t *testing.T) {
	f, _ := newScheduleFixture(t, "")

	w := f.do(http.MethodPost, "/api/v1/schedules",
		`{"name":"bad","job_type":"report.generate","cron_expression":"not a cron"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 无效表达式不留痕
	w = f.do(http.MethodGet, "/api/v1/schedules", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)
}

func TestScheduleToggleAndDelete(t *testing.T) {
	f, sched := newScheduleFixture(t, "")

	w := f.do(http.MethodPost, "/api/v1/schedules",
		`{"name":"hourly","job_type":"report.generate","cron_expression":"0 * * * *"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sch domain.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sch))
	assert.Equal(t, 1, sched.ActiveTimers())

	w = f.do(http.MethodPatch, "/api/v1/schedules/"+sch.ID.String()+"/toggle", `{"enabled":false}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, sched.ActiveTimers())

	w = f.do(http.MethodDelete, "/api/v1/schedules/"+sch.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/v1/schedules/"+sch.ID.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// 请求未带时区时落到服务配置的默认时区，显式时区优先
func TestScheduleDefaultTimezone(t *testing.T) {
	f, _ := newScheduleFixture(t, "Local")

	w := f.do(http.MethodPost, "/api/v1/schedules",
		`{"name":"daily","job_type":"report.generate","cron_expression":"0 8 * * *"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sch domain.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sch))
	assert.Equal(t, "Local", sch.Timezone)

	w = f.do(http.MethodPost, "/api/v1/schedules",
		`{"name":"daily-utc","job_type":"report.generate","cron_expression":"0 8 * * *","timezone":"UTC"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sch))
	assert.Equal(t, "UTC", sch.Timezone)
}

func TestValidateCronEndpoint(t *testing.T) {
	f, _ := newScheduleFixture(t, "")

	w := f.do(http.MethodPost, "/api/v1/validate-cron", `{"expression":"*/15 * * * *","count":3}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Valid    bool     `json:"valid"`
		NextRuns []string `json:"next_runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Valid)
	assert.Len(t, out.NextRuns, 3)

	w = f.do(http.MethodPost, "/api/v1/validate-cron", `{"expression":"61 * * * *"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":false`)
}
