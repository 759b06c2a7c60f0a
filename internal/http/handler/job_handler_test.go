package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"JobOrchestrator/internal/backoff"
	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/event"
	"JobOrchestrator/internal/idempotency"
	"JobOrchestrator/internal/registry"
	"JobOrchestrator/internal/service"
	"JobOrchestrator/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store  *store.Memory
	cache  idempotency.Cache
	engine *gin.Engine
}

func newFixture(t *testing.T, cache idempotency.Cache) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory(backoff.New(0, 0), event.NewBus(64))
	reg := registry.New()
	reg.Register(registry.Definition{
		Name:     "email.send",
		Validate: registry.RequireFields("to"),
		Handler: func(ctx context.Context, j *domain.Job) (json.RawMessage, error) {
			return nil, nil
		},
	})
	log := zap.NewNop().Sugar()
	svc := service.NewJobService(st, reg, nil, log)

	if cache == nil {
		cache = idempotency.NewMemory()
	}
	jh := NewJobHandler(svc, cache, event.NewBus(64), log, time.Hour)

	engine := gin.New()
	api := engine.Group("/api/v1")
	api.POST("/jobs", jh.Submit)
	api.GET("/jobs", jh.List)
	api.GET("/jobs/:id", jh.Get)
	api.POST("/jobs/:id/cancel", jh.Cancel)
	api.POST("/jobs/:id/retry", jh.Retry)

	return &fixture{store: st, cache: cache, engine: engine}
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestSubmitAndGet(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/jobs", `{"type":"email.send","payload":{"to":"a@b.c"}}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "email.send", resp.Type)
	assert.Equal(t, string(domain.StatusPending), resp.Status)
	assert.Equal(t, service.DefaultPriority, resp.Priority)

	w = f.do(http.MethodGet, "/api/v1/jobs/"+resp.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitUnknownTypeRejected(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/jobs", `{"type":"nope","payload":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 校验失败不落库
	_, total, err := f.store.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t, nil)
	headers := map[string]string{"X-Tenant-ID": "acme", "Idempotency-Key": "req-1"}
	body := `{"type":"email.send","payload":{"to":"a@b.c"}}`

	first := f.do(http.MethodPost, "/api/v1/jobs", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	// 重放：逐字节相同的响应，且不产生第二条任务
	second := f.do(http.MethodPost, "/api/v1/jobs", body, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	_, total, err := f.store.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestIdempotencyKeyIsTenantScoped(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"type":"email.send","payload":{"to":"a@b.c"}}`

	w1 := f.do(http.MethodPost, "/api/v1/jobs", body, map[string]string{"X-Tenant-ID": "t1", "Idempotency-Key": "k"})
	w2 := f.do(http.MethodPost, "/api/v1/jobs", body, map[string]string{"X-Tenant-ID": "t2", "Idempotency-Key": "k"})
	require.Equal(t, http.StatusCreated, w1.Code)
	require.Equal(t, http.StatusCreated, w2.Code)
	assert.NotEqual(t, w1.Body.Bytes(), w2.Body.Bytes())

	_, total, err := f.store.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

// brokenCache 模拟幂等后端整体故障
type brokenCache struct{}

func (brokenCache) Check(context.Context, string, string) (*domain.IdempotencyRecord, error) {
	return nil, errors.New("cache down")
}
func (brokenCache) Record(context.Context, string, string, int, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) GC(context.Context) (int, error) { return 0, nil }

func TestIdempotencyFailOpen(t *testing.T) {
	f := newFixture(t, brokenCache{})
	headers := map[string]string{"Idempotency-Key": "req-1"}

	// 缓存故障时请求照常处理，宁可重复执行也不拒绝
	w := f.do(http.MethodPost, "/api/v1/jobs", `{"type":"email.send","payload":{"to":"a@b.c"}}`, headers)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/api/v1/jobs", `{"type":"email.send","payload":{"to":"a@b.c"}}`, headers)
	assert.Equal(t, http.StatusCreated, w.Code)

	_, total, err := f.store.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestCancelEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/jobs", `{"type":"email.send","payload":{"to":"a@b.c"}}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = f.do(http.MethodPost, "/api/v1/jobs/"+resp.ID.String()+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cancelled":true`)

	// 终态后再取消：no-op
	w = f.do(http.MethodPost, "/api/v1/jobs/"+resp.ID.String()+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cancelled":false`)
}

func TestRetryEndpointOnlyForFailed(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/jobs", `{"type":"email.send","payload":{"to":"a@b.c"}}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// pending 任务不能 retry
	w = f.do(http.MethodPost, "/api/v1/jobs/"+resp.ID.String()+"/retry", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/retry", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		w := f.do(http.MethodPost, "/api/v1/jobs", `{"type":"email.send","payload":{"to":"a@b.c"}}`,
			map[string]string{"X-Tenant-ID": "acme"})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := f.do(http.MethodGet, "/api/v1/jobs?tenant=acme&status=pending&limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Jobs  []domain.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Jobs, 2)
	assert.Equal(t, 3, out.Total)

	w = f.do(http.MethodGet, "/api/v1/jobs?tenant=other", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Zero(t, out.Total)
}
