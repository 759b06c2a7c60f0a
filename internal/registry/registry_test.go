package registry

import (
	"context"
	"encoding/json"
	"testing"

	"JobOrchestrator/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	r := New()
	r.Register(Definition{
		Name:     "notification.send",
		Validate: RequireFields("recipient", "template"),
		Handler: func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
			return nil, nil
		},
	})

	// 合法负载
	err := r.ValidatePayload("notification.send", json.RawMessage(`{"recipient":"a@b.c","template":"welcome"}`))
	assert.NoError(t, err)

	// 未注册类型
	err = r.ValidatePayload("payment.charge", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownJobType)

	// 缺字段
	err = r.ValidatePayload("notification.send", json.RawMessage(`{"recipient":"a@b.c"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	// 非对象负载
	err = r.ValidatePayload("notification.send", json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestValidatePayloadNoValidator(t *testing.T) {
	r := New()
	r.Register(Definition{Name: "noop"})
	assert.NoError(t, r.ValidatePayload("noop", json.RawMessage(`"anything"`)))
}

func TestLookupAndTypes(t *testing.T) {
	r := New()
	r.Register(Definition{Name: "a"})
	r.Register(Definition{Name: "b"})

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"a", "b"}, r.Types())
}
