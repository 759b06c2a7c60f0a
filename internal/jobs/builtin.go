// Package jobs 内置任务类型
// api 与 worker 引用同一份注册表：api 只用到校验，worker 用到处理器
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"JobOrchestrator/internal/domain"
	"JobOrchestrator/internal/registry"

	"go.uber.org/zap"
)

var webhookClient = &http.Client{Timeout: 15 * time.Second}

// RegisterBuiltin 注册全部内置任务类型
func RegisterBuiltin(reg *registry.Registry, log *zap.SugaredLogger) {
	reg.Register(registry.Definition{
		Name:     "email.send",
		Validate: registry.RequireFields("to", "subject"),
		Handler: func(ctx context.Context, j *domain.Job) (json.RawMessage, error) {
			var p struct {
				To      string `json:"to"`
				Subject string `json:"subject"`
			}
			if err := json.Unmarshal(j.Payload, &p); err != nil {
				return nil, err
			}
			// 投递由外部网关完成，这里只做演示记录
			log.Infow("email sent", "job_id", j.ID, "to", p.To, "subject", p.Subject)
			return json.Marshal(map[string]string{"delivered_to": p.To})
		},
	})

	reg.Register(registry.Definition{
		Name:     "notification.send",
		Validate: registry.RequireFields("channel", "message"),
		Handler: func(ctx context.Context, j *domain.Job) (json.RawMessage, error) {
			var p struct {
				Channel string `json:"channel"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(j.Payload, &p); err != nil {
				return nil, err
			}
			log.Infow("notification sent", "job_id", j.ID, "channel", p.Channel)
			return json.Marshal(map[string]string{"channel": p.Channel})
		},
	})

	reg.Register(registry.Definition{
		Name:     "webhook.dispatch",
		Validate: registry.RequireFields("url"),
		Timeout:  30 * time.Second,
		Handler: func(ctx context.Context, j *domain.Job) (json.RawMessage, error) {
			var p struct {
				URL  string          `json:"url"`
				Body json.RawMessage `json:"body"`
			}
			if err := json.Unmarshal(j.Payload, &p); err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := webhookClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode >= 300 {
				return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
			}
			return json.Marshal(map[string]int{"status_code": resp.StatusCode})
		},
	})

	reg.Register(registry.Definition{
		Name:    "report.generate",
		Timeout: 5 * time.Minute,
		Handler: func(ctx context.Context, j *domain.Job) (json.RawMessage, error) {
			started := time.Now()
			log.Infow("report generated", "job_id", j.ID)
			return json.Marshal(map[string]string{
				"generated_at": time.Now().UTC().Format(time.RFC3339),
				"took":         time.Since(started).String(),
			})
		},
	})
}
