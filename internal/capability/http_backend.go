package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend 通过 HTTP 调用外部领域服务：POST {base}/{operation}。
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPBackend 创建 HTTPBackend。
func NewHTTPBackend(baseURL string, timeout time.Duration) (*HTTPBackend, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base_url 不能为空")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBackend{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}, nil
}

// HTTPBackendFactory 是 FromDefinitions 的默认工厂。
func HTTPBackendFactory(_ string, def DomainDefinition) (Backend, error) {
	return NewHTTPBackend(def.BaseURL, def.Timeout)
}

type httpEnvelope struct {
	Result    map[string]any `json:"result"`
	Error     string         `json:"error"`
	Retryable *bool          `json:"retryable"`
}

// Classify 判断一次失败的 HTTP 调用是否可重试：429 与 5xx 可重试，
// 其余视为致命错误；后端显式给出 retryable 时以其为准。
func Classify(status int, explicit *bool) bool {
	if explicit != nil {
		return *explicit
	}
	return status == http.StatusTooManyRequests || status >= 500
}

// Call 实现 Backend 接口。
func (b *HTTPBackend) Call(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(map[string]any{"user_id": req.UserID, "parameters": req.Parameters})
	if err != nil {
		return nil, Failure(false, fmt.Sprintf("encode request: %v", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/"+req.Operation, bytes.NewReader(body))
	if err != nil {
		return nil, Failure(false, fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-ID", req.UserID)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Failure(true, fmt.Sprintf("%s unreachable: %v", req.Domain, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, Failure(true, fmt.Sprintf("read response: %v", err))
	}

	var envelope httpEnvelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil && resp.StatusCode < 300 {
			return nil, Failure(false, fmt.Sprintf("decode response: %v", err))
		}
	}

	if resp.StatusCode >= 300 {
		reason := envelope.Error
		if reason == "" {
			reason = fmt.Sprintf("%s returned %s", req.Operation, resp.Status)
		}
		return nil, Failure(Classify(resp.StatusCode, envelope.Retryable), reason)
	}
	if envelope.Error != "" {
		retryable := envelope.Retryable != nil && *envelope.Retryable
		return nil, Failure(retryable, envelope.Error)
	}
	if envelope.Result == nil {
		return Result{}, nil
	}
	return Result(envelope.Result), nil
}
