package capability

import (
	"context"

	xerrors "OpenMCP-Assistant/internal/errors"
)

// Request 是发往领域后端的一次调用。
type Request struct {
	Domain     string         `json:"domain"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
	UserID     string         `json:"user_id"`
}

// Result 是后端返回的结构化结果。
type Result map[string]any

// Backend 执行某个领域的操作。
type Backend interface {
	Call(ctx context.Context, req Request) (Result, error)
}

// BackendFunc 让普通函数实现 Backend。
type BackendFunc func(ctx context.Context, req Request) (Result, error)

// Call 实现 Backend 接口。
func (f BackendFunc) Call(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Failure 构造一个已分类的能力错误。
func Failure(retryable bool, reason string) error {
	return xerrors.New(xerrors.CodeCapabilityFailed, reason, xerrors.WithRetryable(retryable))
}

// IsRetryable 判断能力错误是否允许自动重试一次。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidationFailed, xerrors.CodeUnknownDomain, xerrors.CodeUnknownOperation:
		return false
	}
	return xerrors.RetryableError(err)
}

// Reason 提取面向用户的失败原因。
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}
