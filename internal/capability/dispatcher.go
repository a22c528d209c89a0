package capability

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/observability/metrics"
	"OpenMCP-Assistant/pkg/logger"
)

// Dispatcher 校验参数、限流并调用领域后端，本身不保存状态。
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithCallTimeout 设置单次调用超时。
func WithCallTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.logger = l
		}
	}
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, timeout: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = logger.Named("capability")
	}
	return d
}

// Registry 返回底层注册表。
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Invoke 调用领域操作。失败时返回 CAPABILITY_FAILED（带可重试标记）或 VALIDATION_FAILED。
func (d *Dispatcher) Invoke(ctx context.Context, domain, operation string, params map[string]any, userID string) (Result, error) {
	if err := d.registry.Validate(domain, operation, params); err != nil {
		metrics.ObserveToolCall(domain, operation, "invalid", 0)
		return nil, err
	}
	entry := d.registry.domains[domain]

	if entry.limiter != nil {
		if err := entry.limiter.Wait(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCapabilityFailed, err, "rate limit wait interrupted", xerrors.WithRetryable(true))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	result, err := entry.backend.Call(callCtx, Request{Domain: domain, Operation: operation, Parameters: params, UserID: userID})
	elapsed := time.Since(start)
	if err != nil {
		classified := classify(err)
		outcome := "fatal"
		if IsRetryable(classified) {
			outcome = "retryable"
		}
		metrics.ObserveToolCall(domain, operation, outcome, elapsed)
		d.logger.Warn("能力调用失败",
			slog.String("domain", domain),
			slog.String("operation", operation),
			slog.String("outcome", outcome),
			slog.Any("error", err))
		return nil, classified
	}
	metrics.ObserveToolCall(domain, operation, "success", elapsed)
	if result == nil {
		result = Result{}
	}
	return result, nil
}

func classify(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeCapabilityFailed, err, "capability call timed out", xerrors.WithRetryable(true))
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeCapabilityFailed, err, "capability call cancelled", xerrors.WithRetryable(false))
	}
	if e, ok := xerrors.From(err); ok && e.Code() == xerrors.CodeCapabilityFailed {
		return err
	}
	return xerrors.Wrap(xerrors.CodeCapabilityFailed, err, err.Error(), xerrors.WithRetryable(xerrors.RetryableError(err)))
}
