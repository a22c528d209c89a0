package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/events"
	"OpenMCP-Assistant/internal/observability/metrics"
	"OpenMCP-Assistant/internal/orchestrator"
	"OpenMCP-Assistant/pkg/logger"
)

// Executor 是处理器所需的轮次执行能力，由 orchestrator.Master 实现。
type Executor interface {
	ProcessTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResponse, error)
}

var _ Executor = (*orchestrator.Master)(nil)

// Processor 从队列消费轮次任务并交给主协调器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	retryDelay  time.Duration
	logger      *slog.Logger
	notifier    events.Notifier
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryDelay 设置可重试失败后重新入队前的等待时间。
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.retryDelay = d
		}
	}
}

// WithNotifier 配置任务重试与失败事件的通知器。
func WithNotifier(n events.Notifier) ProcessorOption {
	return func(p *Processor) {
		p.notifier = n
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		retryDelay:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("task")
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	resp, execErr := p.executor.ProcessTurn(ctx, task.TurnRequest())
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	result := Result{SessionID: task.SessionID}
	if resp != nil {
		result = Result{Message: resp.Message, SessionID: resp.SessionID, RequiresConfirmation: resp.RequiresConfirmation}
	}
	if err := p.store.MarkSucceeded(context.WithoutCancel(ctx), task.ID, result); err != nil {
		// 轮次已经生效，重投会重复执行，只记录错误。
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	metrics.ObserveTurnJob("succeeded")
	logger.Audit().Info("轮次任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Bool("requires_confirmation", result.RequiresConfirmation),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := retryableTurnError(execErr)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	storeCtx := context.WithoutCancel(ctx)
	if storeErr := p.store.MarkFailed(storeCtx, task.ID, string(code), execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("轮次任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		metrics.ObserveTurnJob("failed")
		p.notify(storeCtx, events.TurnJobFailed, task, code, execErr)
		return nil
	}

	metrics.ObserveTurnJob("retried")
	p.notify(storeCtx, events.TurnJobRetried, task, code, execErr)
	if p.retryDelay > 0 {
		timer := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	if pubErr := p.producer.Publish(storeCtx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) notify(ctx context.Context, typ events.Type, task *Task, code xerrors.Code, cause error) {
	if p.notifier == nil {
		return
	}
	event := events.Event{
		Type:      typ,
		SessionID: task.SessionID,
		UserID:    task.UserID,
		Metadata: map[string]string{
			"task_id":     task.ID,
			"error_code":  string(code),
			"error":       cause.Error(),
			"attempts":    strconv.Itoa(task.Attempts),
			"max_retries": strconv.Itoa(task.MaxRetries),
		},
		OccurredAt: time.Now().UTC(),
	}
	if err := p.notifier.Notify(ctx, event); err != nil {
		p.logger.Error("任务事件通知失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
