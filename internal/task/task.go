package task

import (
	stdErrors "errors"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/orchestrator"
)

// Status 表示异步轮次任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次轮次执行的回复。
type Result struct {
	Message              string `json:"message"`
	SessionID            string `json:"sessionId"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`
}

// Task 描述排队执行的一轮对话。
type Task struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	UserID     string  `json:"user_id"`
	Message    string  `json:"message"`
	Status     Status  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// TurnRequest 还原任务对应的轮次请求。
func (t *Task) TurnRequest() orchestrator.TurnRequest {
	return orchestrator.TurnRequest{Message: t.Message, SessionID: t.SessionID, UserID: t.UserID}
}

// Done 判断任务是否已进入终态。等待重试的任务回到 pending。
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "turn execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskExhausted):
		return target == CodeTaskExhausted
	}
	return false
}

// retryableTurnError 只有会话忙与存储暂时不可用会重新排队。
func retryableTurnError(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeSessionBusy) || xerrors.HasCode(err, xerrors.CodeStoreUnavailable)
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		result := *task.Result
		clone.Result = &result
	}
	return &clone
}
