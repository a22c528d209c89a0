// Package events fans orchestration events out to the audit log and to an
// optional message bus.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Assistant/pkg/logger"
)

// Type 是事件类型。
type Type string

const (
	TurnCompleted         Type = "turn.completed"
	ConfirmationRequested Type = "confirmation.requested"
	ConfirmationResolved  Type = "confirmation.resolved"
	UndoRecorded          Type = "undo.recorded"
	UndoExecuted          Type = "undo.executed"
	UndoExpired           Type = "undo.expired"
	StoreFailure          Type = "store.failure"
	TurnJobRetried        Type = "turn_job.retried"
	TurnJobFailed         Type = "turn_job.failed"
)

// Event 描述一次编排状态变化。
type Event struct {
	Type       Type              `json:"type"`
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责投递事件。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Fanout 将事件广播给多个通知器。
type Fanout struct {
	notifiers []Notifier
}

var _ Notifier = (*Fanout)(nil)

// NewFanout 创建 Fanout，忽略 nil 通知器。
func NewFanout(notifiers ...Notifier) *Fanout {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &Fanout{notifiers: set}
}

// Name 实现 Notifier。
func (f *Fanout) Name() string { return "fanout" }

// Notify 将事件投递至所有通知器，错误合并返回。
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("notifier %s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 把事件写入审计日志。
type LogNotifier struct{}

// Name 实现 Notifier。
func (LogNotifier) Name() string { return "log" }

// Notify 写入审计日志。
func (LogNotifier) Notify(ctx context.Context, event Event) error {
	attrs := []slog.Attr{}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Domain != "" {
		attrs = append(attrs, slog.String("domain", event.Domain))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.AuditEvent(ctx, string(event.Type), event.SessionID, attrs...)
	return nil
}
