package orchestrator

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/session"
)

// SessionView 是会话对外可见的部分，不包含任何领域的 working_data。
type SessionView struct {
	SessionID            string            `json:"sessionId"`
	UserID               string            `json:"userId"`
	Commands             []session.Command `json:"commands"`
	AccumulatedKnowledge string            `json:"accumulatedKnowledge"`
	AwaitingConfirmation map[string]string `json:"awaitingConfirmation,omitempty"`
	UndoDeadlines        map[string]string `json:"undoDeadlines,omitempty"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// InspectSession 返回会话概览，只允许会话所有者读取。
func (m *Master) InspectSession(ctx context.Context, sessionID, userID string) (*SessionView, error) {
	if sessionID == "" || userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sessionId 与 userId 不能为空")
	}
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, xerrors.New(xerrors.CodeSessionForbidden, "")
	}

	view := &SessionView{
		SessionID:            sess.ID,
		UserID:               sess.UserID,
		Commands:             append([]session.Command{}, sess.Master.CommandList...),
		AccumulatedKnowledge: sess.Master.AccumulatedKnowledge,
		UpdatedAt:            sess.UpdatedAt,
	}
	if awaiting := sess.AwaitingConfirmation(); len(awaiting) > 0 {
		view.AwaitingConfirmation = awaiting
	}
	for domain, state := range sess.SubAgents {
		if state == nil || state.LastAction == nil {
			continue
		}
		if view.UndoDeadlines == nil {
			view.UndoDeadlines = map[string]string{}
		}
		view.UndoDeadlines[domain] = state.LastAction.UndoDeadline.UTC().Format(time.RFC3339)
	}
	return view, nil
}

// DeleteSession 删除会话及其撤销记录。会话正在处理轮次时返回 busy。
func (m *Master) DeleteSession(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "sessionId 与 userId 不能为空")
	}
	release, err := m.cfg.locker.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return xerrors.New(xerrors.CodeSessionForbidden, "")
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	if err := m.cfg.ledger.Forget(ctx, sessionID); err != nil {
		m.logger.Warn("清理撤销记录失败", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	return nil
}
