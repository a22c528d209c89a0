// Package history keeps a short per-session log of finished turns. The
// decomposition step reads the latest entries as recent conversation context.
package history

import (
	"context"
	"time"
)

// Entry 是一轮对话的摘要。
type Entry struct {
	SessionID            string    `json:"session_id"`
	UserID               string    `json:"user_id"`
	UserText             string    `json:"user_text"`
	Reply                string    `json:"reply"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	Iterations           int       `json:"iterations"`
	CreatedAt            time.Time `json:"created_at"`
}

// Repository 抽象对话历史的持久化接口。
type Repository interface {
	Save(ctx context.Context, entry Entry) error
	// ListLatest 返回会话最近的 limit 条记录，按时间正序排列。
	ListLatest(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}
