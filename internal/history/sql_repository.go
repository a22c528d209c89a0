package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	sqlInsertTurn = `INSERT INTO turn_history
        (session_id, user_id, user_text, reply, requires_confirmation, iterations, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectLatest = `SELECT session_id, user_id, user_text, reply, requires_confirmation, iterations, created_at
        FROM turn_history WHERE session_id = ? ORDER BY id DESC LIMIT ?`
)

// defaultListLimit 在调用方未指定数量时使用。
const defaultListLimit = 20

// SQLRepository 把对话历史写入 MySQL 的 turn_history 表。
type SQLRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository 使用已迁移的连接池创建仓库。
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Save 实现 Repository。
func (s *SQLRepository) Save(ctx context.Context, entry Entry) error {
	if _, err := s.db.ExecContext(ctx, sqlInsertTurn,
		entry.SessionID,
		entry.UserID,
		entry.UserText,
		entry.Reply,
		entry.RequiresConfirmation,
		entry.Iterations,
		entry.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入对话历史失败: %w", err)
	}
	return nil
}

// ListLatest 实现 Repository。
func (s *SQLRepository) ListLatest(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, sqlSelectLatest, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询对话历史失败: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			createdAt int64
		)
		if err := rows.Scan(&entry.SessionID, &entry.UserID, &entry.UserText, &entry.Reply,
			&entry.RequiresConfirmation, &entry.Iterations, &createdAt); err != nil {
			return nil, fmt.Errorf("解析对话历史失败: %w", err)
		}
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历对话历史失败: %w", err)
	}

	// 查询结果为倒序，翻转为正序。
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
