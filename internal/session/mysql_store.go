package session

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"
)

// MySQLStore 把会话保存在 orchestration_sessions 表中，过期时间以毫秒存储。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ Store      = (*MySQLStore)(nil)
	_ Revisioner = (*MySQLStore)(nil)
	_ Purger     = (*MySQLStore)(nil)
)

// NewMySQLStore 使用已迁移的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const (
	mysqlSelectSession  = `SELECT payload FROM orchestration_sessions WHERE id = ? AND expires_at > ?`
	mysqlSelectRevision = `SELECT MD5(payload) FROM orchestration_sessions WHERE id = ? AND expires_at > ?`
	mysqlUpsertSession  = `INSERT INTO orchestration_sessions (id, user_id, payload, expires_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE user_id = VALUES(user_id), payload = VALUES(payload), expires_at = VALUES(expires_at), updated_at = VALUES(updated_at)`
	mysqlDeleteSession  = `DELETE FROM orchestration_sessions WHERE id = ?`
	mysqlPurgeSessions  = `DELETE FROM orchestration_sessions WHERE expires_at <= ?`
)

// Get 实现 Store 接口。
func (m *MySQLStore) Get(ctx context.Context, id string) (*Session, error) {
	var payload []byte
	err := m.db.QueryRowContext(ctx, mysqlSelectSession, id, m.now().UnixMilli()).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err, "读取 MySQL 会话失败")
	}
	return Decode(payload)
}

// Revision 实现 Revisioner 接口，摘要在数据库端计算，不传输 payload。
func (m *MySQLStore) Revision(ctx context.Context, id string) (string, error) {
	var digest string
	err := m.db.QueryRowContext(ctx, mysqlSelectRevision, id, m.now().UnixMilli()).Scan(&digest)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable(err, "读取 MySQL 会话摘要失败")
	}
	return digest, nil
}

// Put 实现 Store 接口。
func (m *MySQLStore) Put(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	if err := validatePut(id, s, ttl); err != nil {
		return err
	}
	payload, err := Encode(s)
	if err != nil {
		return err
	}
	now := m.now()
	if _, err := m.db.ExecContext(ctx, mysqlUpsertSession, id, s.UserID, payload, now.Add(ttl).UnixMilli(), now.UnixMilli()); err != nil {
		return unavailable(err, "写入 MySQL 会话失败")
	}
	return nil
}

// Delete 实现 Store 接口。
func (m *MySQLStore) Delete(ctx context.Context, id string) error {
	if _, err := m.db.ExecContext(ctx, mysqlDeleteSession, id); err != nil {
		return unavailable(err, "删除 MySQL 会话失败")
	}
	return nil
}

// PurgeExpired 删除已过期的会话行。
func (m *MySQLStore) PurgeExpired(ctx context.Context) (int, error) {
	result, err := m.db.ExecContext(ctx, mysqlPurgeSessions, m.now().UnixMilli())
	if err != nil {
		return 0, unavailable(err, "清理过期会话失败")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
