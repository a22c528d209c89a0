package ledger

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/session"

	"github.com/redis/go-redis/v9"
)

// RedisLedger 每个会话对应一个 hash，字段为领域名。
type RedisLedger struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger 创建 RedisLedger。
func NewRedisLedger(client redis.UniversalClient, prefix string, retention time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "openmcp:undo:"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLedger{client: client, prefix: prefix, retention: retention, now: time.Now}
}

func (r *RedisLedger) key(sessionID string) string {
	return r.prefix + sessionID
}

// Record 写入记录并把整个 hash 的过期时间延长到截止时间之后的保留期。
func (r *RedisLedger) Record(ctx context.Context, sessionID, domain string, action session.LastAction) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化撤销记录失败")
	}
	ttl := action.UndoDeadline.Add(r.retention).Sub(r.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	key := r.key(sessionID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, domain, payload)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "写入撤销记录失败")
	}
	return nil
}

// Lookup 实现 Ledger 接口。
func (r *RedisLedger) Lookup(ctx context.Context, sessionID, domain string) (*session.LastAction, error) {
	payload, err := r.client.HGet(ctx, r.key(sessionID), domain).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "读取撤销记录失败")
	}
	var action session.LastAction
	if err := json.Unmarshal(payload, &action); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析撤销记录失败")
	}
	if !r.now().Before(action.UndoDeadline.Add(r.retention)) {
		return nil, nil
	}
	return &action, nil
}

// Invalidate 实现 Ledger 接口。
func (r *RedisLedger) Invalidate(ctx context.Context, sessionID, domain string) error {
	if err := r.client.HDel(ctx, r.key(sessionID), domain).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "删除撤销记录失败")
	}
	return nil
}

// Forget 实现 Ledger 接口。
func (r *RedisLedger) Forget(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "删除撤销记录失败")
	}
	return nil
}
