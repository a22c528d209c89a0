package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"
)

// DefaultTTL 是会话空闲过期时间的默认值。
const DefaultTTL = 5 * time.Minute

// ErrNotFound 表示会话不存在或已过期。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")

// Store 是带 TTL 的会话持久化接口。Put 返回时数据必须已写入持久层。
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, id string, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Revisioner 由能低成本返回会话内容摘要的存储实现。摘要与 Digest 的结果一致，
// 会话不存在或已过期时返回 ErrNotFound。
type Revisioner interface {
	Revision(ctx context.Context, id string) (string, error)
}

// Purger 由需要后台主动清理过期条目的存储实现。Redis 依赖键过期，无需实现。
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Digest 返回序列化会话的内容摘要（MD5 十六进制，与 MySQL MD5() 一致）。
func Digest(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

func unavailable(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, message)
}

func validatePut(id string, s *Session, ttl time.Duration) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if ttl <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "session ttl 必须大于 0")
	}
	return nil
}
