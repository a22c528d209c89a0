package session

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 使用 Redis 字符串键保存会话，TTL 由 Redis 负责。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ Store      = (*RedisStore)(nil)
	_ Revisioner = (*RedisStore)(nil)
)

// NewRedisStore 创建 RedisStore。
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "openmcp:session:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisStore) revisionKey(id string) string {
	return r.prefix + id + "#rev"
}

// Get 实现 Store 接口。
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	payload, err := r.client.Get(ctx, r.key(id)).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err, "读取 Redis 会话失败")
	}
	return Decode(payload)
}

// Put 实现 Store 接口。
func (r *RedisStore) Put(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	if err := validatePut(id, s, ttl); err != nil {
		return err
	}
	payload, err := Encode(s)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(id), payload, ttl)
		pipe.Set(ctx, r.revisionKey(id), Digest(payload), ttl)
		return nil
	})
	if err != nil {
		return unavailable(err, "写入 Redis 会话失败")
	}
	return nil
}

// Revision 实现 Revisioner 接口。
func (r *RedisStore) Revision(ctx context.Context, id string) (string, error) {
	digest, err := r.client.Get(ctx, r.revisionKey(id)).Result()
	if stdErrors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable(err, "读取 Redis 会话摘要失败")
	}
	return digest, nil
}

// Delete 实现 Store 接口。
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id), r.revisionKey(id)).Err(); err != nil {
		return unavailable(err, "删除 Redis 会话失败")
	}
	return nil
}
