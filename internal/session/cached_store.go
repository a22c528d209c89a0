package session

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedStore 在持久层前放置进程内缓存。写操作先落持久层再更新缓存，
// 空闲条目由 go-cache 的后台清理协程回收。
//
// 会话可能由其他实例改写，因此缓存命中前会向持久层查询内容摘要，
// 摘要不一致时丢弃本地副本重新读取。持久层未实现 Revisioner 时不使用缓存。
type CachedStore struct {
	backing   Store
	revisions Revisioner
	cache     *cache.Cache
}

type cachedEntry struct {
	payload []byte
	digest  string
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore 创建写穿缓存，idle 为缓存条目的空闲过期时间，sweep 为清理间隔。
func NewCachedStore(backing Store, idle, sweep time.Duration) *CachedStore {
	if idle <= 0 {
		idle = DefaultTTL
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	revisions, _ := backing.(Revisioner)
	return &CachedStore{backing: backing, revisions: revisions, cache: cache.New(idle, sweep)}
}

// Get 在本地副本与持久层摘要一致时直接返回缓存内容。
func (c *CachedStore) Get(ctx context.Context, id string) (*Session, error) {
	if entry, ok := c.lookup(id); ok && c.revisions != nil {
		current, err := c.revisions.Revision(ctx, id)
		if err != nil {
			if stdErrors.Is(err, ErrNotFound) {
				c.cache.Delete(id)
			}
			return nil, err
		}
		if current == entry.digest {
			return Decode(entry.payload)
		}
		c.cache.Delete(id)
	}

	s, err := c.backing.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payload, err := Encode(s); err == nil {
		c.cache.SetDefault(id, cachedEntry{payload: payload, digest: Digest(payload)})
	}
	return s, nil
}

// Put 写穿到持久层，成功后才刷新缓存。
func (c *CachedStore) Put(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	if err := c.backing.Put(ctx, id, s, ttl); err != nil {
		c.cache.Delete(id)
		return err
	}
	payload, err := Encode(s)
	if err != nil {
		return err
	}
	c.cache.Set(id, cachedEntry{payload: payload, digest: Digest(payload)}, ttl)
	return nil
}

// Delete 同时删除缓存与持久层。
func (c *CachedStore) Delete(ctx context.Context, id string) error {
	c.cache.Delete(id)
	return c.backing.Delete(ctx, id)
}

// PurgeExpired 转发给支持清理的持久层。
func (c *CachedStore) PurgeExpired(ctx context.Context) (int, error) {
	if p, ok := c.backing.(Purger); ok {
		return p.PurgeExpired(ctx)
	}
	return 0, nil
}

// Cached 返回缓存中的条目数。
func (c *CachedStore) Cached() int {
	return c.cache.ItemCount()
}

func (c *CachedStore) lookup(id string) (cachedEntry, bool) {
	v, ok := c.cache.Get(id)
	if !ok {
		return cachedEntry{}, false
	}
	entry, ok := v.(cachedEntry)
	return entry, ok
}
