package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	payload   []byte
	digest    string
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// MemoryStore 以序列化字节保存会话，按会话 ID 分片加锁。
type MemoryStore struct {
	shards [shardCount]*memoryShard
	now    func() time.Time
}

// MemoryOption 定义 MemoryStore 的可选配置。
type MemoryOption func(*MemoryStore)

// WithMemoryClock 注入时钟，便于测试过期逻辑。
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ Revisioner = (*MemoryStore)(nil)
	_ Purger     = (*MemoryStore)(nil)
)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Get 实现 Store 接口，过期条目被视为不存在并惰性删除。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	entry, ok := m.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	return Decode(entry.payload)
}

// Revision 实现 Revisioner 接口。
func (m *MemoryStore) Revision(_ context.Context, id string) (string, error) {
	entry, ok := m.live(id)
	if !ok {
		return "", ErrNotFound
	}
	return entry.digest, nil
}

func (m *MemoryStore) live(id string) (memoryEntry, bool) {
	shard := m.shards[shardFor(id)]
	shard.mu.RLock()
	entry, ok := shard.entries[id]
	shard.mu.RUnlock()
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(entry.expiresAt) {
		shard.mu.Lock()
		if current, ok := shard.entries[id]; ok && !m.now().Before(current.expiresAt) {
			delete(shard.entries, id)
		}
		shard.mu.Unlock()
		return memoryEntry{}, false
	}
	return entry, true
}

// Put 实现 Store 接口。
func (m *MemoryStore) Put(_ context.Context, id string, s *Session, ttl time.Duration) error {
	if err := validatePut(id, s, ttl); err != nil {
		return err
	}
	payload, err := Encode(s)
	if err != nil {
		return err
	}
	shard := m.shards[shardFor(id)]
	shard.mu.Lock()
	shard.entries[id] = memoryEntry{payload: payload, digest: Digest(payload), expiresAt: m.now().Add(ttl)}
	shard.mu.Unlock()
	return nil
}

// Delete 实现 Store 接口。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	shard := m.shards[shardFor(id)]
	shard.mu.Lock()
	delete(shard.entries, id)
	shard.mu.Unlock()
	return nil
}

// PurgeExpired 清理所有过期条目，返回清理数量。
func (m *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	now := m.now()
	removed := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for id, entry := range shard.entries {
			if !now.Before(entry.expiresAt) {
				delete(shard.entries, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

// Len 返回当前条目数量（含尚未清理的过期条目）。
func (m *MemoryStore) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}
