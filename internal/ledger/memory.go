package ledger

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"OpenMCP-Assistant/internal/session"
)

const shardCount = 32

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]map[string]session.LastAction
}

// MemoryLedger 按会话 ID 分片保存撤销记录。
type MemoryLedger struct {
	shards    [shardCount]*memoryShard
	retention time.Duration
	now       func() time.Time
}

var (
	_ Ledger         = (*MemoryLedger)(nil)
	_ session.Purger = (*MemoryLedger)(nil)
)

// MemoryOption 定义可选配置。
type MemoryOption func(*MemoryLedger)

// WithRetention 设置截止时间之后的保留时长。
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryLedger) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLedger) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	m := &MemoryLedger{retention: DefaultRetention, now: time.Now}
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]map[string]session.LastAction)}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *MemoryLedger) shard(sessionID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return m.shards[h.Sum32()%shardCount]
}

// Record 覆盖该领域之前的记录。
func (m *MemoryLedger) Record(_ context.Context, sessionID, domain string, action session.LastAction) error {
	shard := m.shard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	domains, ok := shard.entries[sessionID]
	if !ok {
		domains = make(map[string]session.LastAction)
		shard.entries[sessionID] = domains
	}
	domains[domain] = *cloneAction(action)
	return nil
}

// Lookup 返回记录副本；超过保留期的记录视为不存在。过期判断由调用方完成。
func (m *MemoryLedger) Lookup(_ context.Context, sessionID, domain string) (*session.LastAction, error) {
	shard := m.shard(sessionID)
	shard.mu.RLock()
	action, ok := shard.entries[sessionID][domain]
	shard.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !m.now().Before(action.UndoDeadline.Add(m.retention)) {
		_ = m.Invalidate(context.Background(), sessionID, domain)
		return nil, nil
	}
	return cloneAction(action), nil
}

// Invalidate 删除该领域的记录。
func (m *MemoryLedger) Invalidate(_ context.Context, sessionID, domain string) error {
	shard := m.shard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	domains, ok := shard.entries[sessionID]
	if !ok {
		return nil
	}
	delete(domains, domain)
	if len(domains) == 0 {
		delete(shard.entries, sessionID)
	}
	return nil
}

// Forget 删除会话的全部记录。
func (m *MemoryLedger) Forget(_ context.Context, sessionID string) error {
	shard := m.shard(sessionID)
	shard.mu.Lock()
	delete(shard.entries, sessionID)
	shard.mu.Unlock()
	return nil
}

// PurgeExpired 删除所有超过保留期的记录，返回删除数量。
func (m *MemoryLedger) PurgeExpired(_ context.Context) (int, error) {
	now := m.now()
	removed := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for sessionID, domains := range shard.entries {
			for domain, action := range domains {
				if !now.Before(action.UndoDeadline.Add(m.retention)) {
					delete(domains, domain)
					removed++
				}
			}
			if len(domains) == 0 {
				delete(shard.entries, sessionID)
			}
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

// Len 返回当前保存记录的会话数。
func (m *MemoryLedger) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}
