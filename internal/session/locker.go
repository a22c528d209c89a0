package session

import (
	"context"
	"sync"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrSessionBusy 表示同一会话已有轮次在执行。
var ErrSessionBusy = xerrors.New(xerrors.CodeSessionBusy, "session busy")

// Locker 保证同一会话在一个轮次内被独占签出。
type Locker interface {
	Acquire(ctx context.Context, sessionID string) (release func(), err error)
}

type lockEntry struct {
	token chan struct{}
	refs  int
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// MemoryLocker 是进程内的会话锁，wait 为 0 时立即返回 busy。
type MemoryLocker struct {
	shards [shardCount]*lockShard
	wait   time.Duration
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker 创建 MemoryLocker。
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	l := &MemoryLocker{wait: wait}
	for i := range l.shards {
		l.shards[i] = &lockShard{locks: make(map[string]*lockEntry)}
	}
	return l
}

// Acquire 实现 Locker 接口。
func (l *MemoryLocker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	shard := l.shards[shardFor(sessionID)]
	shard.mu.Lock()
	entry, ok := shard.locks[sessionID]
	if !ok {
		entry = &lockEntry{token: make(chan struct{}, 1)}
		shard.locks[sessionID] = entry
	}
	entry.refs++
	shard.mu.Unlock()

	if err := l.take(ctx, entry); err != nil {
		l.unref(shard, sessionID, entry)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.token
			l.unref(shard, sessionID, entry)
		})
	}, nil
}

func (l *MemoryLocker) take(ctx context.Context, entry *lockEntry) error {
	if l.wait <= 0 {
		select {
		case entry.token <- struct{}{}:
			return nil
		default:
			return ErrSessionBusy
		}
	}
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case entry.token <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrSessionBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *MemoryLocker) unref(shard *lockShard, sessionID string, entry *lockEntry) {
	shard.mu.Lock()
	entry.refs--
	if entry.refs == 0 && shard.locks[sessionID] == entry {
		delete(shard.locks, sessionID)
	}
	shard.mu.Unlock()
}

// RedisLocker 使用 SET NX PX 实现跨进程会话锁。
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

var _ Locker = (*RedisLocker)(nil)

var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// NewRedisLocker 创建 RedisLocker，ttl 需覆盖一个轮次的最长耗时。
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl, wait time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "openmcp:session-lock:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, wait: wait, poll: 50 * time.Millisecond}
}

// Acquire 实现 Locker 接口。
func (r *RedisLocker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := r.prefix + sessionID
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, unavailable(err, "获取会话锁失败")
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, ErrSessionBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err()
		})
	}, nil
}
