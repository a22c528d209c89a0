package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/pkg/logger"
)

// DefaultRedisQueueKey 是 Redis 队列默认使用的 list 键。
const DefaultRedisQueueKey = "openmcp:turn_jobs"

// RedisQueue 使用 Redis list 实现可靠队列：消费时用 BLMOVE 把任务移入
// <key>:processing，处理完成后再从中删除，进程崩溃遗留的任务由 Recover 归还。
type RedisQueue struct {
	client     redis.UniversalClient
	key        string
	processing string
	wait       time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue 基于共享的 Redis 客户端创建队列。
func NewRedisQueue(client redis.UniversalClient, key string, wait time.Duration) *RedisQueue {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultRedisQueueKey
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, processing: key + ":processing", wait: wait}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Recover 把 processing 列表中遗留的任务移回队列，返回移动的数量。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Result()
		if stdErrors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 归还遗留任务失败")
		}
		moved++
	}
}

// Consume 启动 workerCount 个协程阻塞读取任务，ctx 结束时返回 nil。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if n, err := q.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.L().Warn("归还遗留的队列任务", slog.Int("count", n), slog.String("queue", q.key))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				taskID, err := q.client.BLMove(gctx, q.key, q.processing, "RIGHT", "LEFT", q.wait).Result()
				if err != nil {
					if stdErrors.Is(err, redis.Nil) {
						continue
					}
					if gctx.Err() != nil || stdErrors.Is(err, redis.ErrClosed) {
						return nil
					}
					return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
				}
				q.finish(gctx, taskID, handler(gctx, taskID))
			}
		})
	}
	return g.Wait()
}

// finish 从 processing 列表移除任务，处理失败时重新投递。
func (q *RedisQueue) finish(ctx context.Context, taskID string, handlerErr error) {
	ctx = context.WithoutCancel(ctx)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, taskID)
	if handlerErr != nil {
		pipe.LPush(ctx, q.key, taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.L().Error("Redis 确认任务失败", slog.Any("error", err), slog.String("task_id", taskID))
	}
}

// Close 队列不拥有客户端，关闭由调用方负责。
func (q *RedisQueue) Close() error {
	return nil
}
