package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "OpenMCP-Assistant/internal/errors"
)

// MemoryQueue 使用 channel 实现进程内队列，适用于单实例部署与测试。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将任务投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费任务，ctx 结束或队列关闭时返回。
// 处理器返回错误时任务重新入队。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-q.done:
					return nil
				case taskID := <-q.ch:
					if err := handler(gctx, taskID); err != nil {
						_ = q.Publish(gctx, taskID)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Len 返回排队中的任务数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列，正在运行的消费者随之退出。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
