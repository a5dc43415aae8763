package sweep

import (
	"context"
	"sync"

	xerrors "MEMEX-Node/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，用于单进程部署与测试。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将作业投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, job string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- job:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的作业，可重试的失败会重新入队。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, job); err != nil && xerrors.RetryableError(err) {
						q.requeue(job)
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// requeue 在队列未满且未关闭时重新投递作业，否则丢弃，下一轮清扫会补发。
func (q *MemoryQueue) requeue(job string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- job:
	default:
	}
}

// Len 返回排队中的作业数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
