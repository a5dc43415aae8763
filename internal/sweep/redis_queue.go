package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "MEMEX-Node/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现作业队列，连接由调用方持有。
type RedisQueue struct {
	client redis.Cmdable
	queue  string
	wait   time.Duration
}

// NewRedisQueue 基于已建立的 Redis 连接创建队列。
func NewRedisQueue(client redis.Cmdable, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "memex:sweep"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 将作业投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, job string) error {
	if err := q.client.LPush(ctx, q.queue, job).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布作业失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取作业，处理失败的作业重新入队。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取作业失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				job := values[1]
				if handlerErr := handler(ctx, job); handlerErr != nil && xerrors.RetryableError(handlerErr) {
					_ = q.client.RPush(ctx, q.queue, job).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 不关闭共享的 Redis 连接。
func (q *RedisQueue) Close() error {
	return nil
}

var _ Queue = (*RedisQueue)(nil)
