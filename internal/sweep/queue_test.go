package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "MEMEX-Node/internal/errors"
)

func TestMemoryQueueRequeuesRetryableFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(8)
	if err := q.Publish(ctx, "rewards:1"); err != nil {
		t.Fatalf("发布失败: %v", err)
	}

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 2, func(ctx context.Context, job string) error {
			if attempts.Add(1) < 3 {
				return xerrors.New(xerrors.CodeContention, "busy")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("作业未被重试，已尝试 %d 次", attempts.Load())
	}
	cancel()
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := q.Publish(context.Background(), "proposal:p"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("关闭后发布应失败，实际 %v", err)
	}
}

// fakeRedisList 只实现队列使用的 list 命令。
type fakeRedisList struct {
	redis.Cmdable

	mu    sync.Mutex
	items []string
}

func (f *fakeRedisList) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.items = append([]string{v.(string)}, f.items...)
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeRedisList) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.items = append(f.items, v.(string))
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeRedisList) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	if n := len(f.items); n > 0 {
		last := f.items[n-1]
		f.items = f.items[:n-1]
		f.mu.Unlock()
		return redis.NewStringSliceResult([]string{keys[0], last}, nil)
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	case <-time.After(5 * time.Millisecond):
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
}

func TestRedisQueueDeliversFIFOAndRetriesAtTail(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := &fakeRedisList{}
	q, err := NewRedisQueue(client, RedisQueueConfig{Queue: "test", BlockWait: time.Millisecond})
	if err != nil {
		t.Fatalf("创建队列失败: %v", err)
	}
	for _, job := range []string{"proposal:a", "proposal:b"} {
		if err := q.Publish(ctx, job); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	failed := false
	result := make(chan error, 1)
	go func() {
		result <- q.Consume(ctx, 1, func(_ context.Context, job string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, job)
			if job == "proposal:a" && !failed {
				failed = true
				return xerrors.New(xerrors.CodeContention, "busy")
			}
			if len(seen) == 3 {
				cancel()
			}
			return nil
		})
	}()

	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled，实际 %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"proposal:a", "proposal:a", "proposal:b"}
	if len(seen) != len(want) {
		t.Fatalf("投递顺序不符合预期: %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("投递顺序不符合预期: %v", seen)
		}
	}
}

func TestNewRedisQueueRequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisQueue(nil, RedisQueueConfig{}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("缺少客户端应返回 INITIALIZATION_FAILURE，实际 %v", err)
	}
}
