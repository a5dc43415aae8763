package keylock

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	t.Parallel()

	locker := New()
	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), []string{"b", "a"}, time.Second)
			if err != nil {
				t.Errorf("获取锁失败: %v", err)
				return
			}
			if inside.Add(1) != 1 {
				t.Errorf("同一键被并发持有")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.slots) != 0 {
		t.Fatalf("释放后应清理全部槽位，剩余 %d", len(locker.slots))
	}
}

func TestAcquireTimesOut(t *testing.T) {
	t.Parallel()

	locker := New()
	release, err := locker.Acquire(context.Background(), []string{"wallet"}, time.Second)
	if err != nil {
		t.Fatalf("获取锁失败: %v", err)
	}
	defer release()

	_, err = locker.Acquire(context.Background(), []string{"other", "wallet"}, 20*time.Millisecond)
	if !stdErrors.Is(err, ErrTimeout) {
		t.Fatalf("期望超时错误，得到 %v", err)
	}

	// 超时后已持有的 other 必须被释放。
	again, err := locker.Acquire(context.Background(), []string{"other"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("other 应可再次获取: %v", err)
	}
	again()
}

func TestAcquireHonoursCancellation(t *testing.T) {
	t.Parallel()

	locker := New()
	release, _ := locker.Acquire(context.Background(), []string{"k"}, 0)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := locker.Acquire(ctx, []string{"k"}, time.Second); !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，得到 %v", err)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	got := Normalize([]string{"c", "a", "c", "b"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("归一化结果错误: %v", got)
	}
}
