// Package keylock provides per-key mutual exclusion for in-memory stores.
// Keys are always acquired in sorted order so that callers locking
// overlapping key sets cannot deadlock.
package keylock

import (
	"context"
	stdErrors "errors"
	"sort"
	"sync"
	"time"
)

// ErrTimeout 表示在等待时限内未能获取全部锁。
var ErrTimeout = stdErrors.New("keylock: acquire timeout")

type slot struct {
	ch   chan struct{}
	refs int
}

// Locker 按键串行化访问。零值不可用，请使用 New。
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New 创建 Locker。
func New() *Locker {
	return &Locker{slots: make(map[string]*slot)}
}

// Acquire 按字典序获取 keys 上的锁，返回释放函数。
// 超过 timeout 仍未全部获取时释放已持有的锁并返回 ErrTimeout；
// timeout <= 0 表示只受 ctx 约束。
func (l *Locker) Acquire(ctx context.Context, keys []string, timeout time.Duration) (func(), error) {
	ordered := Normalize(keys)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	held := make([]string, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, key := range ordered {
		if err := l.lock(waitCtx, key); err != nil {
			release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrTimeout
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Normalize 去重并排序键集合。
func Normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (l *Locker) lock(ctx context.Context, key string) error {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key, s)
		return ctx.Err()
	}
}

func (l *Locker) unlock(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	l.unref(key, s)
}

func (l *Locker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
