// Package epoch 提供进程级单调递增的纪元时钟。
package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/pkg/logger"
)

// Clock 为纪元时钟，纪元只增不减。
type Clock interface {
	Current(ctx context.Context) (int64, error)
	// Advance 将纪元推进 n (n >= 1) 并返回推进后的值。
	Advance(ctx context.Context, n int64) (int64, error)
}

// MemoryClock 为单进程时钟。
type MemoryClock struct {
	mu    sync.RWMutex
	epoch int64
}

// NewMemoryClock 创建从 start 开始的内存时钟。
func NewMemoryClock(start int64) *MemoryClock {
	if start < 0 {
		start = 0
	}
	return &MemoryClock{epoch: start}
}

// Current 实现 Clock。
func (c *MemoryClock) Current(context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch, nil
}

// Advance 实现 Clock。
func (c *MemoryClock) Advance(_ context.Context, n int64) (int64, error) {
	if n < 1 {
		return 0, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("推进步长必须为正数: %d", n))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch += n
	return c.epoch, nil
}

// Set 仅允许向前设置纪元，用于测试与运维恢复。
func (c *MemoryClock) Set(epoch int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch < c.epoch {
		return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("纪元不能回退: %d < %d", epoch, c.epoch))
	}
	c.epoch = epoch
	return nil
}

// Ticker 按固定间隔推进时钟。
type Ticker struct {
	clock     Clock
	interval  time.Duration
	onAdvance func(ctx context.Context, epoch int64)
}

// NewTicker 创建推进器，onAdvance 可为空。
func NewTicker(clock Clock, interval time.Duration, onAdvance func(ctx context.Context, epoch int64)) *Ticker {
	return &Ticker{clock: clock, interval: interval, onAdvance: onAdvance}
}

// Run 阻塞直到 ctx 结束；interval <= 0 时直接返回。
func (t *Ticker) Run(ctx context.Context) error {
	if t.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := t.clock.Advance(ctx, 1)
			if err != nil {
				logger.L().Error("推进纪元失败", slog.Any("error", err))
				continue
			}
			logger.L().Debug("纪元已推进", slog.Int64("epoch", current))
			if t.onAdvance != nil {
				t.onAdvance(ctx, current)
			}
		}
	}
}

var _ Clock = (*MemoryClock)(nil)
