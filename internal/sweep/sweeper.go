package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"MEMEX-Node/internal/epoch"
	"MEMEX-Node/pkg/logger"
)

// PendingLister 返回仍可能发生状态变化的提案，governance.Engine 满足该接口。
type PendingLister interface {
	Pending(ctx context.Context) ([]string, error)
}

// SweeperOption 定义可选配置。
type SweeperOption func(*Sweeper)

// WithInterval 设置定时清扫间隔。
func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRewardBackfill 设置首次清扫时向前补发奖励的纪元数。
func WithRewardBackfill(epochs int64) SweeperOption {
	return func(s *Sweeper) {
		if epochs >= 0 {
			s.backfill = epochs
		}
	}
}

// Sweeper 定期把待推进的提案与已结束纪元的奖励发布为作业。
type Sweeper struct {
	proposals PendingLister
	clock     epoch.Clock
	producer  Producer
	interval  time.Duration
	backfill  int64

	mu         sync.Mutex
	nextReward int64
	started    bool
}

// NewSweeper 创建清扫器。
func NewSweeper(proposals PendingLister, clock epoch.Clock, producer Producer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		proposals: proposals,
		clock:     clock,
		producer:  producer,
		interval:  30 * time.Second,
		backfill:  24,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sweep 发布一轮作业并返回发布数量。纪元 e 在当前纪元大于 e 时视为结束。
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	current, err := s.clock.Current(ctx)
	if err != nil {
		return 0, err
	}

	published := 0
	ids, err := s.proposals.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.producer.Publish(ctx, ProposalJob(id).String()); err != nil {
			return published, err
		}
		published++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.nextReward = current - s.backfill
		if s.nextReward < 0 {
			s.nextReward = 0
		}
		s.started = true
	}
	for s.nextReward < current {
		if err := s.producer.Publish(ctx, RewardsJob(s.nextReward).String()); err != nil {
			return published, err
		}
		s.nextReward++
		published++
	}
	return published, nil
}

// OnEpoch 可作为 epoch.Ticker 的回调，在纪元推进后立即清扫。
func (s *Sweeper) OnEpoch(ctx context.Context, current int64) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		logger.L().Error("纪元推进后清扫失败", slog.Int64("epoch", current), slog.Any("error", err))
	}
}

// Run 按间隔循环清扫，直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if n, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.L().Error("清扫失败", slog.Any("error", err))
		} else if n > 0 {
			logger.L().Debug("清扫已发布作业", slog.Int("jobs", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
