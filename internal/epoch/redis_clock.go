package epoch

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "MEMEX-Node/internal/errors"
)

// DefaultRedisKey 为纪元计数器默认使用的键。
const DefaultRedisKey = "memex:epoch"

// RedisClock 使用 Redis 计数器在多个节点间共享纪元。
type RedisClock struct {
	client redis.Cmdable
	key    string
}

// NewRedisClock 创建基于 Redis 的时钟。
func NewRedisClock(client redis.Cmdable, key string) *RedisClock {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisClock{client: client, key: key}
}

// Current 实现 Clock，键不存在时视为纪元 0。
func (c *RedisClock) Current(ctx context.Context) (int64, error) {
	value, err := c.client.Get(ctx, c.key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取纪元失败")
	}
	return value, nil
}

// Advance 实现 Clock，INCRBY 保证多节点推进时不会丢失。
func (c *RedisClock) Advance(ctx context.Context, n int64) (int64, error) {
	if n < 1 {
		return 0, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("推进步长必须为正数: %d", n))
	}
	value, err := c.client.IncrBy(ctx, c.key, n).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进纪元失败")
	}
	return value, nil
}

// Seed 仅在键不存在时把纪元初始化为 start，已有值不会被覆盖。
func (c *RedisClock) Seed(ctx context.Context, start int64) (bool, error) {
	if start <= 0 {
		return false, nil
	}
	ok, err := c.client.SetNX(ctx, c.key, start, 0).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化纪元失败")
	}
	return ok, nil
}

var _ Clock = (*RedisClock)(nil)
