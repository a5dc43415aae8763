package ledger

import (
	"context"
	"time"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
)

var (
	// ErrWalletNotFound 表示钱包不存在。
	ErrWalletNotFound = xerrors.New(xerrors.CodeNotFound, "钱包不存在")
	// ErrAlreadyClaimed 表示一次性领取键已被使用。
	ErrAlreadyClaimed = xerrors.New(xerrors.CodeAlreadyClaimed, "已领取")
	// ErrPoolAccount 表示系统池不能作为代理主动转出、质押或付费。
	ErrPoolAccount = xerrors.New(xerrors.CodeForbidden, "系统池不能作为代理发起操作")
)

// Tx 为一次原子更新中可见的读写视图。只能读写 Update 时声明的键。
type Tx interface {
	// Wallet 读取已加锁的钱包，包括本事务中已暂存的修改。
	Wallet(ctx context.Context, agent string) (Wallet, error)
	// PutWallet 暂存钱包修改，提交前校验不变量。
	PutWallet(ctx context.Context, w Wallet) error
	// Append 暂存一条交易记录。
	Append(ctx context.Context, t Transaction) error
	// Claim 占用一次性领取键，重复占用返回 ErrAlreadyClaimed。
	Claim(ctx context.Context, key string) error
}

// Store 为账本的持久化抽象。
type Store interface {
	// Update 对 keys 加锁后执行 fn，fn 返回 nil 时原子提交全部暂存修改。
	// 加锁超时或存储冲突时返回 CONTENTION 错误。
	Update(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error
	GetWallet(ctx context.Context, agent string) (Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)
	// ListTransactions 按时间倒序返回与 agent 相关的交易，agent 为空时返回全部；
	// limit <= 0 表示不限制。
	ListTransactions(ctx context.Context, agent string, limit int) ([]Transaction, error)
	TotalStaked(ctx context.Context) (amount.Amount, error)
	Close() error
}

func zeroWallet(agent string, now time.Time) Wallet {
	return Wallet{Agent: agent, UpdatedAt: now}
}

// walletOrZero 读取钱包，不存在时返回零余额钱包。
func walletOrZero(ctx context.Context, tx Tx, agent string, now time.Time) (Wallet, bool, error) {
	w, err := tx.Wallet(ctx, agent)
	if err == nil {
		return w, true, nil
	}
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		return zeroWallet(agent, now), false, nil
	}
	return Wallet{}, false, err
}
