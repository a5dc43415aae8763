package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"MEMEX-Node/internal/amount"
	"MEMEX-Node/internal/epoch"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/protocol"
	"MEMEX-Node/pkg/logger"
)

// Observer 接收每次账本操作的结果，用于指标统计。
type Observer func(operation string, err error, elapsed time.Duration)

// Option 配置 Engine。
type Option func(*Engine)

// WithMaxRetries 设置遇到并发冲突时的最大重试次数。
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithRetryBackoff 设置首次重试前的等待时间，之后按指数增长。
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.backoff = d
		}
	}
}

// WithObserver 注册操作观察者。
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithClockFunc 覆盖时间来源，主要用于测试。
func WithClockFunc(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine 负责全部价值转移，所有多字段修改都在单个 Store.Update 内完成。
type Engine struct {
	store      Store
	versions   *protocol.Versions
	clock      epoch.Clock
	params     protocol.Parameters
	maxRetries int
	backoff    time.Duration
	observer   Observer
	now        func() time.Time
}

// NewEngine 创建账本引擎。
func NewEngine(store Store, versions *protocol.Versions, clock epoch.Clock, params protocol.Parameters, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		versions:   versions,
		clock:      clock,
		params:     params,
		maxRetries: 3,
		backoff:    10 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Parameters 返回引擎使用的协议参数。
func (e *Engine) Parameters() protocol.Parameters {
	return e.params
}

// Register 确保代理钱包存在，返回当前钱包。
func (e *Engine) Register(ctx context.Context, agent string) (Wallet, error) {
	if err := validateAgentID(agent); err != nil {
		return Wallet{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if w, err := e.store.GetWallet(ctx, agent); err == nil {
		return w, nil
	} else if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return Wallet{}, err
	}

	var wallet Wallet
	err := e.run(ctx, "register", []string{agent}, func(ctx context.Context, tx Tx) error {
		w, existed, err := walletOrZero(ctx, tx, agent, e.now())
		if err != nil {
			return err
		}
		wallet = w
		if existed {
			return nil
		}
		return tx.PutWallet(ctx, w)
	})
	if err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// GetWallet 返回钱包快照。
func (e *Engine) GetWallet(ctx context.Context, agent string) (Wallet, error) {
	if err := validateAgentID(agent); err != nil {
		return Wallet{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	return e.store.GetWallet(ctx, agent)
}

// History 返回代理最近的交易，limit 默认 100，最大 1000。
func (e *Engine) History(ctx context.Context, agent string, limit int) ([]Transaction, error) {
	if agent != "" {
		if err := validateAgentID(agent); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
		}
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return e.store.ListTransactions(ctx, agent, limit)
}

// Transfer 从 from 的可用余额向 to 转账。付款方不存在返回 NOT_FOUND，收款方不存在时自动创建。
func (e *Engine) Transfer(ctx context.Context, from, to string, amt amount.Amount, memo string) (Transaction, error) {
	if err := validateAgentID(from); err != nil {
		return Transaction{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if err := validateAgentID(to); err != nil {
		return Transaction{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if from == to {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidParameter, "不能向自己转账")
	}
	if IsPool(from) {
		return Transaction{}, ErrPoolAccount
	}
	if !amt.IsPositive() {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidParameter, "转账金额必须大于 0")
	}

	var record Transaction
	err := e.run(ctx, "transfer", []string{from, to}, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Wallet(ctx, from); err != nil {
			return err
		}
		var err error
		record, err = e.move(ctx, tx, from, to, amt, KindTransfer, memo)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	e.audit("ledger_transfer", record)
	return record, nil
}

// CreditFromPool 从系统池向代理发放代币。
func (e *Engine) CreditFromPool(ctx context.Context, pool, to string, amt amount.Amount, kind Kind, memo string) (Transaction, error) {
	if !IsPool(pool) {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("%s 不是系统池", pool))
	}
	if err := validateAgentID(to); err != nil {
		return Transaction{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if pool == to {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidParameter, "不能向来源池自身发放")
	}
	if !amt.IsPositive() {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidParameter, "发放金额必须大于 0")
	}

	var record Transaction
	err := e.run(ctx, "credit_from_pool", []string{pool, to}, func(ctx context.Context, tx Tx) error {
		var err error
		record, err = e.move(ctx, tx, pool, to, amt, kind, memo)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	e.audit("ledger_pool_credit", record)
	return record, nil
}

// TreasuryTransfer 由创始人或治理从金库拨款，kind 只能是 founder_transfer 或 governance_adjustment。
func (e *Engine) TreasuryTransfer(ctx context.Context, to string, amt amount.Amount, kind Kind, memo string) (Transaction, error) {
	if kind != KindFounderTransfer && kind != KindGovernanceAdjustment {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("不支持的金库拨款类型: %s", kind))
	}
	return e.CreditFromPool(ctx, PoolTreasury, to, amt, kind, memo)
}

// move 在事务内完成一次扣减与入账并记录交易。
func (e *Engine) move(ctx context.Context, tx Tx, from, to string, amt amount.Amount, kind Kind, memo string) (Transaction, error) {
	now := e.now()
	src, _, err := walletOrZero(ctx, tx, from, now)
	if err != nil {
		return Transaction{}, err
	}
	if src.Available < amt {
		return Transaction{}, insufficient(xerrors.CodeInsufficientFunds, "可用余额不足", amt, src.Available)
	}
	dst, _, err := walletOrZero(ctx, tx, to, now)
	if err != nil {
		return Transaction{}, err
	}
	src.debit(amt)
	src.UpdatedAt = now
	dst.credit(amt)
	dst.UpdatedAt = now
	if err := tx.PutWallet(ctx, src); err != nil {
		return Transaction{}, err
	}
	if err := tx.PutWallet(ctx, dst); err != nil {
		return Transaction{}, err
	}
	record := e.newTransaction(from, to, amt, kind, memo, now)
	if err := tx.Append(ctx, record); err != nil {
		return Transaction{}, err
	}
	return record, nil
}

// mint 向代理铸造代币，交易没有来源方。
func (e *Engine) mint(ctx context.Context, tx Tx, to string, amt amount.Amount, kind Kind, memo string) (Transaction, error) {
	now := e.now()
	dst, _, err := walletOrZero(ctx, tx, to, now)
	if err != nil {
		return Transaction{}, err
	}
	dst.credit(amt)
	dst.UpdatedAt = now
	if err := tx.PutWallet(ctx, dst); err != nil {
		return Transaction{}, err
	}
	record := e.newTransaction("", to, amt, kind, memo, now)
	if err := tx.Append(ctx, record); err != nil {
		return Transaction{}, err
	}
	return record, nil
}

func (e *Engine) newTransaction(from, to string, amt amount.Amount, kind Kind, memo string, now time.Time) Transaction {
	return Transaction{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amt,
		Kind:      kind,
		Memo:      memo,
		CreatedAt: now,
	}
}

// currentConfig 读取当前纪元与对应的配置版本。
func (e *Engine) currentConfig(ctx context.Context) (int64, protocol.ConfigVersion, error) {
	current, err := e.clock.Current(ctx)
	if err != nil {
		return 0, protocol.ConfigVersion{}, err
	}
	cfg, err := e.versions.Current(ctx, current)
	if err != nil {
		return 0, protocol.ConfigVersion{}, err
	}
	return current, cfg, nil
}

// run 执行一次原子更新，遇到 CONTENTION 时按指数退避重试。
func (e *Engine) run(ctx context.Context, operation string, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	start := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		err = e.store.Update(ctx, keys, fn)
		if err == nil || xerrors.CodeOf(err) != xerrors.CodeContention || attempt >= e.maxRetries {
			break
		}
		logger.L().Warn("账本更新冲突，准备重试",
			slog.String("operation", operation),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
		wait := e.backoff << attempt
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}
	if e.observer != nil {
		e.observer(operation, err, time.Since(start))
	}
	if err != nil && xerrors.ShouldAlert(err) {
		logger.L().Error("账本操作失败",
			slog.String("operation", operation),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}
	return err
}

func (e *Engine) audit(event string, records ...Transaction) {
	for _, r := range records {
		logger.Audit().Info(event,
			slog.String("tx_id", r.ID),
			slog.String("from", r.From),
			slog.String("to", r.To),
			slog.String("amount", r.Amount.String()),
			slog.String("kind", string(r.Kind)),
			slog.String("digest", r.Digest().Hex()),
		)
	}
}

func insufficient(code xerrors.Code, message string, required, available amount.Amount) error {
	return xerrors.New(code, message, xerrors.WithAmounts(required, available))
}
