package ledger

import (
	"context"
	"fmt"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
)

// Stake 将可用余额转为质押，返回质押后的钱包。
// 质押与解押交易的 from 与 to 都是代理本人，余额总额不变。
func (e *Engine) Stake(ctx context.Context, agent string, amt amount.Amount) (Wallet, error) {
	return e.restake(ctx, "stake", agent, amt, KindStake)
}

// Unstake 将质押转回可用余额。
func (e *Engine) Unstake(ctx context.Context, agent string, amt amount.Amount) (Wallet, error) {
	return e.restake(ctx, "unstake", agent, amt, KindUnstake)
}

func (e *Engine) restake(ctx context.Context, operation, agent string, amt amount.Amount, kind Kind) (Wallet, error) {
	if err := validateAgentID(agent); err != nil {
		return Wallet{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if IsPool(agent) {
		return Wallet{}, ErrPoolAccount
	}
	if !amt.IsPositive() {
		return Wallet{}, xerrors.New(xerrors.CodeInvalidParameter, "金额必须大于 0")
	}

	var (
		wallet Wallet
		record Transaction
	)
	err := e.run(ctx, operation, []string{agent}, func(ctx context.Context, tx Tx) error {
		now := e.now()
		w, _, err := walletOrZero(ctx, tx, agent, now)
		if err != nil {
			return err
		}
		switch kind {
		case KindStake:
			if w.Available < amt {
				return insufficient(xerrors.CodeInsufficientFunds, "可用余额不足以质押", amt, w.Available)
			}
			w.Available -= amt
			w.Staked += amt
		case KindUnstake:
			if w.Staked < amt {
				return insufficient(xerrors.CodeInsufficientStake, "质押余额不足", amt, w.Staked)
			}
			w.Staked -= amt
			w.Available += amt
		}
		w.UpdatedAt = now
		if err := tx.PutWallet(ctx, w); err != nil {
			return err
		}
		record = e.newTransaction(agent, agent, amt, kind, "", now)
		wallet = w
		return tx.Append(ctx, record)
	})
	if err != nil {
		return Wallet{}, err
	}
	e.audit("ledger_"+operation, record)
	return wallet, nil
}

// Slash 按比例罚没代理的质押并转入金库。ratio 必须位于 (0, 1]。
// 罚没额向下取整为 0 时不写入任何记录。
func (e *Engine) Slash(ctx context.Context, agent string, ratio amount.Ratio, reason string) (SlashResult, error) {
	if err := validateAgentID(agent); err != nil {
		return SlashResult{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if ratio <= 0 || ratio > amount.One {
		return SlashResult{}, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("罚没比例 %s 必须位于 (0, 1]", ratio))
	}
	if agent == PoolTreasury {
		return SlashResult{}, xerrors.New(xerrors.CodeInvalidParameter, "不能罚没金库")
	}

	var (
		result SlashResult
		record Transaction
	)
	err := e.run(ctx, "slash", []string{agent, PoolTreasury}, func(ctx context.Context, tx Tx) error {
		now := e.now()
		w, err := tx.Wallet(ctx, agent)
		if err != nil {
			return err
		}
		slashed := w.Staked.MulRatio(ratio)
		result = SlashResult{Agent: agent, Slashed: slashed, Remaining: w.Staked}
		record = Transaction{}
		if slashed.IsZero() {
			return nil
		}
		treasury, _, err := walletOrZero(ctx, tx, PoolTreasury, now)
		if err != nil {
			return err
		}
		w.Staked -= slashed
		w.Balance -= slashed
		w.UpdatedAt = now
		treasury.credit(slashed)
		treasury.UpdatedAt = now
		if err := tx.PutWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, treasury); err != nil {
			return err
		}
		record = e.newTransaction(agent, PoolTreasury, slashed, KindSlash, reason, now)
		result.Remaining = w.Staked
		result.TxID = record.ID
		return tx.Append(ctx, record)
	})
	if err != nil {
		return SlashResult{}, err
	}
	if record.ID != "" {
		e.audit("ledger_slash", record)
	}
	return result, nil
}

// SlashForReason 按协议参数中原因对应的比例罚没。
func (e *Engine) SlashForReason(ctx context.Context, agent, reason string) (SlashResult, error) {
	ratio, ok := e.params.SlashRatio(reason)
	if !ok {
		return SlashResult{}, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("未知的罚没原因: %s", reason))
	}
	return e.Slash(ctx, agent, ratio, reason)
}

// StakeOf 返回代理的质押额，钱包不存在时为 0。
func (e *Engine) StakeOf(ctx context.Context, agent string) (amount.Amount, error) {
	w, err := e.store.GetWallet(ctx, agent)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return amount.Zero, nil
		}
		return amount.Zero, err
	}
	return w.Staked, nil
}

// TotalStaked 返回全部钱包的质押总额。
func (e *Engine) TotalStaked(ctx context.Context) (amount.Amount, error) {
	return e.store.TotalStaked(ctx)
}

// IsValidator 判断代理质押是否达到当前配置的最低质押。
func (e *Engine) IsValidator(ctx context.Context, agent string) (bool, error) {
	status, err := e.StakeStatus(ctx, agent)
	if err != nil {
		return false, err
	}
	return status.IsValidator, nil
}

// StakeStatus 返回代理的质押情况。
func (e *Engine) StakeStatus(ctx context.Context, agent string) (StakeStatus, error) {
	if err := validateAgentID(agent); err != nil {
		return StakeStatus{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	_, cfg, err := e.currentConfig(ctx)
	if err != nil {
		return StakeStatus{}, err
	}
	status := StakeStatus{Agent: agent, MinStake: cfg.Staking.MinStake}
	w, err := e.store.GetWallet(ctx, agent)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return status, nil
		}
		return StakeStatus{}, err
	}
	status.Staked = w.Staked
	status.Available = w.Available
	status.IsValidator = w.Staked >= cfg.Staking.MinStake
	return status, nil
}
