package ledger

import (
	"context"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
)

// ChargeFee 按当前配置版本的价格向代理收取 route 的手续费，并在同一原子单元内
// 拆分给验证者池、贡献者池与金库。零价格不产生任何写入。
func (e *Engine) ChargeFee(ctx context.Context, agent, route string) (FeeReceipt, error) {
	if err := validateAgentID(agent); err != nil {
		return FeeReceipt{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if IsPool(agent) {
		return FeeReceipt{}, ErrPoolAccount
	}
	currentEpoch, cfg, err := e.currentConfig(ctx)
	if err != nil {
		return FeeReceipt{}, err
	}
	fee := cfg.Fees.Price(route)
	receipt := FeeReceipt{
		Agent:         agent,
		Route:         route,
		Fee:           fee,
		ConfigVersion: cfg.Version,
		Epoch:         currentEpoch,
	}
	if fee.IsZero() {
		return receipt, nil
	}
	validators, contributors, treasury := cfg.FeeSplit.Split(fee)
	receipt.Validators, receipt.Contributors, receipt.Treasury = validators, contributors, treasury

	shares := []struct {
		pool string
		amt  amount.Amount
	}{
		{PoolValidators, validators},
		{PoolContributors, contributors},
		{PoolTreasury, treasury},
	}

	var records []Transaction
	keys := []string{agent, PoolValidators, PoolContributors, PoolTreasury}
	err = e.run(ctx, "charge_fee", keys, func(ctx context.Context, tx Tx) error {
		records = records[:0]
		now := e.now()
		payer, _, err := walletOrZero(ctx, tx, agent, now)
		if err != nil {
			return err
		}
		if payer.Available < fee {
			return insufficient(xerrors.CodeInsufficientBalance, "余额不足以支付手续费", fee, payer.Available)
		}
		payer.debit(fee)
		payer.UpdatedAt = now
		if err := tx.PutWallet(ctx, payer); err != nil {
			return err
		}
		for _, share := range shares {
			if share.amt.IsZero() {
				continue
			}
			pool, _, err := walletOrZero(ctx, tx, share.pool, now)
			if err != nil {
				return err
			}
			pool.credit(share.amt)
			pool.UpdatedAt = now
			if err := tx.PutWallet(ctx, pool); err != nil {
				return err
			}
			record := e.newTransaction(agent, share.pool, share.amt, KindFee, route, now)
			if err := tx.Append(ctx, record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return FeeReceipt{}, err
	}
	for _, r := range records {
		receipt.TxIDs = append(receipt.TxIDs, r.ID)
	}
	e.audit("ledger_fee", records...)
	return receipt, nil
}
