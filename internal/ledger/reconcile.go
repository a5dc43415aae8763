package ledger

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/proofs"
	"MEMEX-Node/pkg/logger"
)

// Reconciliation 对比钱包状态与从交易日志重放得到的结果。
type Reconciliation struct {
	Agent      string        `json:"agent_id"`
	Wallet     Wallet        `json:"wallet"`
	LogBalance amount.Amount `json:"log_balance"`
	LogStaked  amount.Amount `json:"log_staked"`
	Consistent bool          `json:"consistent"`
}

// Reconcile 重放代理的全部交易并与钱包比对。
// 质押与解押的 from 与 to 相同，对余额的影响自动抵消。
func (e *Engine) Reconcile(ctx context.Context, agent string) (Reconciliation, error) {
	if err := validateAgentID(agent); err != nil {
		return Reconciliation{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	wallet, err := e.store.GetWallet(ctx, agent)
	if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return Reconciliation{}, err
	}
	if err != nil {
		wallet = Wallet{Agent: agent}
	}
	records, err := e.store.ListTransactions(ctx, agent, 0)
	if err != nil {
		return Reconciliation{}, err
	}

	result := Reconciliation{Agent: agent, Wallet: wallet}
	for _, r := range records {
		if r.To == agent {
			result.LogBalance += r.Amount
		}
		if r.From == agent {
			result.LogBalance -= r.Amount
		}
		switch r.Kind {
		case KindStake:
			result.LogStaked += r.Amount
		case KindUnstake:
			result.LogStaked -= r.Amount
		case KindSlash:
			if r.From == agent {
				result.LogStaked -= r.Amount
			}
		}
	}
	result.Consistent = result.LogBalance == wallet.Balance && result.LogStaked == wallet.Staked
	if !result.Consistent {
		logger.L().Error("账本对账不一致",
			slog.String("agent_id", agent),
			slog.String("wallet_balance", wallet.Balance.String()),
			slog.String("log_balance", result.LogBalance.String()),
			slog.String("wallet_staked", wallet.Staked.String()),
			slog.String("log_staked", result.LogStaked.String()),
		)
	}
	return result, nil
}

// Checkpoint 为某一时刻全部钱包状态的承诺。
type Checkpoint struct {
	Epoch       int64         `json:"epoch"`
	Root        common.Hash   `json:"root"`
	Wallets     int           `json:"wallets"`
	TotalSupply amount.Amount `json:"total_supply"`
	TotalStaked amount.Amount `json:"total_staked"`
}

// Checkpoint 按代理编号排序计算钱包状态的 Merkle 根。
func (e *Engine) Checkpoint(ctx context.Context) (Checkpoint, error) {
	current, err := e.clock.Current(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	wallets, err := e.store.ListWallets(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{Epoch: current, Wallets: len(wallets)}
	leaves := make([]common.Hash, 0, len(wallets))
	for _, w := range wallets {
		if err := w.Validate(); err != nil {
			return Checkpoint{}, xerrors.Wrap(xerrors.CodeInvariantViolation, err, "钱包状态不一致")
		}
		cp.TotalSupply += w.Balance
		cp.TotalStaked += w.Staked
		leaves = append(leaves, proofs.Leaf(w.Agent, w.Balance.Fixed(), w.Staked.Fixed(), w.Available.Fixed()))
	}
	cp.Root = proofs.MerkleRoot(leaves)
	logger.Audit().Info("ledger_checkpoint",
		slog.Int64("epoch", cp.Epoch),
		slog.String("root", cp.Root.Hex()),
		slog.Int("wallets", cp.Wallets),
		slog.String("total_supply", cp.TotalSupply.String()),
	)
	return cp, nil
}
