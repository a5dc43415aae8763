// Package ledger 实现代理钱包、交易日志与所有价值转移操作。
// 账本是钱包状态的唯一写入方，也是交易日志的唯一生产者。
package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"MEMEX-Node/internal/amount"
)

// 系统池账户。
const (
	PoolTreasury     = "treasury"
	PoolEcosystem    = "ecosystem"
	PoolRewards      = "reward_pool"
	PoolValidators   = "validator_pool"
	PoolContributors = "contributor_pool"
)

const (
	maxAgentIDLength    = 128
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Pools 返回全部系统池。
func Pools() []string {
	return []string{PoolTreasury, PoolEcosystem, PoolRewards, PoolValidators, PoolContributors}
}

// IsPool 判断账户是否为系统池。
func IsPool(agent string) bool {
	switch agent {
	case PoolTreasury, PoolEcosystem, PoolRewards, PoolValidators, PoolContributors:
		return true
	default:
		return false
	}
}

// Kind 表示交易类型。
type Kind string

const (
	KindTransfer             Kind = "transfer"
	KindFee                  Kind = "fee"
	KindStake                Kind = "stake"
	KindUnstake              Kind = "unstake"
	KindSlash                Kind = "slash"
	KindReward               Kind = "reward"
	KindGenesis              Kind = "genesis"
	KindFaucet               Kind = "faucet"
	KindMissionReward        Kind = "mission_reward"
	KindFounderTransfer      Kind = "founder_transfer"
	KindGovernanceAdjustment Kind = "governance_adjustment"
)

// Wallet 为代理的钱包状态，始终满足 balance = staked + available。
type Wallet struct {
	Agent     string        `json:"agent_id"`
	Balance   amount.Amount `json:"balance"`
	Staked    amount.Amount `json:"staked"`
	Available amount.Amount `json:"available"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Validate 校验钱包不变量。
func (w Wallet) Validate() error {
	if w.Staked.IsNegative() || w.Available.IsNegative() {
		return fmt.Errorf("钱包 %s 出现负数: staked=%s available=%s", w.Agent, w.Staked, w.Available)
	}
	if w.Balance != w.Staked+w.Available {
		return fmt.Errorf("钱包 %s 余额不一致: balance=%s staked=%s available=%s",
			w.Agent, w.Balance, w.Staked, w.Available)
	}
	return nil
}

// credit 增加可用余额。
func (w *Wallet) credit(a amount.Amount) {
	w.Available += a
	w.Balance += a
}

// debit 减少可用余额，调用方负责检查余额充足。
func (w *Wallet) debit(a amount.Amount) {
	w.Available -= a
	w.Balance -= a
}

// Transaction 为追加写入的交易记录，From/To 为空表示铸造或销毁一侧不存在。
type Transaction struct {
	ID        string        `json:"id"`
	Seq       int64         `json:"seq"`
	From      string        `json:"from_agent_id,omitempty"`
	To        string        `json:"to_agent_id,omitempty"`
	Amount    amount.Amount `json:"amount"`
	Kind      Kind          `json:"type"`
	Memo      string        `json:"memo,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Digest 返回交易内容的 Keccak256 摘要，用于审计日志比对。
func (t Transaction) Digest() common.Hash {
	return crypto.Keccak256Hash(
		[]byte(t.ID),
		[]byte(t.From),
		[]byte(t.To),
		[]byte(t.Amount.Fixed()),
		[]byte(t.Kind),
		[]byte(t.Memo),
		[]byte(strconv.FormatInt(t.CreatedAt.Unix(), 10)),
	)
}

// FeeReceipt 描述一次手续费扣除及其拆分结果。
type FeeReceipt struct {
	Agent         string        `json:"agent_id"`
	Route         string        `json:"route"`
	Fee           amount.Amount `json:"fee"`
	Validators    amount.Amount `json:"validators"`
	Contributors  amount.Amount `json:"contributors"`
	Treasury      amount.Amount `json:"treasury"`
	ConfigVersion int64         `json:"config_version"`
	Epoch         int64         `json:"epoch"`
	TxIDs         []string      `json:"tx_ids,omitempty"`
}

// StakeStatus 描述代理的质押情况。
type StakeStatus struct {
	Agent       string        `json:"agent_id"`
	Staked      amount.Amount `json:"staked"`
	Available   amount.Amount `json:"available"`
	MinStake    amount.Amount `json:"min_stake"`
	IsValidator bool          `json:"is_validator"`
}

// SlashResult 描述一次罚没。
type SlashResult struct {
	Agent     string        `json:"agent_id"`
	Slashed   amount.Amount `json:"slashed"`
	Remaining amount.Amount `json:"remaining_stake"`
	TxID      string        `json:"tx_id,omitempty"`
}

// RewardRelease 描述一个纪元的奖励释放。
type RewardRelease struct {
	Epoch      int64         `json:"epoch"`
	Validators amount.Amount `json:"validators"`
	Treasury   amount.Amount `json:"treasury"`
	TxIDs      []string      `json:"tx_ids"`
}

func validateAgentID(agent string) error {
	if agent == "" {
		return fmt.Errorf("agent_id 不能为空")
	}
	if len(agent) > maxAgentIDLength {
		return fmt.Errorf("agent_id 长度不能超过 %d", maxAgentIDLength)
	}
	return nil
}
