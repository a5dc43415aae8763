// Package protocol 定义代币经济的协议参数与按纪元生效的配置版本。
package protocol

import (
	stdErrors "errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"MEMEX-Node/internal/amount"
)

// Parameters 描述节点启动时加载的协议常量，治理只能修改其中的可治理子集。
type Parameters struct {
	Supply     SupplyParams             `yaml:"supply"`
	Fees       FeeSchedule              `yaml:"fees"`
	FeeSplit   FeeSplit                 `yaml:"fee_split"`
	Staking    StakingParams            `yaml:"staking"`
	Slashing   SlashingParams           `yaml:"slashing"`
	Governance GovernanceParams         `yaml:"governance"`
	Rewards    RewardParams             `yaml:"rewards"`
	Faucet     FaucetParams             `yaml:"faucet"`
	Missions   map[string]amount.Amount `yaml:"missions"`
}

// SupplyParams 描述总量及创世分配。
type SupplyParams struct {
	MaxSupply  amount.Amount `yaml:"max_supply"`
	RewardPool amount.Ratio  `yaml:"reward_pool"`
	Ecosystem  amount.Ratio  `yaml:"ecosystem"`
	Treasury   amount.Ratio  `yaml:"treasury"`
}

// SlashingParams 描述不同原因对应的罚没比例。
type SlashingParams struct {
	Malicious     amount.Ratio `yaml:"malicious"`
	BadSubmission amount.Ratio `yaml:"bad_submission"`
}

// GovernanceParams 描述治理流程常量。
type GovernanceParams struct {
	MinStakeToPropose     amount.Amount `yaml:"min_stake_to_propose"`
	QuorumRatio           amount.Ratio  `yaml:"quorum_ratio"`
	PassRatio             amount.Ratio  `yaml:"pass_ratio"`
	VotingPeriodEpochs    int64         `yaml:"voting_period_epochs"`
	ActivationDelayEpochs int64         `yaml:"activation_delay_epochs"`
}

// RewardParams 描述奖励池的线性释放计划。
type RewardParams struct {
	ReleaseYears    int64        `yaml:"release_years"`
	EpochsPerYear   int64        `yaml:"epochs_per_year"`
	ValidatorsShare amount.Ratio `yaml:"validators_share"`
	TreasuryShare   amount.Ratio `yaml:"treasury_share"`
}

// FaucetParams 描述每个代理可领取一次的水龙头额度。
type FaucetParams struct {
	PerAgent amount.Amount `yaml:"per_agent"`
}

// DefaultParameters 返回内置的协议常量。
func DefaultParameters() Parameters {
	return Parameters{
		Supply: SupplyParams{
			MaxSupply:  amount.Tokens(1_000_000_000),
			RewardPool: amount.MustRatio("0.60"),
			Ecosystem:  amount.MustRatio("0.25"),
			Treasury:   amount.MustRatio("0.15"),
		},
		Fees: FeeSchedule{
			VectorsStore:  amount.MustParse("0.01"),
			VectorsSearch: amount.MustParse("0.0001"),
			Tasks:         amount.MustParse("0.01"),
		},
		FeeSplit: FeeSplit{
			Validators:   amount.MustRatio("0.70"),
			Contributors: amount.MustRatio("0.20"),
			Treasury:     amount.MustRatio("0.10"),
		},
		Staking: StakingParams{MinStake: amount.Tokens(10)},
		Slashing: SlashingParams{
			Malicious:     amount.MustRatio("0.20"),
			BadSubmission: amount.MustRatio("0.50"),
		},
		Governance: GovernanceParams{
			MinStakeToPropose:     amount.Tokens(10),
			QuorumRatio:           amount.MustRatio("0.20"),
			PassRatio:             amount.MustRatio("0.67"),
			VotingPeriodEpochs:    100,
			ActivationDelayEpochs: 50,
		},
		Rewards: RewardParams{
			ReleaseYears:    10,
			EpochsPerYear:   8760,
			ValidatorsShare: amount.MustRatio("0.80"),
			TreasuryShare:   amount.MustRatio("0.20"),
		},
		Faucet: FaucetParams{PerAgent: amount.Tokens(1)},
		Missions: map[string]amount.Amount{
			"moltask_share_spec":      amount.Tokens(2),
			"moltask_integrate_memex": amount.Tokens(5),
		},
	}
}

// LoadParameters 从 YAML 文件加载协议参数，未出现的字段沿用默认值。
// path 为空或文件不存在时直接返回默认值。
func LoadParameters(path string) (Parameters, error) {
	params := DefaultParameters()
	if path == "" {
		return params, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return params, nil
		}
		return Parameters{}, fmt.Errorf("读取协议参数失败: %w", err)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return Parameters{}, fmt.Errorf("解析协议参数失败: %w", err)
	}
	if err := params.Validate(); err != nil {
		return Parameters{}, err
	}
	return params, nil
}

// Validate 校验参数的内部一致性。
func (p Parameters) Validate() error {
	if !p.Supply.MaxSupply.IsPositive() {
		return fmt.Errorf("supply.max_supply 必须大于 0")
	}
	if p.Supply.RewardPool+p.Supply.Ecosystem+p.Supply.Treasury != amount.One {
		return fmt.Errorf("supply 分配比例之和必须为 1")
	}
	if err := p.FeeSplit.Validate(); err != nil {
		return err
	}
	if err := p.Fees.Validate(); err != nil {
		return err
	}
	if !p.Staking.MinStake.IsPositive() {
		return fmt.Errorf("staking.min_stake 必须大于 0")
	}
	for name, r := range map[string]amount.Ratio{
		"slashing.malicious":      p.Slashing.Malicious,
		"slashing.bad_submission": p.Slashing.BadSubmission,
		"governance.quorum_ratio": p.Governance.QuorumRatio,
		"governance.pass_ratio":   p.Governance.PassRatio,
	} {
		if r <= 0 || r > amount.One {
			return fmt.Errorf("%s 必须位于 (0, 1]", name)
		}
	}
	if p.Governance.VotingPeriodEpochs <= 0 {
		return fmt.Errorf("governance.voting_period_epochs 必须大于 0")
	}
	if p.Governance.ActivationDelayEpochs < 0 {
		return fmt.Errorf("governance.activation_delay_epochs 不能为负数")
	}
	if p.Rewards.ReleaseYears <= 0 || p.Rewards.EpochsPerYear <= 0 {
		return fmt.Errorf("rewards 释放周期必须大于 0")
	}
	if p.Rewards.ValidatorsShare+p.Rewards.TreasuryShare != amount.One {
		return fmt.Errorf("rewards 分配比例之和必须为 1")
	}
	for mission, reward := range p.Missions {
		if !reward.IsPositive() {
			return fmt.Errorf("任务 %s 的奖励必须大于 0", mission)
		}
	}
	return nil
}

// Allocation 描述创世时各系统池的铸造额度。
type Allocation struct {
	RewardPool amount.Amount
	Ecosystem  amount.Amount
	Treasury   amount.Amount
}

// GenesisAllocation 返回创世分配，舍入差额计入金库以保证总和等于总量。
func (p Parameters) GenesisAllocation() Allocation {
	rewards := p.Supply.MaxSupply.MulRatio(p.Supply.RewardPool)
	ecosystem := p.Supply.MaxSupply.MulRatio(p.Supply.Ecosystem)
	return Allocation{
		RewardPool: rewards,
		Ecosystem:  ecosystem,
		Treasury:   p.Supply.MaxSupply - rewards - ecosystem,
	}
}

// RewardPerEpoch 返回每个纪元从奖励池释放的额度。
func (p Parameters) RewardPerEpoch() amount.Amount {
	pool := p.Supply.MaxSupply.MulRatio(p.Supply.RewardPool)
	return pool.DivFloor(p.Rewards.ReleaseYears * p.Rewards.EpochsPerYear)
}

// SlashRatio 返回指定原因对应的罚没比例。
func (p Parameters) SlashRatio(reason string) (amount.Ratio, bool) {
	switch reason {
	case "malicious":
		return p.Slashing.Malicious, true
	case "bad_submission":
		return p.Slashing.BadSubmission, true
	default:
		return 0, false
	}
}
