package protocol

import (
	"fmt"
	"time"

	"MEMEX-Node/internal/amount"
)

// 计费路由键。
const (
	RouteVectorsStore  = "vectors.store"
	RouteVectorsSearch = "vectors.search"
	RouteTasks         = "tasks.submit"
)

// 可治理参数键。
const (
	KeyVectorsStorePrice  = "economy.fees.prices.vectors_store.flat"
	KeyVectorsSearchPrice = "economy.fees.prices.vectors_search.flat"
	KeyTasksPrice         = "economy.fees.prices.tasks.flat"
	KeyMinStake           = "economy.staking.min_stake"
)

// GovernableKeys 返回治理允许修改的参数键。
func GovernableKeys() []string {
	return []string{KeyVectorsStorePrice, KeyVectorsSearchPrice, KeyTasksPrice, KeyMinStake}
}

// IsGovernable 判断参数键是否在治理白名单内。
func IsGovernable(key string) bool {
	switch key {
	case KeyVectorsStorePrice, KeyVectorsSearchPrice, KeyTasksPrice, KeyMinStake:
		return true
	default:
		return false
	}
}

// FeeSchedule 为各计费路由的固定价格。
type FeeSchedule struct {
	VectorsStore  amount.Amount `json:"vectors_store" yaml:"vectors_store"`
	VectorsSearch amount.Amount `json:"vectors_search" yaml:"vectors_search"`
	Tasks         amount.Amount `json:"tasks" yaml:"tasks"`
}

// Price 返回路由对应的价格，未知路由免费。
func (f FeeSchedule) Price(route string) amount.Amount {
	switch route {
	case RouteVectorsStore:
		return f.VectorsStore
	case RouteVectorsSearch:
		return f.VectorsSearch
	case RouteTasks:
		return f.Tasks
	default:
		return amount.Zero
	}
}

// Validate 检查价格非负。
func (f FeeSchedule) Validate() error {
	if f.VectorsStore.IsNegative() || f.VectorsSearch.IsNegative() || f.Tasks.IsNegative() {
		return fmt.Errorf("手续费价格不能为负数")
	}
	return nil
}

// FeeSplit 描述手续费在验证者池、贡献者池与金库之间的拆分比例。
type FeeSplit struct {
	Validators   amount.Ratio `json:"validators" yaml:"validators"`
	Contributors amount.Ratio `json:"contributors" yaml:"contributors"`
	Treasury     amount.Ratio `json:"treasury" yaml:"treasury"`
}

// Validate 检查拆分比例之和为 1。
func (s FeeSplit) Validate() error {
	if s.Validators < 0 || s.Contributors < 0 || s.Treasury < 0 {
		return fmt.Errorf("手续费拆分比例不能为负数")
	}
	if s.Validators+s.Contributors+s.Treasury != amount.One {
		return fmt.Errorf("手续费拆分比例之和必须为 1")
	}
	return nil
}

// Split 拆分手续费：前两份向下取整，余数计入金库，三份之和恒等于 fee。
func (s FeeSplit) Split(fee amount.Amount) (validators, contributors, treasury amount.Amount) {
	validators = fee.MulRatio(s.Validators)
	contributors = fee.MulRatio(s.Contributors)
	treasury = fee - validators - contributors
	return validators, contributors, treasury
}

// StakingParams 描述质押参数。
type StakingParams struct {
	MinStake amount.Amount `json:"min_stake" yaml:"min_stake"`
}

// ConfigVersion 为某一纪元起生效的经济参数快照，创建后不可修改。
type ConfigVersion struct {
	Version        int64         `json:"version"`
	EffectiveEpoch int64         `json:"effective_epoch"`
	Fees           FeeSchedule   `json:"fees"`
	FeeSplit       FeeSplit      `json:"fee_split"`
	Staking        StakingParams `json:"staking"`
	SourceProposal string        `json:"source_proposal,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Genesis 根据协议参数构造版本 0，当存储中没有任何版本时作为当前配置。
func Genesis(params Parameters) ConfigVersion {
	return ConfigVersion{
		Version:        0,
		EffectiveEpoch: 0,
		Fees:           params.Fees,
		FeeSplit:       params.FeeSplit,
		Staking:        params.Staking,
	}
}

// Change 为单个参数修改。
type Change struct {
	Key      string        `json:"key"`
	NewValue amount.Amount `json:"new_value"`
}

// ValidateChanges 校验修改列表：非空、键在白名单内、键不重复、值非负。
func ValidateChanges(changes []Change) error {
	if len(changes) == 0 {
		return fmt.Errorf("修改列表不能为空")
	}
	seen := make(map[string]struct{}, len(changes))
	for _, change := range changes {
		if !IsGovernable(change.Key) {
			return fmt.Errorf("参数 %s 不允许通过治理修改", change.Key)
		}
		if _, dup := seen[change.Key]; dup {
			return fmt.Errorf("参数 %s 重复出现", change.Key)
		}
		seen[change.Key] = struct{}{}
		if change.NewValue.IsNegative() {
			return fmt.Errorf("参数 %s 的新值不能为负数", change.Key)
		}
		if change.Key == KeyMinStake && change.NewValue.IsZero() {
			return fmt.Errorf("参数 %s 必须大于 0", change.Key)
		}
	}
	return nil
}

// Apply 以 base 为模板生成应用修改后的新版本，版本号由存储分配。
func Apply(base ConfigVersion, changes []Change) (ConfigVersion, error) {
	next := base
	next.Version = 0
	next.SourceProposal = ""
	next.CreatedAt = time.Time{}
	for _, change := range changes {
		switch change.Key {
		case KeyVectorsStorePrice:
			next.Fees.VectorsStore = change.NewValue
		case KeyVectorsSearchPrice:
			next.Fees.VectorsSearch = change.NewValue
		case KeyTasksPrice:
			next.Fees.Tasks = change.NewValue
		case KeyMinStake:
			next.Staking.MinStake = change.NewValue
		default:
			return ConfigVersion{}, fmt.Errorf("参数 %s 不允许通过治理修改", change.Key)
		}
	}
	return next, nil
}
