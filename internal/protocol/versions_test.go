package protocol

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"MEMEX-Node/internal/amount"
)

func TestCurrentFallsBackToGenesis(t *testing.T) {
	t.Parallel()

	versions := NewVersions(NewMemoryVersionStore(), Genesis(DefaultParameters()))
	current, err := versions.Current(context.Background(), 42)
	if err != nil {
		t.Fatalf("查询当前版本失败: %v", err)
	}
	if current.Version != 0 || current.Staking.MinStake != amount.Tokens(10) {
		t.Fatalf("创世版本错误: %+v", current)
	}
	scheduled, err := versions.Scheduled(context.Background(), 42)
	if err != nil || scheduled != nil {
		t.Fatalf("不应存在已排期版本: %+v, %v", scheduled, err)
	}
}

func TestActivateSchedulesAndSwitchesAtEffectiveEpoch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	versions := NewVersions(NewMemoryVersionStore(), Genesis(DefaultParameters()))

	changes := []Change{{Key: KeyMinStake, NewValue: amount.Tokens(20)}}
	v1, err := versions.Activate(ctx, "p-1", 150, changes)
	if err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	if v1.Version != 1 || v1.EffectiveEpoch != 150 {
		t.Fatalf("版本字段错误: %+v", v1)
	}
	if v1.Fees != DefaultParameters().Fees {
		t.Fatalf("未修改的参数应从上一版本复制: %+v", v1.Fees)
	}

	snap, err := versions.Snapshot(ctx, 120)
	if err != nil {
		t.Fatalf("查询快照失败: %v", err)
	}
	if snap.Current.Version != 0 || snap.Scheduled == nil || snap.Scheduled.Version != 1 {
		t.Fatalf("纪元 120 的快照错误: %+v", snap)
	}

	current, _ := versions.Current(ctx, 150)
	if current.Staking.MinStake != amount.Tokens(20) {
		t.Fatalf("纪元 150 应生效新参数: %+v", current)
	}
}

func TestActivateIsIdempotentPerProposal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryVersionStore()
	versions := NewVersions(store, Genesis(DefaultParameters()))
	changes := []Change{{Key: KeyTasksPrice, NewValue: amount.MustParse("0.02")}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := versions.Activate(ctx, "p-dup", 10, changes); err != nil {
				t.Errorf("激活失败: %v", err)
			}
		}()
	}
	wg.Wait()

	all, _ := store.List(ctx)
	if len(all) != 1 {
		t.Fatalf("同一提案只能写入一个版本，实际 %d", len(all))
	}
}

func TestConcurrentActivationsBuildOnLatestVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryVersionStore()
	versions := NewVersions(store, Genesis(DefaultParameters()))
	changes := map[string]Change{
		"p-store":  {Key: KeyVectorsStorePrice, NewValue: amount.MustParse("0.3")},
		"p-search": {Key: KeyVectorsSearchPrice, NewValue: amount.MustParse("0.07")},
		"p-tasks":  {Key: KeyTasksPrice, NewValue: amount.MustParse("2")},
		"p-stake":  {Key: KeyMinStake, NewValue: amount.Tokens(25)},
	}
	epochs := map[string]int64{"p-store": 40, "p-search": 10, "p-tasks": 30, "p-stake": 20}

	var wg sync.WaitGroup
	for id, change := range changes {
		id, change := id, change
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := versions.Activate(ctx, id, epochs[id], []Change{change}); err != nil {
				t.Errorf("激活 %s 失败: %v", id, err)
			}
		}()
	}
	wg.Wait()

	all, _ := store.List(ctx)
	if len(all) != len(changes) {
		t.Fatalf("应写入 %d 个版本，实际 %d", len(changes), len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].EffectiveEpoch < all[i-1].EffectiveEpoch {
			t.Fatalf("生效纪元不应随版本号回退: %+v", all)
		}
	}
	latest, _ := versions.Current(ctx, 1000)
	if latest.Version != int64(len(changes)) ||
		latest.Fees.VectorsStore != amount.MustParse("0.3") ||
		latest.Fees.VectorsSearch != amount.MustParse("0.07") ||
		latest.Fees.Tasks != amount.MustParse("2") ||
		latest.Staking.MinStake != amount.Tokens(25) {
		t.Fatalf("最新版本应包含全部修改: %+v", latest)
	}
}

func TestValidateChanges(t *testing.T) {
	t.Parallel()

	cases := map[string][]Change{
		"empty":          nil,
		"unknown":        {{Key: "economy.supply.max", NewValue: amount.Tokens(1)}},
		"negative":       {{Key: KeyMinStake, NewValue: amount.Tokens(-1)}},
		"duplicate":      {{Key: KeyMinStake, NewValue: amount.Tokens(1)}, {Key: KeyMinStake, NewValue: amount.Tokens(2)}},
		"zero min stake": {{Key: KeyMinStake, NewValue: amount.Zero}},
	}
	for name, changes := range cases {
		name, changes := name, changes
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if err := ValidateChanges(changes); err == nil {
				t.Fatalf("期望校验失败")
			}
		})
	}
	if err := ValidateChanges([]Change{{Key: KeyVectorsSearchPrice, NewValue: amount.Zero}}); err != nil {
		t.Fatalf("零价格应合法: %v", err)
	}
}

func TestFeeSplitRemainderGoesToTreasury(t *testing.T) {
	t.Parallel()

	split := DefaultParameters().FeeSplit
	v, c, tr := split.Split(amount.MustParse("0.0001"))
	if v != amount.Amount(70) || c != amount.Amount(20) || tr != amount.Amount(10) {
		t.Fatalf("拆分错误: %d %d %d", v, c, tr)
	}
	v, c, tr = split.Split(amount.Amount(7))
	if v+c+tr != amount.Amount(7) || v != amount.Amount(4) || c != amount.Amount(1) || tr != amount.Amount(2) {
		t.Fatalf("余数处理错误: %d %d %d", v, c, tr)
	}
}

func TestLoadParametersOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "protocol.yaml")
	content := "fees:\n  tasks: 0.05\ngovernance:\n  voting_period_epochs: 10\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	params, err := LoadParameters(path)
	if err != nil {
		t.Fatalf("加载参数失败: %v", err)
	}
	if params.Fees.Tasks != amount.MustParse("0.05") {
		t.Fatalf("tasks 价格未覆盖: %s", params.Fees.Tasks)
	}
	if params.Fees.VectorsSearch != amount.MustParse("0.0001") {
		t.Fatalf("未配置字段应保留默认值: %s", params.Fees.VectorsSearch)
	}
	if params.Governance.VotingPeriodEpochs != 10 || params.Governance.ActivationDelayEpochs != 50 {
		t.Fatalf("治理参数错误: %+v", params.Governance)
	}

	missing, err := LoadParameters(filepath.Join(dir, "absent.yaml"))
	if err != nil || missing.Supply.MaxSupply != amount.Tokens(1_000_000_000) {
		t.Fatalf("缺失文件应返回默认值: %v", err)
	}
}

func TestGenesisAllocationSumsToMaxSupply(t *testing.T) {
	t.Parallel()

	params := DefaultParameters()
	alloc := params.GenesisAllocation()
	if alloc.RewardPool+alloc.Ecosystem+alloc.Treasury != params.Supply.MaxSupply {
		t.Fatalf("创世分配之和不等于总量: %+v", alloc)
	}
	if alloc.Treasury != amount.Tokens(150_000_000) {
		t.Fatalf("金库分配错误: %s", alloc.Treasury)
	}
}

func TestParametersRequirePositiveMinStake(t *testing.T) {
	t.Parallel()

	params := DefaultParameters()
	params.Staking.MinStake = amount.Zero
	if err := params.Validate(); err == nil {
		t.Fatalf("最低质押为 0 时应校验失败")
	}
}
