package governance

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"MEMEX-Node/internal/amount"
	"MEMEX-Node/internal/epoch"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/ledger"
	"MEMEX-Node/internal/protocol"
)

type harness struct {
	gov      *Engine
	ledger   *ledger.Engine
	versions *protocol.Versions
	store    protocol.VersionStore
	clock    *epoch.MemoryClock
}

func newHarness(t *testing.T) harness {
	t.Helper()
	ctx := context.Background()
	params := protocol.DefaultParameters()
	clock := epoch.NewMemoryClock(0)
	versionStore := protocol.NewMemoryVersionStore()
	versions := protocol.NewVersions(versionStore, protocol.Genesis(params))
	led := ledger.NewEngine(ledger.NewMemoryStore(), versions, clock, params)
	if err := led.EnsureGenesis(ctx); err != nil {
		t.Fatalf("创世失败: %v", err)
	}
	gov := NewEngine(NewMemoryStore(), led, versions, clock, params.Governance)
	return harness{gov: gov, ledger: led, versions: versions, store: versionStore, clock: clock}
}

func (h harness) stake(t *testing.T, agent string, tokens int64) {
	t.Helper()
	ctx := context.Background()
	amt := amount.Tokens(tokens)
	if _, err := h.ledger.CreditFromPool(ctx, ledger.PoolEcosystem, agent, amt, ledger.KindTransfer, "test"); err != nil {
		t.Fatalf("注资失败: %v", err)
	}
	if _, err := h.ledger.Stake(ctx, agent, amt); err != nil {
		t.Fatalf("质押失败: %v", err)
	}
}

func (h harness) advanceTo(t *testing.T, target int64) {
	t.Helper()
	if err := h.clock.Set(target); err != nil {
		t.Fatalf("设置纪元失败: %v", err)
	}
}

func minStakeChange(tokens int64) []protocol.Change {
	return []protocol.Change{{Key: protocol.KeyMinStake, NewValue: amount.Tokens(tokens)}}
}

func TestProposalLifecycleEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.stake(t, "proposer", 10)
	h.stake(t, "v1", 50)
	h.stake(t, "v2", 40)

	activation := int64(150)
	p, err := h.gov.CreateProposal(ctx, "proposer", minStakeChange(20), &activation)
	if err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}
	if p.Status != StatusActive || p.CreatedEpoch != 0 {
		t.Fatalf("新提案状态错误: %+v", p)
	}

	for _, voter := range []string{"v1", "v2"} {
		if _, err := h.gov.CastVote(ctx, p.ID, voter, ChoiceYes); err != nil {
			t.Fatalf("%s 投票失败: %v", voter, err)
		}
	}

	h.advanceTo(t, 99)
	if got, _ := h.gov.Get(ctx, p.ID); got.Status != StatusActive {
		t.Fatalf("投票期内应保持 active: %s", got.Status)
	}

	h.advanceTo(t, 100)
	got, err := h.gov.Get(ctx, p.ID)
	if err != nil || got.Status != StatusPassed || got.VotesYes != amount.Tokens(90) {
		t.Fatalf("投票期结束应通过: %+v, %v", got, err)
	}
	cfg, _ := h.versions.Current(ctx, 100)
	if cfg.Staking.MinStake != amount.Tokens(10) {
		t.Fatalf("激活前参数不应变化: %s", cfg.Staking.MinStake)
	}

	h.advanceTo(t, 150)
	got, err = h.gov.Get(ctx, p.ID)
	if err != nil || got.Status != StatusActivated || got.ActivatedVersion != 1 {
		t.Fatalf("到达激活纪元应激活: %+v, %v", got, err)
	}
	cfg, _ = h.versions.Current(ctx, 150)
	if cfg.Staking.MinStake != amount.Tokens(20) || cfg.SourceProposal != p.ID {
		t.Fatalf("新配置未生效: %+v", cfg)
	}
	if ok, _ := h.ledger.IsValidator(ctx, "proposer"); ok {
		t.Fatal("最低质押提高后 proposer 不再是验证者")
	}
}

func TestDefaultActivationAppliesAtTally(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.stake(t, "proposer", 10)
	h.stake(t, "whale", 90)

	changes := []protocol.Change{{Key: protocol.KeyTasksPrice, NewValue: amount.MustParse("0.02")}}
	p, err := h.gov.CreateProposal(ctx, "proposer", changes, nil)
	if err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}
	if p.ActivationEpoch != 50 {
		t.Fatalf("默认激活纪元应为 50: %d", p.ActivationEpoch)
	}
	if _, err := h.gov.CastVote(ctx, p.ID, "whale", ChoiceYes); err != nil {
		t.Fatalf("投票失败: %v", err)
	}

	h.advanceTo(t, 100)
	got, _ := h.gov.Get(ctx, p.ID)
	if got.Status != StatusActivated {
		t.Fatalf("激活纪元已过，计票后应立即激活: %s", got.Status)
	}
	cfg, _ := h.versions.Current(ctx, 100)
	if cfg.Fees.Tasks != amount.MustParse("0.02") || cfg.EffectiveEpoch != 50 {
		t.Fatalf("新配置错误: %+v", cfg)
	}
}

func TestOutOfOrderActivationsKeepEarlierChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.stake(t, "proposer", 10)
	h.stake(t, "whale", 90)

	explicit := int64(90)
	first, err := h.gov.CreateProposal(ctx, "proposer", minStakeChange(20), &explicit)
	if err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}
	if _, err := h.gov.CastVote(ctx, first.ID, "whale", ChoiceYes); err != nil {
		t.Fatalf("投票失败: %v", err)
	}

	h.advanceTo(t, 5)
	price := []protocol.Change{{Key: protocol.KeyTasksPrice, NewValue: amount.MustParse("0.5")}}
	second, err := h.gov.CreateProposal(ctx, "proposer", price, nil)
	if err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}
	if second.ActivationEpoch != 55 {
		t.Fatalf("默认激活纪元应为 55: %d", second.ActivationEpoch)
	}
	if _, err := h.gov.CastVote(ctx, second.ID, "whale", ChoiceYes); err != nil {
		t.Fatalf("投票失败: %v", err)
	}

	h.advanceTo(t, 100)
	if got, err := h.gov.Process(ctx, first.ID); err != nil || got.Status != StatusActivated || got.ActivatedVersion != 1 {
		t.Fatalf("第一个提案应激活为版本 1: %+v, %v", got, err)
	}
	h.advanceTo(t, 105)
	if got, err := h.gov.Process(ctx, second.ID); err != nil || got.Status != StatusActivated || got.ActivatedVersion != 2 {
		t.Fatalf("第二个提案应激活为版本 2: %+v, %v", got, err)
	}

	cfg, err := h.versions.Current(ctx, 200)
	if err != nil {
		t.Fatalf("查询配置失败: %v", err)
	}
	if cfg.Version != 2 || cfg.Staking.MinStake != amount.Tokens(20) || cfg.Fees.Tasks != amount.MustParse("0.5") {
		t.Fatalf("两个已激活提案的修改都应保留: %+v", cfg)
	}
	if cfg.EffectiveEpoch != 90 {
		t.Fatalf("后写入的版本不应早于前一版本生效: %d", cfg.EffectiveEpoch)
	}
	if before, _ := h.versions.Current(ctx, 89); before.Version != 0 {
		t.Fatalf("纪元 89 仍应为创世配置: %+v", before)
	}
}

func TestProposalRejection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		votes map[string]Choice
	}{
		{"no votes", nil},
		{"quorum not met", map[string]Choice{"proposer": ChoiceYes}},
		{"pass ratio not met", map[string]Choice{"v1": ChoiceYes, "v2": ChoiceNo}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			h := newHarness(t)
			h.stake(t, "proposer", 10)
			h.stake(t, "v1", 50)
			h.stake(t, "v2", 40)

			p, err := h.gov.CreateProposal(ctx, "proposer", minStakeChange(5), nil)
			if err != nil {
				t.Fatalf("创建提案失败: %v", err)
			}
			for voter, choice := range tc.votes {
				if _, err := h.gov.CastVote(ctx, p.ID, voter, choice); err != nil {
					t.Fatalf("投票失败: %v", err)
				}
			}
			h.advanceTo(t, 500)
			got, _ := h.gov.Get(ctx, p.ID)
			if got.Status != StatusRejected {
				t.Fatalf("期望 rejected，得到 %s", got.Status)
			}
			history, _ := h.versions.History(ctx)
			if len(history) != 0 {
				t.Fatalf("被否决的提案不应写入配置: %d", len(history))
			}
		})
	}
}

func TestEvaluateThresholds(t *testing.T) {
	t.Parallel()

	params := protocol.DefaultParameters().Governance
	if out := Evaluate(amount.Tokens(14), amount.Tokens(6), amount.Tokens(100), params); !out.QuorumMet || !out.Passed {
		t.Fatalf("20%% 参与、70%% 赞成应通过: %+v", out)
	}
	if out := Evaluate(amount.Tokens(13), amount.Tokens(6), amount.Tokens(100), params); out.QuorumMet {
		t.Fatalf("19%% 参与不应达到法定人数: %+v", out)
	}
	if out := Evaluate(amount.Tokens(66), amount.Tokens(34), amount.Tokens(100), params); out.Passed {
		t.Fatalf("66%% 赞成不应通过: %+v", out)
	}
	if out := Evaluate(amount.Tokens(1), amount.Zero, amount.Zero, params); out.QuorumMet {
		t.Fatalf("总质押为 0 时不应达到法定人数: %+v", out)
	}
}

func TestCreateProposalValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.stake(t, "small", 5)
	h.stake(t, "proposer", 10)

	if _, err := h.gov.CreateProposal(ctx, "small", minStakeChange(1), nil); xerrors.CodeOf(err) != xerrors.CodeForbidden {
		t.Fatalf("质押不足应返回 FORBIDDEN: %v", err)
	}
	bad := []protocol.Change{{Key: "economy.supply.max", NewValue: amount.Tokens(1)}}
	if _, err := h.gov.CreateProposal(ctx, "small", bad, nil); xerrors.CodeOf(err) != xerrors.CodeForbidden {
		t.Fatalf("质押不足时应先返回 FORBIDDEN: %v", err)
	}
	if _, err := h.gov.CreateProposal(ctx, "proposer", bad, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidParameter {
		t.Fatalf("非白名单参数应返回 INVALID_PARAMETER: %v", err)
	}
	h.advanceTo(t, 10)
	past := int64(5)
	if _, err := h.gov.CreateProposal(ctx, "proposer", minStakeChange(1), &past); xerrors.CodeOf(err) != xerrors.CodeInvalidParameter {
		t.Fatalf("过去的激活纪元应返回 INVALID_PARAMETER: %v", err)
	}
}

func TestCastVoteErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.stake(t, "proposer", 10)

	if _, err := h.gov.CastVote(ctx, "missing", "proposer", ChoiceYes); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("不存在的提案应返回 NOT_FOUND: %v", err)
	}

	p, err := h.gov.CreateProposal(ctx, "proposer", minStakeChange(1), nil)
	if err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}
	if _, err := h.gov.CastVote(ctx, p.ID, "proposer", Choice("maybe")); xerrors.CodeOf(err) != xerrors.CodeInvalidParameter {
		t.Fatalf("非法选项应返回 INVALID_PARAMETER: %v", err)
	}
	if _, err := h.gov.CastVote(ctx, p.ID, "nobody", ChoiceYes); xerrors.CodeOf(err) != xerrors.CodeForbidden {
		t.Fatalf("无质押投票应返回 FORBIDDEN: %v", err)
	}
	if _, err := h.gov.CastVote(ctx, p.ID, "proposer", ChoiceNo); err != nil {
		t.Fatalf("投票失败: %v", err)
	}
	if _, err := h.gov.CastVote(ctx, p.ID, "proposer", ChoiceYes); xerrors.CodeOf(err) != xerrors.CodeAlreadyVoted {
		t.Fatalf("重复投票应返回 ALREADY_VOTED: %v", err)
	}

	h.advanceTo(t, 100)
	if _, err := h.gov.CastVote(ctx, p.ID, "late", ChoiceYes); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("投票期结束后应返回 INVALID_STATE: %v", err)
	}
}

func TestConcurrentVotesAreAllCounted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.stake(t, "proposer", 10)
	const voters = 20
	for i := 0; i < voters; i++ {
		h.stake(t, fmt.Sprintf("voter-%d", i), 1)
	}
	p, err := h.gov.CreateProposal(ctx, "proposer", minStakeChange(1), nil)
	if err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			voter := fmt.Sprintf("voter-%d", i)
			// 每个投票人重复提交两次，只有一次生效。
			for j := 0; j < 2; j++ {
				_, err := h.gov.CastVote(ctx, p.ID, voter, ChoiceYes)
				if err != nil && xerrors.CodeOf(err) != xerrors.CodeAlreadyVoted {
					t.Errorf("投票失败: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	got, _ := h.gov.Get(ctx, p.ID)
	if got.VotesYes != amount.Tokens(voters) {
		t.Fatalf("计票错误: %s", got.VotesYes)
	}
	votes, _ := h.gov.Votes(ctx, p.ID)
	if len(votes) != voters {
		t.Fatalf("投票记录数量错误: %d", len(votes))
	}
}

func TestConcurrentProcessingActivatesOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.stake(t, "proposer", 10)
	h.stake(t, "whale", 90)
	p, err := h.gov.CreateProposal(ctx, "proposer", minStakeChange(15), nil)
	if err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}
	if _, err := h.gov.CastVote(ctx, p.ID, "whale", ChoiceYes); err != nil {
		t.Fatalf("投票失败: %v", err)
	}
	h.advanceTo(t, 200)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.gov.Process(ctx, p.ID); err != nil {
				t.Errorf("处理提案失败: %v", err)
			}
		}()
	}
	wg.Wait()

	history, _ := h.store.List(ctx)
	if len(history) != 1 {
		t.Fatalf("应只写入一个配置版本，实际 %d", len(history))
	}
	pending, _ := h.gov.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("激活后不应再有待处理提案: %v", pending)
	}
	listed, _ := h.gov.List(ctx, StatusActivated)
	if len(listed) != 1 || listed[0].ID != p.ID {
		t.Fatalf("按状态过滤结果错误: %+v", listed)
	}
}
