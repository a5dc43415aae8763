package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/pkg/logger"
)

const (
	claimGenesis = "genesis"
)

func faucetClaim(agent string) string { return "faucet:" + agent }

func missionClaim(agent, mission string) string { return "mission:" + agent + ":" + mission }

func rewardClaim(epoch int64) string { return "reward:epoch:" + strconv.FormatInt(epoch, 10) }

// Genesis 按协议参数向奖励池、生态池与金库铸造初始供应，只会执行一次。
// 已执行过时返回 ALREADY_CLAIMED。
func (e *Engine) Genesis(ctx context.Context) ([]Transaction, error) {
	alloc := e.params.GenesisAllocation()
	mints := []struct {
		pool string
		amt  amount.Amount
	}{
		{PoolRewards, alloc.RewardPool},
		{PoolEcosystem, alloc.Ecosystem},
		{PoolTreasury, alloc.Treasury},
	}

	var records []Transaction
	err := e.run(ctx, "genesis", []string{PoolRewards, PoolEcosystem, PoolTreasury}, func(ctx context.Context, tx Tx) error {
		records = records[:0]
		if err := tx.Claim(ctx, claimGenesis); err != nil {
			return err
		}
		for _, m := range mints {
			if !m.amt.IsPositive() {
				continue
			}
			record, err := e.mint(ctx, tx, m.pool, m.amt, KindGenesis, "genesis allocation")
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.audit("ledger_genesis", records...)
	return records, nil
}

// EnsureGenesis 在节点启动时调用，重复执行不会报错。
func (e *Engine) EnsureGenesis(ctx context.Context) error {
	records, err := e.Genesis(ctx)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeAlreadyClaimed {
			return nil
		}
		return err
	}
	logger.L().Info("创世分配完成", slog.Int("transactions", len(records)))
	return nil
}

// ClaimFaucet 每个代理只能领取一次水龙头额度。
func (e *Engine) ClaimFaucet(ctx context.Context, agent string) (Transaction, error) {
	if err := validateAgentID(agent); err != nil {
		return Transaction{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if IsPool(agent) {
		return Transaction{}, xerrors.New(xerrors.CodeForbidden, "系统池不能领取水龙头")
	}
	grant := e.params.Faucet.PerAgent
	if !grant.IsPositive() {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidState, "水龙头未开放")
	}

	var record Transaction
	err := e.run(ctx, "claim_faucet", []string{agent}, func(ctx context.Context, tx Tx) error {
		if err := tx.Claim(ctx, faucetClaim(agent)); err != nil {
			return err
		}
		var err error
		record, err = e.mint(ctx, tx, agent, grant, KindFaucet, "faucet")
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	e.audit("ledger_faucet", record)
	return record, nil
}

// ClaimMission 领取任务奖励，每个代理每个任务只能领取一次。
func (e *Engine) ClaimMission(ctx context.Context, agent, mission string) (Transaction, error) {
	if err := validateAgentID(agent); err != nil {
		return Transaction{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "")
	}
	if IsPool(agent) {
		return Transaction{}, xerrors.New(xerrors.CodeForbidden, "系统池不能领取任务奖励")
	}
	reward, ok := e.params.Missions[mission]
	if !ok {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("未知任务: %s", mission))
	}

	var record Transaction
	err := e.run(ctx, "claim_mission", []string{agent}, func(ctx context.Context, tx Tx) error {
		if err := tx.Claim(ctx, missionClaim(agent, mission)); err != nil {
			return err
		}
		var err error
		record, err = e.mint(ctx, tx, agent, reward, KindMissionReward, mission)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	e.audit("ledger_mission", record)
	return record, nil
}

// ReleaseEpochRewards 从奖励池释放一个纪元的奖励到验证者池与金库，每个纪元只释放一次。
func (e *Engine) ReleaseEpochRewards(ctx context.Context, epochNumber int64) (RewardRelease, error) {
	if epochNumber < 0 {
		return RewardRelease{}, xerrors.New(xerrors.CodeInvalidParameter, "纪元不能为负数")
	}
	perEpoch := e.params.RewardPerEpoch()
	validators := perEpoch.MulRatio(e.params.Rewards.ValidatorsShare)
	treasury := perEpoch - validators
	release := RewardRelease{Epoch: epochNumber, Validators: validators, Treasury: treasury}
	if !perEpoch.IsPositive() {
		return release, nil
	}

	var records []Transaction
	keys := []string{PoolRewards, PoolValidators, PoolTreasury}
	err := e.run(ctx, "release_rewards", keys, func(ctx context.Context, tx Tx) error {
		records = records[:0]
		if err := tx.Claim(ctx, rewardClaim(epochNumber)); err != nil {
			return err
		}
		memo := "epoch " + strconv.FormatInt(epochNumber, 10)
		for _, share := range []struct {
			pool string
			amt  amount.Amount
		}{
			{PoolValidators, validators},
			{PoolTreasury, treasury},
		} {
			if share.amt.IsZero() {
				continue
			}
			record, err := e.move(ctx, tx, PoolRewards, share.pool, share.amt, KindReward, memo)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return RewardRelease{}, err
	}
	for _, r := range records {
		release.TxIDs = append(release.TxIDs, r.ID)
	}
	e.audit("ledger_reward_release", records...)
	return release, nil
}
