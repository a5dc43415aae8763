package protocol

import (
	"context"
	"log/slog"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/pkg/logger"
)

// Snapshot 为某一纪元下的当前配置与下一个已排期配置。
type Snapshot struct {
	Epoch     int64          `json:"epoch"`
	Current   ConfigVersion  `json:"current"`
	Scheduled *ConfigVersion `json:"scheduled,omitempty"`
}

// Versions 在版本存储之上提供按纪元查询与激活写入。
type Versions struct {
	store   VersionStore
	genesis ConfigVersion
}

// NewVersions 创建版本服务，genesis 在存储为空时作为当前配置。
func NewVersions(store VersionStore, genesis ConfigVersion) *Versions {
	return &Versions{store: store, genesis: genesis}
}

// Current 返回 effective_epoch <= epoch 的版本中版本号最大的一个。
func (v *Versions) Current(ctx context.Context, epoch int64) (ConfigVersion, error) {
	versions, err := v.list(ctx)
	if err != nil {
		return ConfigVersion{}, err
	}
	current := v.genesis
	for _, candidate := range versions {
		if candidate.EffectiveEpoch <= epoch && candidate.Version > current.Version {
			current = candidate
		}
	}
	return current, nil
}

// Scheduled 返回 effective_epoch > epoch 中最早生效的版本，不存在时返回 nil。
func (v *Versions) Scheduled(ctx context.Context, epoch int64) (*ConfigVersion, error) {
	versions, err := v.list(ctx)
	if err != nil {
		return nil, err
	}
	var next *ConfigVersion
	for i := range versions {
		candidate := versions[i]
		if candidate.EffectiveEpoch <= epoch {
			continue
		}
		if next == nil || candidate.EffectiveEpoch < next.EffectiveEpoch ||
			(candidate.EffectiveEpoch == next.EffectiveEpoch && candidate.Version > next.Version) {
			next = &candidate
		}
	}
	return next, nil
}

// Snapshot 同时返回当前与已排期配置。
func (v *Versions) Snapshot(ctx context.Context, epoch int64) (Snapshot, error) {
	current, err := v.Current(ctx, epoch)
	if err != nil {
		return Snapshot{}, err
	}
	scheduled, err := v.Scheduled(ctx, epoch)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Epoch: epoch, Current: current, Scheduled: scheduled}, nil
}

// History 返回全部已写入的版本。
func (v *Versions) History(ctx context.Context) ([]ConfigVersion, error) {
	return v.list(ctx)
}

// Activate 为提案写入新版本：以最新已写入的版本为模板覆盖修改项。
// 生效纪元取 effectiveEpoch 与最新版本生效纪元中的较大者，保证版本号越大生效越晚，
// 先激活的提案不会被晚激活、生效纪元更早的提案遮盖。
// 对同一 proposalID 重复调用只会写入一次。
func (v *Versions) Activate(ctx context.Context, proposalID string, effectiveEpoch int64, changes []Change) (ConfigVersion, error) {
	if proposalID == "" {
		return ConfigVersion{}, xerrors.New(xerrors.CodeInvalidParameter, "提案编号不能为空")
	}
	build := func(latest *ConfigVersion) (ConfigVersion, error) {
		base := v.genesis
		if latest != nil {
			base = *latest
		}
		next, err := Apply(base, changes)
		if err != nil {
			return ConfigVersion{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "应用参数修改失败")
		}
		next.EffectiveEpoch = max(effectiveEpoch, base.EffectiveEpoch)
		return next, nil
	}

	stored, created, err := v.store.Append(ctx, proposalID, build)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return ConfigVersion{}, err
		}
		return ConfigVersion{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入配置版本失败")
	}
	if created {
		logger.Audit().Info("config_version_activated",
			slog.Int64("version", stored.Version),
			slog.Int64("effective_epoch", stored.EffectiveEpoch),
			slog.Int64("requested_epoch", effectiveEpoch),
			slog.String("proposal_id", proposalID),
		)
	}
	return stored, nil
}

func (v *Versions) list(ctx context.Context) ([]ConfigVersion, error) {
	versions, err := v.store.List(ctx)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取配置版本失败")
	}
	return versions, nil
}
