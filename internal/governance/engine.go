package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"MEMEX-Node/internal/amount"
	"MEMEX-Node/internal/epoch"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/protocol"
	"MEMEX-Node/pkg/logger"
)

// StakeReader 提供投票权重与法定人数分母。
type StakeReader interface {
	StakeOf(ctx context.Context, agent string) (amount.Amount, error)
	TotalStaked(ctx context.Context) (amount.Amount, error)
}

// Activator 为通过的提案写入配置版本，对同一提案必须幂等。
type Activator interface {
	Activate(ctx context.Context, proposalID string, effectiveEpoch int64, changes []protocol.Change) (protocol.ConfigVersion, error)
}

// Option 配置 Engine。
type Option func(*Engine)

// WithClockFunc 覆盖时间来源。
func WithClockFunc(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine 管理提案生命周期。状态推进是 (提案, 当前纪元) 的纯函数，
// 在读取与投票时按需执行，后台清扫只是加速手段。
type Engine struct {
	store     Store
	stakes    StakeReader
	activator Activator
	clock     epoch.Clock
	params    protocol.GovernanceParams
	now       func() time.Time
}

// NewEngine 创建治理引擎。
func NewEngine(store Store, stakes StakeReader, activator Activator, clock epoch.Clock, params protocol.GovernanceParams, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		stakes:    stakes,
		activator: activator,
		clock:     clock,
		params:    params,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Outcome 为一次计票结果。
type Outcome struct {
	Cast        amount.Amount `json:"cast"`
	TotalStaked amount.Amount `json:"total_staked"`
	QuorumMet   bool          `json:"quorum_met"`
	Passed      bool          `json:"passed"`
}

// Evaluate 计算计票结果：(yes+no)/total >= quorum 且 yes/(yes+no) >= pass 时通过。
// 无人投票或总质押为 0 视为未达法定人数。
func Evaluate(yes, no, totalStaked amount.Amount, params protocol.GovernanceParams) Outcome {
	cast := yes + no
	out := Outcome{Cast: cast, TotalStaked: totalStaked}
	if !cast.IsPositive() || !totalStaked.IsPositive() {
		return out
	}
	out.QuorumMet = amount.AtLeast(cast, totalStaked, params.QuorumRatio)
	out.Passed = out.QuorumMet && amount.AtLeast(yes, cast, params.PassRatio)
	return out
}

// CreateProposal 创建提案。activationEpoch 为空时默认为 created_epoch + 激活延迟。
func (e *Engine) CreateProposal(ctx context.Context, proposer string, changes []protocol.Change, activationEpoch *int64) (*Proposal, error) {
	if proposer == "" {
		return nil, xerrors.New(xerrors.CodeInvalidParameter, "proposer_id 不能为空")
	}
	stake, err := e.stakes.StakeOf(ctx, proposer)
	if err != nil {
		return nil, err
	}
	if stake < e.params.MinStakeToPropose {
		return nil, xerrors.New(xerrors.CodeForbidden, "质押不足，无法发起提案",
			xerrors.WithAmounts(e.params.MinStakeToPropose, stake))
	}
	if err := protocol.ValidateChanges(changes); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "参数修改无效")
	}
	current, err := e.clock.Current(ctx)
	if err != nil {
		return nil, err
	}
	activation := current + e.params.ActivationDelayEpochs
	if activationEpoch != nil {
		if *activationEpoch < current {
			return nil, xerrors.New(xerrors.CodeInvalidParameter,
				fmt.Sprintf("激活纪元 %d 早于当前纪元 %d", *activationEpoch, current))
		}
		activation = *activationEpoch
	}

	now := e.now()
	p := &Proposal{
		ID:              uuid.NewString(),
		Proposer:        proposer,
		Changes:         append([]protocol.Change(nil), changes...),
		Status:          StatusActive,
		ActivationEpoch: activation,
		CreatedEpoch:    current,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.Create(ctx, p); err != nil {
		return nil, err
	}
	logger.Audit().Info("proposal_created",
		slog.String("proposal_id", p.ID),
		slog.String("proposer_id", proposer),
		slog.Int("changes", len(p.Changes)),
		slog.Int64("created_epoch", p.CreatedEpoch),
		slog.Int64("activation_epoch", p.ActivationEpoch),
	)
	return p, nil
}

// CastVote 以投票时的质押额为权重投票，并在同一原子单元内累加计票。
func (e *Engine) CastVote(ctx context.Context, proposalID, voter string, choice Choice) (*Vote, error) {
	if voter == "" {
		return nil, xerrors.New(xerrors.CodeInvalidParameter, "voter_id 不能为空")
	}
	if !choice.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("无效的投票选项: %s", choice))
	}
	if _, err := e.Process(ctx, proposalID); err != nil {
		return nil, err
	}
	stake, err := e.stakes.StakeOf(ctx, voter)
	if err != nil {
		return nil, err
	}
	current, err := e.clock.Current(ctx)
	if err != nil {
		return nil, err
	}

	var vote Vote
	err = e.store.Update(ctx, proposalID, func(ctx context.Context, tx ProposalTx) error {
		p := tx.Proposal()
		if p.Status != StatusActive {
			return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("提案状态为 %s，不能投票", p.Status))
		}
		if current >= p.VotingEnds(e.params.VotingPeriodEpochs) {
			return xerrors.New(xerrors.CodeInvalidState, "投票期已结束")
		}
		voted, err := tx.HasVoted(ctx, voter)
		if err != nil {
			return err
		}
		if voted {
			return ErrAlreadyVoted
		}
		if !stake.IsPositive() {
			return xerrors.New(xerrors.CodeForbidden, "没有质押，不能投票")
		}
		now := e.now()
		vote = Vote{
			ID:          uuid.NewString(),
			ProposalID:  p.ID,
			Voter:       voter,
			Choice:      choice,
			StakeWeight: stake,
			CastEpoch:   current,
			CreatedAt:   now,
		}
		if err := tx.AddVote(ctx, vote); err != nil {
			return err
		}
		if choice == ChoiceYes {
			p.VotesYes += stake
		} else {
			p.VotesNo += stake
		}
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("vote_cast",
		slog.String("proposal_id", proposalID),
		slog.String("voter_id", voter),
		slog.String("choice", string(choice)),
		slog.String("weight", stake.String()),
	)
	return &vote, nil
}

// Process 按当前纪元推进提案状态并返回最新提案，可重复调用。
func (e *Engine) Process(ctx context.Context, proposalID string) (*Proposal, error) {
	p, err := e.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	current, err := e.clock.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !e.due(p, current) {
		return p, nil
	}

	var (
		before  Status
		updated *Proposal
	)
	err = e.store.Update(ctx, proposalID, func(ctx context.Context, tx ProposalTx) error {
		locked := tx.Proposal()
		before = locked.Status
		if err := e.advance(ctx, locked, current); err != nil {
			return err
		}
		updated = locked.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status != before {
		logger.Audit().Info("proposal_transition",
			slog.String("proposal_id", updated.ID),
			slog.String("from", string(before)),
			slog.String("to", string(updated.Status)),
			slog.Int64("epoch", current),
			slog.Int64("activated_version", updated.ActivatedVersion),
		)
	}
	return updated, nil
}

// Get 返回提案，读取前按需推进状态。
func (e *Engine) Get(ctx context.Context, proposalID string) (*Proposal, error) {
	return e.Process(ctx, proposalID)
}

// List 返回提案列表，未结束的提案会先推进状态。
func (e *Engine) List(ctx context.Context, statuses ...Status) ([]*Proposal, error) {
	all, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	filter := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		filter[st] = struct{}{}
	}
	out := make([]*Proposal, 0, len(all))
	for _, p := range all {
		if p.Status == StatusActive || p.Status == StatusPassed {
			processed, err := e.Process(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			p = processed
		}
		if len(filter) > 0 {
			if _, ok := filter[p.Status]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Pending 返回仍可能发生状态变化的提案编号，供后台清扫使用。
func (e *Engine) Pending(ctx context.Context) ([]string, error) {
	open, err := e.store.List(ctx, StatusActive, StatusPassed)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(open))
	for _, p := range open {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Votes 返回提案的全部投票。
func (e *Engine) Votes(ctx context.Context, proposalID string) ([]Vote, error) {
	if _, err := e.store.Get(ctx, proposalID); err != nil {
		return nil, err
	}
	return e.store.Votes(ctx, proposalID)
}

func (e *Engine) due(p *Proposal, current int64) bool {
	switch p.Status {
	case StatusActive:
		return current >= p.VotingEnds(e.params.VotingPeriodEpochs)
	case StatusPassed:
		return current >= p.ActivationEpoch
	default:
		return false
	}
}

// advance 在提案锁内推进状态：先计票，再按激活纪元写入配置版本。
func (e *Engine) advance(ctx context.Context, p *Proposal, current int64) error {
	if p.Status == StatusActive && current >= p.VotingEnds(e.params.VotingPeriodEpochs) {
		total, err := e.stakes.TotalStaked(ctx)
		if err != nil {
			return err
		}
		outcome := Evaluate(p.VotesYes, p.VotesNo, total, e.params)
		if outcome.Passed {
			p.Status = StatusPassed
		} else {
			p.Status = StatusRejected
		}
		p.ClosedEpoch = current
		p.UpdatedAt = e.now()
	}
	if p.Status == StatusPassed && current >= p.ActivationEpoch {
		version, err := e.activator.Activate(ctx, p.ID, p.ActivationEpoch, p.Changes)
		if err != nil {
			return err
		}
		p.Status = StatusActivated
		p.ActivatedVersion = version.Version
		p.UpdatedAt = e.now()
	}
	return nil
}
