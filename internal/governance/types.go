// Package governance 实现参数提案、按质押加权的投票以及按纪元的计票与激活。
package governance

import (
	"context"
	"time"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/protocol"
)

// Status 为提案状态，只能单向推进。
type Status string

const (
	StatusActive    Status = "active"
	StatusPassed    Status = "passed"
	StatusRejected  Status = "rejected"
	StatusActivated Status = "activated"
)

// Choice 为投票选项。
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

// Valid 判断选项是否合法。
func (c Choice) Valid() bool {
	return c == ChoiceYes || c == ChoiceNo
}

// Proposal 为一次参数修改提案。
type Proposal struct {
	ID               string            `json:"id"`
	Proposer         string            `json:"proposer_id"`
	Changes          []protocol.Change `json:"changes"`
	Status           Status            `json:"status"`
	ActivationEpoch  int64             `json:"activation_epoch"`
	VotesYes         amount.Amount     `json:"votes_yes"`
	VotesNo          amount.Amount     `json:"votes_no"`
	CreatedEpoch     int64             `json:"created_epoch"`
	ClosedEpoch      int64             `json:"closed_epoch,omitempty"`
	ActivatedVersion int64             `json:"activated_version,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Clone 返回深拷贝。
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Changes = append([]protocol.Change(nil), p.Changes...)
	return &clone
}

// VotingEnds 返回投票截止纪元（不含）。
func (p *Proposal) VotingEnds(period int64) int64 {
	return p.CreatedEpoch + period
}

// Vote 为一次投票，权重在投票时冻结。
type Vote struct {
	ID          string        `json:"id"`
	ProposalID  string        `json:"proposal_id"`
	Voter       string        `json:"voter_id"`
	Choice      Choice        `json:"choice"`
	StakeWeight amount.Amount `json:"stake_weight"`
	CastEpoch   int64         `json:"cast_epoch"`
	CreatedAt   time.Time     `json:"created_at"`
}

var (
	// ErrProposalNotFound 表示提案不存在。
	ErrProposalNotFound = xerrors.New(xerrors.CodeNotFound, "提案不存在")
	// ErrAlreadyVoted 表示同一投票人重复投票。
	ErrAlreadyVoted = xerrors.New(xerrors.CodeAlreadyVoted, "已对该提案投票")
)

// ProposalTx 为锁定单个提案后的读写视图。
type ProposalTx interface {
	// Proposal 返回可修改的提案副本，回调成功后由存储持久化。
	Proposal() *Proposal
	HasVoted(ctx context.Context, voter string) (bool, error)
	// AddVote 暂存投票，重复投票返回 ErrAlreadyVoted。
	AddVote(ctx context.Context, v Vote) error
}

// Store 为治理数据的持久化抽象。
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	// List 按创建时间倒序返回提案，statuses 为空时返回全部。
	List(ctx context.Context, statuses ...Status) ([]*Proposal, error)
	Votes(ctx context.Context, proposalID string) ([]Vote, error)
	// Update 锁定提案后执行 fn，fn 返回 nil 时原子提交提案与新增投票。
	Update(ctx context.Context, id string, fn func(ctx context.Context, tx ProposalTx) error) error
	Close() error
}
