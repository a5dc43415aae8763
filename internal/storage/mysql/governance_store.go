package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/governance"
	"MEMEX-Node/internal/protocol"
)

const (
	proposalColumns = `proposal_id, proposer_id, changes, status, activation_epoch, votes_yes, votes_no, created_epoch, closed_epoch, activated_version, created_at, updated_at`

	insertProposalSQL = `INSERT INTO proposals (` + proposalColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectProposalSQL = `SELECT ` + proposalColumns + ` FROM proposals WHERE proposal_id = ?`
	lockProposalSQL   = selectProposalSQL + ` FOR UPDATE`
	listProposalsSQL  = `SELECT ` + proposalColumns + ` FROM proposals`
	updateProposalSQL = `UPDATE proposals SET status = ?, votes_yes = ?, votes_no = ?, closed_epoch = ?, activated_version = ?, updated_at = ? WHERE proposal_id = ?`
	insertVoteSQL     = `INSERT INTO votes (vote_id, proposal_id, voter_id, choice, stake_weight, cast_epoch, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	countVoteSQL      = `SELECT COUNT(*) FROM votes WHERE proposal_id = ? AND voter_id = ?`
	listVotesSQL      = `SELECT vote_id, proposal_id, voter_id, choice, stake_weight, cast_epoch, created_at FROM votes WHERE proposal_id = ? ORDER BY created_at, vote_id`
)

// GovernanceStore 使用 MySQL 持久化提案与投票。
type GovernanceStore struct {
	db *sql.DB
}

// NewGovernanceStore 创建治理存储。
func NewGovernanceStore(db *sql.DB) *GovernanceStore {
	return &GovernanceStore{db: db}
}

// Create 实现 governance.Store。
func (s *GovernanceStore) Create(ctx context.Context, p *governance.Proposal) error {
	changes, err := json.Marshal(p.Changes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidParameter, err, "序列化参数修改失败")
	}
	_, err = s.db.ExecContext(ctx, insertProposalSQL,
		p.ID,
		p.Proposer,
		string(changes),
		string(p.Status),
		p.ActivationEpoch,
		p.VotesYes,
		p.VotesNo,
		p.CreatedEpoch,
		p.ClosedEpoch,
		p.ActivatedVersion,
		p.CreatedAt.Unix(),
		p.UpdatedAt.Unix(),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.Wrap(xerrors.CodeInvalidState, err, "提案编号已存在")
		}
		return classify(err, "写入提案失败")
	}
	return nil
}

// Get 实现 governance.Store。
func (s *GovernanceStore) Get(ctx context.Context, id string) (*governance.Proposal, error) {
	p, err := scanProposal(s.db.QueryRowContext(ctx, selectProposalSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, governance.ErrProposalNotFound
		}
		return nil, classify(err, "查询提案失败")
	}
	return p, nil
}

// List 实现 governance.Store。
func (s *GovernanceStore) List(ctx context.Context, statuses ...governance.Status) ([]*governance.Proposal, error) {
	query := listProposalsSQL
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, proposal_id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "查询提案列表失败")
	}
	defer rows.Close()

	var proposals []*governance.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, classify(err, "解析提案失败")
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "遍历提案失败")
	}
	return proposals, nil
}

// Votes 实现 governance.Store。
func (s *GovernanceStore) Votes(ctx context.Context, proposalID string) ([]governance.Vote, error) {
	rows, err := s.db.QueryContext(ctx, listVotesSQL, proposalID)
	if err != nil {
		return nil, classify(err, "查询投票失败")
	}
	defer rows.Close()

	var votes []governance.Vote
	for rows.Next() {
		var (
			v         governance.Vote
			choice    string
			createdAt int64
		)
		if err := rows.Scan(&v.ID, &v.ProposalID, &v.Voter, &choice, &v.StakeWeight, &v.CastEpoch, &createdAt); err != nil {
			return nil, classify(err, "解析投票失败")
		}
		v.Choice = governance.Choice(choice)
		v.CreatedAt = time.Unix(createdAt, 0).UTC()
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "遍历投票失败")
	}
	return votes, nil
}

// Update 实现 governance.Store：提案行在事务内以 FOR UPDATE 锁定。
func (s *GovernanceStore) Update(ctx context.Context, id string, fn func(ctx context.Context, tx governance.ProposalTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "开启治理事务失败")
	}

	p, err := scanProposal(sqlTx.QueryRowContext(ctx, lockProposalSQL, id))
	if err != nil {
		_ = sqlTx.Rollback()
		if stdErrors.Is(err, sql.ErrNoRows) {
			return governance.ErrProposalNotFound
		}
		return classify(err, "锁定提案失败")
	}

	tx := &proposalTx{tx: sqlTx, proposal: p}
	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	_, err = sqlTx.ExecContext(ctx, updateProposalSQL,
		string(p.Status),
		p.VotesYes,
		p.VotesNo,
		p.ClosedEpoch,
		p.ActivatedVersion,
		p.UpdatedAt.Unix(),
		p.ID,
	)
	if err != nil {
		_ = sqlTx.Rollback()
		return classify(err, "更新提案失败")
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err, "提交治理事务失败")
	}
	return nil
}

// Close 实现 governance.Store。
func (s *GovernanceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type proposalTx struct {
	tx       *sql.Tx
	proposal *governance.Proposal
}

func (t *proposalTx) Proposal() *governance.Proposal { return t.proposal }

func (t *proposalTx) HasVoted(ctx context.Context, voter string) (bool, error) {
	var count int
	if err := t.tx.QueryRowContext(ctx, countVoteSQL, t.proposal.ID, voter).Scan(&count); err != nil {
		return false, classify(err, "查询投票记录失败")
	}
	return count > 0, nil
}

func (t *proposalTx) AddVote(ctx context.Context, v governance.Vote) error {
	_, err := t.tx.ExecContext(ctx, insertVoteSQL,
		v.ID,
		v.ProposalID,
		v.Voter,
		string(v.Choice),
		v.StakeWeight,
		v.CastEpoch,
		v.CreatedAt.Unix(),
	)
	if err != nil {
		if isDuplicate(err) {
			return governance.ErrAlreadyVoted
		}
		return classify(err, "写入投票失败")
	}
	return nil
}

func scanProposal(row rowScanner) (*governance.Proposal, error) {
	var (
		p       governance.Proposal
		changes string
		status  string
		created int64
		updated int64
	)
	err := row.Scan(
		&p.ID,
		&p.Proposer,
		&changes,
		&status,
		&p.ActivationEpoch,
		&p.VotesYes,
		&p.VotesNo,
		&p.CreatedEpoch,
		&p.ClosedEpoch,
		&p.ActivatedVersion,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changes), &p.Changes); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析参数修改失败")
	}
	if p.Changes == nil {
		p.Changes = []protocol.Change{}
	}
	p.Status = governance.Status(status)
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return &p, nil
}

var _ governance.Store = (*GovernanceStore)(nil)
