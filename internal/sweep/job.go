package sweep

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "MEMEX-Node/internal/errors"
)

// JobKind 为作业类型。
type JobKind string

const (
	// JobProposal 推进单个提案的状态。
	JobProposal JobKind = "proposal"
	// JobRewards 释放单个纪元的奖励。
	JobRewards JobKind = "rewards"
)

// Job 为队列中的一条作业，编码为 "<kind>:<target>"。
type Job struct {
	Kind   JobKind
	Target string
}

// ProposalJob 构造提案作业。
func ProposalJob(proposalID string) Job {
	return Job{Kind: JobProposal, Target: proposalID}
}

// RewardsJob 构造奖励释放作业。
func RewardsJob(epoch int64) Job {
	return Job{Kind: JobRewards, Target: strconv.FormatInt(epoch, 10)}
}

// String 返回作业的队列编码。
func (j Job) String() string {
	return string(j.Kind) + ":" + j.Target
}

// Epoch 解析奖励作业的纪元。
func (j Job) Epoch() (int64, error) {
	if j.Kind != JobRewards {
		return 0, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("作业 %s 不是奖励作业", j))
	}
	epoch, err := strconv.ParseInt(j.Target, 10, 64)
	if err != nil || epoch < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("无效的奖励纪元: %q", j.Target))
	}
	return epoch, nil
}

// ParseJob 解析队列中的作业编码。
func ParseJob(raw string) (Job, error) {
	kind, target, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || target == "" {
		return Job{}, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("无法解析作业: %q", raw))
	}
	switch JobKind(kind) {
	case JobProposal, JobRewards:
		return Job{Kind: JobKind(kind), Target: target}, nil
	default:
		return Job{}, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("未知的作业类型: %q", kind))
	}
}
