package sweep

import (
	"context"
	"log/slog"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/governance"
	"MEMEX-Node/internal/ledger"
	"MEMEX-Node/internal/observability/alerting"
	"MEMEX-Node/pkg/logger"
)

// ProposalProcessor 推进提案状态，governance.Engine 满足该接口。
type ProposalProcessor interface {
	Process(ctx context.Context, proposalID string) (*governance.Proposal, error)
}

// RewardReleaser 释放纪元奖励，ledger.Engine 满足该接口。
type RewardReleaser interface {
	ReleaseEpochRewards(ctx context.Context, epoch int64) (ledger.RewardRelease, error)
}

// Processor 负责从队列消费作业并执行。
type Processor struct {
	proposals   ProposalProcessor
	rewards     RewardReleaser
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    func(kind JobKind, err error)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithJobObserver 注册作业结果观察者，用于指标统计。
func WithJobObserver(observer func(kind JobKind, err error)) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(proposals ProposalProcessor, rewards RewardReleaser, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		proposals:   proposals,
		rewards:     rewards,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("sweep"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动作业处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 执行一条作业。重复执行是安全的：已结束的提案与已释放的纪元直接跳过。
func (p *Processor) Handle(ctx context.Context, raw string) error {
	job, err := ParseJob(raw)
	if err != nil {
		p.logger.Warn("丢弃无法解析的作业", slog.String("job", raw), slog.Any("error", err))
		return nil
	}

	switch job.Kind {
	case JobProposal:
		err = p.handleProposal(ctx, job.Target)
	case JobRewards:
		err = p.handleRewards(ctx, job)
	}
	if p.observer != nil {
		p.observer(job.Kind, err)
	}
	if err != nil {
		return p.handleFailure(ctx, job, err)
	}
	return nil
}

func (p *Processor) handleProposal(ctx context.Context, proposalID string) error {
	if p.proposals == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未配置治理引擎")
	}
	proposal, err := p.proposals.Process(ctx, proposalID)
	if err != nil {
		if xerrors.Is(err, xerrors.CodeNotFound) {
			p.logger.Debug("跳过不存在的提案", slog.String("proposal_id", proposalID))
			return nil
		}
		return err
	}
	p.logger.Debug("提案已推进",
		slog.String("proposal_id", proposal.ID),
		slog.String("status", string(proposal.Status)),
	)
	return nil
}

func (p *Processor) handleRewards(ctx context.Context, job Job) error {
	if p.rewards == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未配置账本引擎")
	}
	epoch, err := job.Epoch()
	if err != nil {
		return err
	}
	release, err := p.rewards.ReleaseEpochRewards(ctx, epoch)
	if err != nil {
		if xerrors.Is(err, xerrors.CodeAlreadyClaimed) {
			p.logger.Debug("纪元奖励已释放", slog.Int64("epoch", epoch))
			return nil
		}
		return err
	}
	p.logger.Debug("纪元奖励已释放",
		slog.Int64("epoch", release.Epoch),
		slog.String("validators", release.Validators.String()),
		slog.String("treasury", release.Treasury.String()),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job Job, err error) error {
	p.logger.Error("作业执行失败",
		slog.String("job", job.String()),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Bool("retryable", xerrors.RetryableError(err)),
		slog.Any("error", err),
	)
	if !xerrors.RetryableError(err) || xerrors.ShouldAlert(err) {
		p.emitAlert(ctx, job, err)
	}
	return err
}

func (p *Processor) emitAlert(ctx context.Context, job Job, cause error) {
	if p == nil || p.alerter == nil {
		return
	}
	event := alerting.FromError("sweep", job.String(), cause)
	if event.Metadata == nil {
		event.Metadata = make(map[string]string, 1)
	}
	event.Metadata["job_kind"] = string(job.Kind)
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job", job.String()))
	}
}
