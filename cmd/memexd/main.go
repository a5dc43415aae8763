package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"MEMEX-Node/internal/api"
	"MEMEX-Node/internal/config"
	"MEMEX-Node/internal/epoch"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/governance"
	"MEMEX-Node/internal/ledger"
	"MEMEX-Node/internal/observability/alerting"
	"MEMEX-Node/internal/observability/metrics"
	"MEMEX-Node/internal/protocol"
	"MEMEX-Node/internal/storage/mysql"
	"MEMEX-Node/internal/storage/redis"
	"MEMEX-Node/internal/sweep"
	"MEMEX-Node/pkg/logger"
)

// main 是 MEMEX 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("memexd 运行失败: %v", err)
	}
}

// stores 汇总所选存储后端创建的三类存储。
type stores struct {
	ledger     ledger.Store
	governance governance.Store
	versions   protocol.VersionStore
	db         *sql.DB
}

func (s stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MEMEX_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "memex.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	params, err := protocol.LoadParameters(cfg.Protocol.ParamsPath)
	if err != nil {
		return err
	}

	var redisClient *goredis.Client
	if cfg.Epoch.Clock == "redis" || cfg.Sweep.Queue.Driver == "redis" {
		redisClient, err = redis.Open(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	clock, err := openClock(ctx, cfg, redisClient)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	queue, err := openQueue(cfg, redisClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭作业队列失败", slog.Any("error", err))
		}
	}()

	dispatcher := alerting.NewFanout(&alerting.LogNotifier{Logger: logger.Named("alerting")})
	if cfg.Alerting.WebhookURL != "" {
		dispatcher = alerting.NewFanout(
			&alerting.LogNotifier{Logger: logger.Named("alerting")},
			&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL},
		)
	}

	versions := protocol.NewVersions(st.versions, protocol.Genesis(params))
	ledgerEngine := ledger.NewEngine(st.ledger, versions, clock, params,
		ledger.WithMaxRetries(cfg.Ledger.MaxRetries),
		ledger.WithRetryBackoff(time.Duration(cfg.Ledger.RetryBackoffMillis)*time.Millisecond),
		ledger.WithObserver(ledgerObserver(ctx, dispatcher)),
	)
	if err := ledgerEngine.EnsureGenesis(ctx); err != nil {
		return err
	}
	govEngine := governance.NewEngine(st.governance, ledgerEngine, versions, clock, params.Governance)

	sweeper := sweep.NewSweeper(govEngine, clock, queue,
		sweep.WithInterval(cfg.SweepInterval()),
		sweep.WithRewardBackfill(cfg.Sweep.RewardBackfill),
	)
	processor := sweep.NewProcessor(govEngine, ledgerEngine, queue,
		sweep.WithWorkerCount(cfg.Sweep.Workers),
		sweep.WithProcessorLogger(logger.Named("sweep")),
		sweep.WithAlertDispatcher(dispatcher),
		sweep.WithJobObserver(func(kind sweep.JobKind, err error) {
			metrics.ObserveSweepJob(string(kind), err)
		}),
	)

	serverOpts := []api.Option{
		api.WithFounder(cfg.Founder.AgentID, cfg.FounderSecret()),
		api.WithEpochHook(sweeper.OnEpoch),
	}
	if cfg.Metrics.Address == "" {
		serverOpts = append(serverOpts, api.WithMetricsRoute())
	}
	if cfg.FounderSecret() == "" {
		logger.L().Warn("未配置创始人密钥，创始人接口已禁用")
	}
	server := api.NewServer(cfg.Server.Address, ledgerEngine, govEngine, versions, clock, serverOpts...)

	logger.L().Info("memexd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("clock", cfg.Epoch.Clock),
		slog.String("queue", cfg.Sweep.Queue.Driver),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return processor.Start(groupCtx) })
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error {
		return epoch.NewTicker(clock, cfg.EpochTick(), sweeper.OnEpoch).Run(groupCtx)
	})
	if cfg.Metrics.Address != "" {
		group.Go(func() error { return metrics.StartServer(groupCtx, cfg.Metrics.Address) })
	}
	group.Go(func() error { return server.Start(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openClock(ctx context.Context, cfg *config.Config, client *goredis.Client) (epoch.Clock, error) {
	switch cfg.Epoch.Clock {
	case "memory":
		return epoch.NewMemoryClock(cfg.Epoch.Start), nil
	case "redis":
		clock := epoch.NewRedisClock(client, cfg.Epoch.Key)
		if _, err := clock.Seed(ctx, cfg.Epoch.Start); err != nil {
			return nil, err
		}
		return clock, nil
	default:
		return nil, fmt.Errorf("未知的纪元时钟: %s", cfg.Epoch.Clock)
	}
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return stores{
			ledger:     ledger.NewMemoryStore(ledger.WithLockTimeout(time.Duration(cfg.Ledger.LockTimeoutMillis) * time.Millisecond)),
			governance: governance.NewMemoryStore(),
			versions:   protocol.NewMemoryVersionStore(),
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
			LockWaitTimeout: cfg.Storage.MySQL.LockWaitTimeoutSeconds,
		})
		if err != nil {
			return stores{}, err
		}
		return stores{
			ledger:     mysql.NewLedgerStore(db),
			governance: mysql.NewGovernanceStore(db),
			versions:   mysql.NewVersionStore(db),
			db:         db,
		}, nil
	default:
		return stores{}, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openQueue(cfg *config.Config, client *goredis.Client) (sweep.Queue, error) {
	switch cfg.Sweep.Queue.Driver {
	case "memory":
		return sweep.NewMemoryQueue(cfg.Sweep.Queue.Size), nil
	case "redis":
		return sweep.NewRedisQueue(client, sweep.RedisQueueConfig{
			Queue:     cfg.Sweep.Queue.Name,
			BlockWait: time.Duration(cfg.Sweep.Queue.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return sweep.NewRabbitMQQueue(sweep.RabbitMQConfig{
			URL:        cfg.Sweep.RabbitMQ.URL,
			Queue:      cfg.Sweep.Queue.Name,
			Prefetch:   cfg.Sweep.RabbitMQ.Prefetch,
			Durable:    cfg.Sweep.RabbitMQ.Durable,
			AutoDelete: cfg.Sweep.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Sweep.Queue.Driver)
	}
}

// ledgerObserver 记录账本指标，并对需要告警的错误（如不变量被破坏）发出告警。
func ledgerObserver(ctx context.Context, dispatcher alerting.Dispatcher) ledger.Observer {
	return func(operation string, err error, elapsed time.Duration) {
		metrics.ObserveLedgerOperation(operation, err, elapsed)
		if err == nil || !xerrors.ShouldAlert(err) {
			return
		}
		if notifyErr := dispatcher.Notify(ctx, alerting.FromError("ledger", operation, err)); notifyErr != nil {
			logger.L().Warn("发送账本告警失败", slog.Any("error", notifyErr))
		}
	}
}
