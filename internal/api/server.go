package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"MEMEX-Node/internal/epoch"
	"MEMEX-Node/internal/governance"
	"MEMEX-Node/internal/ledger"
	"MEMEX-Node/internal/observability/metrics"
	"MEMEX-Node/internal/protocol"
)

// EpochHook 在创始人推进纪元后被调用。
type EpochHook func(ctx context.Context, epoch int64)

// Option 定制 Server。
type Option func(*Server)

// WithFounder 设置创始人代理编号与密钥，密钥为空时创始人接口全部拒绝。
func WithFounder(agent, secret string) Option {
	return func(s *Server) {
		if agent != "" {
			s.founderAgent = agent
		}
		s.founderSecret = secret
	}
}

// WithEpochHook 注册纪元推进回调。
func WithEpochHook(hook EpochHook) Option {
	return func(s *Server) {
		s.onEpoch = hook
	}
}

// WithMetricsRoute 在 API 端口上挂载 /metrics。
func WithMetricsRoute() Option {
	return func(s *Server) {
		s.metrics = true
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr          string
	ledger        *ledger.Engine
	governance    *governance.Engine
	versions      *protocol.Versions
	clock         epoch.Clock
	founderAgent  string
	founderSecret string
	onEpoch       EpochHook
	metrics       bool
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ledgerEngine *ledger.Engine, govEngine *governance.Engine, versions *protocol.Versions, clock epoch.Clock, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		ledger:       ledgerEngine,
		governance:   govEngine,
		versions:     versions,
		clock:        clock,
		founderAgent: "founder",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	mux.HandleFunc("GET /api/v0/wallet", s.authenticate(s.handleOwnWallet))
	mux.HandleFunc("GET /api/v0/wallets/{agent}", s.handleWallet)
	mux.HandleFunc("POST /api/v0/wallet/transfer", s.authenticate(s.handleTransfer))
	mux.HandleFunc("GET /api/v0/wallet/transactions", s.authenticate(s.handleTransactions))

	mux.HandleFunc("POST /api/v0/staking/stake", s.authenticate(s.handleStake))
	mux.HandleFunc("POST /api/v0/staking/unstake", s.authenticate(s.handleUnstake))
	mux.HandleFunc("GET /api/v0/staking/status", s.authenticate(s.handleStakeStatus))

	mux.HandleFunc("POST /api/v0/faucet/claim", s.authenticate(s.handleFaucet))
	mux.HandleFunc("POST /api/v0/missions/{mission}/claim", s.authenticate(s.handleMission))
	mux.HandleFunc("POST /api/v0/fees/charge", s.authenticate(s.handleChargeFee))

	mux.HandleFunc("GET /api/v0/config", s.handleConfig)
	mux.HandleFunc("GET /api/v0/config/history", s.handleConfigHistory)
	mux.HandleFunc("GET /api/v0/epoch", s.handleEpoch)

	mux.HandleFunc("GET /api/v0/governance/proposals", s.handleListProposals)
	mux.HandleFunc("POST /api/v0/governance/proposals", s.authenticate(s.handleCreateProposal))
	mux.HandleFunc("GET /api/v0/governance/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("GET /api/v0/governance/proposals/{id}/votes", s.handleListVotes)
	mux.HandleFunc("POST /api/v0/governance/proposals/{id}/votes", s.authenticate(s.handleVote))

	mux.HandleFunc("POST /api/v0/founder/epoch/advance", s.founderOnly(s.handleAdvanceEpoch))
	mux.HandleFunc("POST /api/v0/founder/treasury/transfer", s.founderOnly(s.handleTreasuryTransfer))
	mux.HandleFunc("POST /api/v0/founder/slash", s.founderOnly(s.handleSlash))
	mux.HandleFunc("GET /api/v0/founder/checkpoint", s.founderOnly(s.handleCheckpoint))
	mux.HandleFunc("GET /api/v0/founder/reconcile/{agent}", s.founderOnly(s.handleReconcile))
	return instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	current, err := s.clock.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "epoch": current})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
