package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/ledger"
	"MEMEX-Node/internal/observability/metrics"
	"MEMEX-Node/pkg/logger"
)

const founderSecretHeader = "X-Founder-Secret"

var (
	errMissingToken   = xerrors.New(xerrors.CodeUnauthorized, "缺少 Bearer 凭证")
	errFounderOnly    = xerrors.New(xerrors.CodeForbidden, "仅创始人可调用")
	errFounderOffline = xerrors.New(xerrors.CodeForbidden, "未配置创始人密钥")
	errPoolAgent      = xerrors.New(xerrors.CodeForbidden, "系统池账户不能作为调用方")
)

// bearerAgent 从 Authorization 头中解析代理编号。
func bearerAgent(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	agent := strings.TrimSpace(header[len(prefix):])
	return agent, agent != ""
}

// authenticate 解析调用方身份并确保其钱包存在，随后记录审计日志。
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := bearerAgent(r.Header.Get("Authorization"))
		if !ok {
			logger.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", http.StatusUnauthorized,
			)
			writeError(w, r, errMissingToken)
			return
		}
		if ledger.IsPool(agent) {
			logger.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", http.StatusForbidden,
				"agent_id", agent,
			)
			writeError(w, r, errPoolAgent)
			return
		}
		if _, err := s.ledger.Register(r.Context(), agent); err != nil {
			writeError(w, r, err)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next(aw, r.WithContext(WithAgent(r.Context(), agent)))
		logger.Audit().Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"agent_id", agent,
		)
	}
}

// founderOnly 要求调用方为创始人并携带正确的密钥。
func (s *Server) founderOnly(next http.HandlerFunc) http.HandlerFunc {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		if s.founderSecret == "" {
			writeError(w, r, errFounderOffline)
			return
		}
		agent := AgentFromContext(r.Context())
		secret := r.Header.Get(founderSecretHeader)
		if agent != s.founderAgent || subtle.ConstantTimeCompare([]byte(secret), []byte(s.founderSecret)) != 1 {
			logger.Audit().Warn("permission_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"agent_id", agent,
			)
			writeError(w, r, errFounderOnly)
			return
		}
		next(w, r)
	})
}

// instrument 记录请求指标，handler 标签使用路由模式以控制基数。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
		if sw.status >= http.StatusInternalServerError {
			logger.L().Warn("请求返回服务端错误",
				slog.String("pattern", pattern),
				slog.Int("status", sw.status),
			)
		}
	})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
