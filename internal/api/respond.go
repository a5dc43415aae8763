package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    xerrors.Code      `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", err))
	}
}

// writeError 将统一错误映射为 HTTP 状态码与错误体，未知错误不向外暴露细节。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.StatusOf(err)
	payload := errorPayload{Code: xerrors.CodeOf(err)}
	if e, ok := xerrors.From(err); ok {
		payload.Message = e.Message()
		if cause := e.Unwrap(); cause != nil && status < http.StatusInternalServerError {
			payload.Message = fmt.Sprintf("%s: %v", payload.Message, cause)
		}
		payload.Details = e.Metadata()
	} else {
		payload.Message = xerrors.AttributesOf(xerrors.CodeUnknown).Message
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", string(payload.Code)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorBody{Error: payload})
}

// decodeJSON 解析请求体，空请求体视为空对象。
func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && err != io.EOF {
		return xerrors.Wrap(xerrors.CodeInvalidParameter, err, fmt.Sprintf("请求体解析失败: %v", err))
	}
	return nil
}

func queryInt64(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("参数 %s 无效: %s", name, raw))
	}
	return v, nil
}
