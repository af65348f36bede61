package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"knowledgehub/internal/domain/chat"
	"knowledgehub/internal/domain/ingest"
	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

// APIResponse 统一 JSON 响应
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: message,
	})
}

// writeDomainError 领域错误映射为 HTTP 状态码；未知错误只记录日志，不向客户端暴露细节
func writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, knowledge.ErrInvalidDocument),
		errors.Is(err, ingest.ErrInvalidBatch),
		errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, knowledge.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, knowledge.ErrVectorDisabled),
		errors.Is(err, knowledge.ErrImportDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		applog.Error("[API] "+op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}
