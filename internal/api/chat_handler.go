package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"knowledgehub/internal/domain/chat"
)

// ChatHandler 对话轮次：准备（检索 + 历史）与保存最终回复
type ChatHandler struct {
	svc *chat.Service
}

// NewChatHandler 创建处理器
func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/prepare", h.Prepare)
		r.Post("/complete", h.Complete)
		r.Get("/sessions/{sessionID}/messages", h.History)
	})
}

type prepareRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

func (h *ChatHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	turn, err := h.svc.Prepare(r.Context(), req.SessionID, req.UserID, req.Message)
	if err != nil {
		writeDomainError(w, "prepare chat turn", err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

type completeRequest struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Answer    string `json:"answer"`
}

func (h *ChatHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TurnID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "turn_id and session_id are required")
		return
	}
	saved, err := h.svc.Complete(r.Context(), &chat.Turn{ID: req.TurnID, SessionID: req.SessionID, UserID: req.UserID}, req.Answer)
	if err != nil {
		writeDomainError(w, "complete chat turn", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": saved})
}

func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.History(r.Context(), chi.URLParam(r, "sessionID"), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, "load chat history", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
