package handler

import (
	"errors"
	"net/http"

	"github.com/supportsync/internal/chat"
	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/service"
)

type SupportHandler struct {
	sync *service.SyncService
}

func NewSupportHandler(sync *service.SyncService) *SupportHandler {
	return &SupportHandler{sync: sync}
}

func (h *SupportHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	v, ok := h.sync.Conversation()
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type sendRequest struct {
	Body string `json:"body"`
}

// SendMessage отправляет сообщение. При отказе исходный текст возвращается в поле body.
func (h *SupportHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.sync.SendMessage(r.Context(), req.Body)
	if err != nil {
		status, resp := statusOf(err)
		var se *chat.SendError
		if errors.As(err, &se) {
			body := se.Body
			resp.Body = &body
		}
		if status >= http.StatusInternalServerError {
			logger.Errorf("send message: %v", err)
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type widgetRequest struct {
	Open *bool `json:"open"`
}

func (h *SupportHandler) SetWidget(w http.ResponseWriter, r *http.Request) {
	var req widgetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Open == nil {
		writeError(w, http.StatusBadRequest, "open обязателен")
		return
	}
	if err := h.sync.SetWidgetOpen(r.Context(), *req.Open); err != nil {
		writeAPIError(w, "set widget", err)
		return
	}
	v, _ := h.sync.Conversation()
	writeJSON(w, http.StatusOK, map[string]any{"open": *req.Open, "conversation": v})
}
