package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/supportsync/internal/api"
	"github.com/supportsync/internal/chat"
	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/session"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	// Body — исходный текст неотправленного сообщения, чтобы UI вернул его в поле ввода.
	Body *string `json:"body,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusOf переводит ошибку домена в HTTP-статус моста и текст для UI.
func statusOf(err error) (int, errorResponse) {
	var af *api.AuthFailure
	var vf *api.ValidationFailure
	switch {
	case errors.As(err, &af):
		resp := errorResponse{Error: af.Error(), Reason: string(af.Reason)}
		switch af.Reason {
		case api.ReasonForbidden:
			return http.StatusForbidden, resp
		case api.ReasonAdditionalInfoRequired:
			return http.StatusAccepted, resp
		default:
			return http.StatusUnauthorized, resp
		}
	case errors.As(err, &vf):
		return http.StatusUnprocessableEntity, errorResponse{Error: vf.Error(), Reason: "validation"}
	case errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized, errorResponse{Error: "not authenticated", Reason: "unauthorized"}
	case api.IsNetwork(err):
		return http.StatusBadGateway, errorResponse{Error: "application server unavailable", Reason: "network"}
	case errors.Is(err, chat.ErrClosed), errors.Is(err, chat.ErrNoConversation):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	}
	var se *api.StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway, errorResponse{Error: se.Error()}
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal error"}
}

func writeAPIError(w http.ResponseWriter, op string, err error) {
	status, resp := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s: %v", op, err)
	}
	writeJSON(w, status, resp)
}
