package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/supportsync/internal/api"
	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/model"
	"github.com/supportsync/internal/session"
)

// AuthHandler — вход, регистрация и выход через менеджер сессии.
// Токен наружу не отдаётся: мост сам подставляет его в запросы к серверу.
type AuthHandler struct {
	sessions *session.Manager
}

func NewAuthHandler(sessions *session.Manager) *AuthHandler {
	return &AuthHandler{sessions: sessions}
}

type sessionResponse struct {
	Authenticated  bool          `json:"authenticated"`
	State          session.State `json:"state"`
	User           *model.User   `json:"user,omitempty"`
	LastActivityAt *time.Time    `json:"last_activity_at,omitempty"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
}

func (h *AuthHandler) view(s *model.Session) sessionResponse {
	if s == nil {
		return sessionResponse{State: session.StateAnonymous}
	}
	u := s.User.Clone()
	last := s.LastActivityAt
	exp := s.ExpiresAt(h.sessions.Timeout())
	return sessionResponse{
		Authenticated:  true,
		State:          h.sessions.State(),
		User:           &u,
		LastActivityAt: &last,
		ExpiresAt:      &exp,
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req api.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email и password обязательны")
		return
	}
	s, err := h.sessions.Login(r.Context(), req)
	if err != nil {
		writeAPIError(w, "login", err)
		return
	}
	logger.Infof("login ok user=%s", s.User.ID)
	writeJSON(w, http.StatusOK, h.view(s))
}

type externalRequest struct {
	Credential string `json:"credential"`
}

type externalResponse struct {
	sessionResponse
	AdditionalInfoRequired bool                 `json:"additional_info_required"`
	PartialIdentity        *api.PartialIdentity `json:"partial_identity,omitempty"`
}

// External обменивает утверждение внешнего провайдера. 202 — серверу нужны доп. данные,
// UI показывает форму регистрации с partial_identity.
func (h *AuthHandler) External(w http.ResponseWriter, r *http.Request) {
	var req externalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Credential) == "" {
		writeError(w, http.StatusBadRequest, "credential обязателен")
		return
	}
	s, partial, err := h.sessions.LoginWithExternalIdentity(r.Context(), req.Credential)
	var af *api.AuthFailure
	if errors.As(err, &af) && af.Reason == api.ReasonAdditionalInfoRequired {
		writeJSON(w, http.StatusAccepted, externalResponse{
			sessionResponse:        h.view(nil),
			AdditionalInfoRequired: true,
			PartialIdentity:        partial,
		})
		return
	}
	if err != nil {
		writeAPIError(w, "external login", err)
		return
	}
	writeJSON(w, http.StatusOK, externalResponse{sessionResponse: h.view(s)})
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req api.SignupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" && req.Identity == nil {
		writeError(w, http.StatusBadRequest, "email обязателен")
		return
	}
	s, err := h.sessions.Signup(r.Context(), req)
	if err != nil {
		writeAPIError(w, "signup", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(s))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context(), false)
	writeJSON(w, http.StatusOK, h.view(nil))
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if _, err := h.sessions.Refresh(r.Context()); err != nil {
		writeAPIError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(h.sessions.Current()))
}

func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view(h.sessions.Current()))
}

func (h *AuthHandler) PatchUser(w http.ResponseWriter, r *http.Request) {
	var patch model.UserPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	u, err := h.sessions.UpdateUser(patch)
	if err != nil {
		writeAPIError(w, "patch user", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
