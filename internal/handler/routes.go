package handler

import (
	"github.com/go-chi/chi/v5"

	"github.com/supportsync/internal/activity"
	"github.com/supportsync/internal/config"
	"github.com/supportsync/internal/service"
	"github.com/supportsync/internal/session"
	"github.com/supportsync/internal/ws"
)

// Deps — компоненты агента, которые мост отдаёт UI.
type Deps struct {
	Config   *config.Config
	Sessions *session.Manager
	Sync     *service.SyncService
	Activity *activity.Monitor
	Hub      *ws.Hub
}

// Mount регистрирует маршруты моста. Общие middleware навешивает вызывающий код.
func Mount(r chi.Router, d Deps) {
	authH := NewAuthHandler(d.Sessions)
	supportH := NewSupportHandler(d.Sync)
	activityH := NewActivityHandler(d.Activity)
	configH := NewConfigHandler(d.Config)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", configH.GetClientConfig)

		r.Post("/auth/login", authH.Login)
		r.Post("/auth/external", authH.External)
		r.Post("/auth/signup", authH.Signup)
		r.Post("/auth/logout", authH.Logout)
		r.Post("/auth/refresh", authH.Refresh)

		r.Get("/session", authH.GetSession)
		r.Patch("/session/user", authH.PatchUser)

		r.Post("/activity", activityH.Post)

		r.Get("/support/conversation", supportH.GetConversation)
		r.Post("/support/messages", supportH.SendMessage)
		r.Post("/support/widget", supportH.SetWidget)
	})

	if d.Hub != nil {
		r.Get("/ws", NewWSHandler(d.Hub, d.Config.CORSAllowedOrigins).ServeWS)
	}
}
