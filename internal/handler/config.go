package handler

import (
	"net/http"

	"github.com/supportsync/internal/activity"
	"github.com/supportsync/internal/config"
)

// ConfigHandler отдаёт UI публичные параметры агента (без секретов и адресов хранилища).
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"inactivity_timeout_seconds": int(h.cfg.InactivityTimeout.Seconds()),
		"poll_interval_seconds":      int(h.cfg.PollInterval.Seconds()),
		"max_message_length":         h.cfg.MaxMessageLength,
		"activity_signals":           activity.Signals,
	})
}
