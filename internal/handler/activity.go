package handler

import (
	"net/http"

	"github.com/supportsync/internal/activity"
)

// ActivityHandler принимает сигналы активности от UI без WebSocket.
type ActivityHandler struct {
	monitor *activity.Monitor
}

func NewActivityHandler(monitor *activity.Monitor) *ActivityHandler {
	return &ActivityHandler{monitor: monitor}
}

type activityRequest struct {
	Signal activity.Signal `json:"signal"`
}

func (h *ActivityHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.monitor.Observe(req.Signal) {
		writeError(w, http.StatusBadRequest, "unknown activity signal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
