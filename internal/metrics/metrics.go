// Package metrics — счётчики агента для /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/supportsync/internal/api"
)

var (
	Polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportsync_polls_total",
			Help: "Support conversation polls by result.",
		},
		[]string{"result"},
	)

	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportsync_sends_total",
			Help: "Support message sends by result.",
		},
		[]string{"result"},
	)

	Logouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportsync_logouts_total",
			Help: "Session terminations by cause.",
		},
		[]string{"cause"},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportsync_notifications_total",
			Help: "Cross-component notifications by kind.",
		},
		[]string{"kind"},
	)

	Unread = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportsync_unread_messages",
			Help: "Unread support messages in the current conversation.",
		},
	)

	UIClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportsync_ui_clients",
			Help: "Connected UI WebSocket clients.",
		},
	)
)

// Результаты для Polls и Sends.
const (
	ResultOK           = "ok"
	ResultUnauthorized = "unauthorized"
	ResultNetwork      = "network"
	ResultError        = "error"
	ResultRejected     = "rejected"
)

func init() {
	prometheus.MustRegister(Polls, Sends, Logouts, Notifications, Unread, UIClients)
}

// ResultOf сводит ошибку вызова API к метке результата.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case api.IsUnauthorized(err):
		return ResultUnauthorized
	case api.IsNetwork(err):
		return ResultNetwork
	case api.IsValidation(err):
		return ResultRejected
	default:
		return ResultError
	}
}
