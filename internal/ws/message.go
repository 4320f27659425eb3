package ws

import (
	"time"

	"github.com/supportsync/internal/activity"
	"github.com/supportsync/internal/model"
)

type EventType string

const (
	EventSessionChanged      EventType = "session_changed"
	EventForcedLogout        EventType = "forced_logout"
	EventUnauthorized        EventType = "unauthorized"
	EventConversationUpdated EventType = "conversation_updated"
	EventActivity            EventType = "activity"
	EventWidget              EventType = "widget"
	EventError               EventType = "error"
)

// IncomingMessage is what the UI sends to the agent.
type IncomingMessage struct {
	Type   EventType       `json:"type"`
	Signal activity.Signal `json:"signal,omitempty"`
	Open   *bool           `json:"open,omitempty"`
}

// OutgoingMessage is what the agent pushes to the UI.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// SessionPayload is pushed on every login, logout and profile change.
type SessionPayload struct {
	Authenticated bool        `json:"authenticated"`
	User          *model.User `json:"user,omitempty"`
}

// NotificationPayload carries forced_logout and unauthorized.
type NotificationPayload struct {
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
