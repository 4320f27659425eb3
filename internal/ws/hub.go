package ws

import (
	"context"
	"sync"
	"time"

	"github.com/supportsync/internal/activity"
	"github.com/supportsync/internal/chat"
	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/metrics"
	"github.com/supportsync/internal/model"
	"github.com/supportsync/internal/notify"
)

// ActivitySink принимает сигналы активности из UI (activity.Monitor).
type ActivitySink interface {
	Observe(s activity.Signal) bool
}

// HubOptions — зависимости хаба. Snapshot вызывается при подключении клиента,
// чтобы новый UI сразу получил текущую сессию и обращение.
type HubOptions struct {
	Activity  ActivitySink
	SetWidget func(ctx context.Context, open bool) error
	Snapshot  func() []OutgoingMessage
	MaxConns  int
}

// Hub раздаёт события агента всем подключённым UI и принимает от них сигналы.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	opts       HubOptions
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(opts HubOptions) *Hub {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 64
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		opts:       opts,
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// I/O вне мьютекса.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	metrics.UIClients.Set(0)

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting client=%s", h.opts.MaxConns, c.id)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.UIClients.Set(float64(n))

	if h.opts.Snapshot != nil {
		for _, msg := range h.opts.Snapshot() {
			h.sendToClient(c, msg)
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.UIClients.Set(float64(n))

	c.Close()
}

// Clients — число подключённых UI.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleMessage dispatches incoming UI frames.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventActivity:
		if h.opts.Activity == nil || !h.opts.Activity.Observe(msg.Signal) {
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown activity signal"})
		}
	case EventWidget:
		h.handleWidget(ctx, c, msg)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

func (h *Hub) handleWidget(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleWidget", time.Now())()
	if msg.Open == nil || h.opts.SetWidget == nil {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "open required"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.opts.SetWidget(ctx, *msg.Open); err != nil {
		logger.Errorf("ws set widget client=%s: %v", c.id, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "widget update failed"})
	}
}

// Broadcast отправляет сообщение всем клиентам.
func (h *Hub) Broadcast(msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// Notify — подписчик шины уведомлений.
func (h *Hub) Notify(ev notify.Event) {
	t := EventForcedLogout
	if ev.Kind == notify.KindUnauthorized {
		t = EventUnauthorized
	}
	h.Broadcast(OutgoingMessage{Type: t, Payload: NotificationPayload{Reason: ev.Reason, At: ev.At}})
}

// SessionChanged — подписчик наблюдаемой сессии.
func (h *Hub) SessionChanged(s *model.Session) {
	h.Broadcast(SessionMessage(s))
}

// ConversationUpdated — подписчик модели представления обращения.
func (h *Hub) ConversationUpdated(v chat.View) {
	h.Broadcast(OutgoingMessage{Type: EventConversationUpdated, Payload: v})
}

// SessionMessage строит session_changed для текущей сессии (nil — не вошли).
func SessionMessage(s *model.Session) OutgoingMessage {
	p := SessionPayload{}
	if s != nil {
		u := s.User.Clone()
		p.Authenticated = true
		p.User = &u
	}
	return OutgoingMessage{Type: EventSessionChanged, Payload: p}
}

// sendToClient отключает клиента, который не успевает разбирать очередь событий.
func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	if !c.enqueue(msg) {
		logger.Errorf("ws outbox full, dropping client=%s", c.id)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
