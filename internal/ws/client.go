package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/supportsync/internal/logger"
)

const (
	// UI шлёт только короткие кадры activity и widget.
	maxFrameBytes = 1024
	outboxSize    = 32

	writeTimeout = 5 * time.Second
	idleTimeout  = time.Minute
	pingInterval = 25 * time.Second
)

// Client — одно подключение UI (вкладка или оболочка киоска). Читающая горутина
// разбирает кадры и передаёт их хабу, пишущая отправляет события из outbox и пингует.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	outbox chan OutgoingMessage
	stop   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		outbox: make(chan OutgoingMessage, outboxSize),
		stop:   make(chan struct{}),
	}
}

// Start запускает обе горутины. Отмена parent или Close завершает подключение.
func (c *Client) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.wg.Add(2)
	go c.receive(ctx)
	go c.transmit(ctx)
}

// Wait ждёт завершения обеих горутин.
func (c *Client) Wait() { c.wg.Wait() }

// Close прощается с UI кадром закрытия и рвёт соединение. Идемпотентен.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.cancel != nil {
			c.cancel()
		}
		bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent closed the connection")
		_ = c.conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(writeTimeout))
		_ = c.conn.Close()
	})
}

// enqueue кладёт событие в outbox. false — очередь переполнена, клиент не успевает читать.
func (c *Client) enqueue(msg OutgoingMessage) bool {
	select {
	case <-c.stop:
		return true
	default:
	}
	select {
	case c.outbox <- msg:
		return true
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) receive(ctx context.Context) {
	defer c.wg.Done()
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for ctx.Err() == nil {
		var msg IncomingMessage
		err := c.conn.ReadJSON(&msg)
		switch {
		case err == nil:
			c.hub.HandleMessage(ctx, c, msg)
		case isSyntaxError(err):
			logger.Debugf("ws client=%s sent malformed frame: %v", c.id, err)
			c.enqueue(OutgoingMessage{Type: EventError, Payload: "malformed frame"})
		default:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Errorf("ws client=%s read: %v", c.id, err)
			}
			return
		}
	}
}

func (c *Client) transmit(ctx context.Context) {
	defer c.wg.Done()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Debugf("ws client=%s write %s: %v", c.id, msg.Type, err)
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// isSyntaxError отличает битый JSON от обрыва соединения: после первого соединение живо.
func isSyntaxError(err error) bool {
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	return errors.As(err, &se) || errors.As(err, &te)
}
