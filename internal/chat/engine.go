// Package chat — синхронизация одного обращения в поддержку опросом сервера:
// слияние серверной истории с оптимистичными отправками, водяной знак прочтения
// и счётчик непрочитанных.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/supportsync/internal/api"
	"github.com/supportsync/internal/clock"
	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/metrics"
	"github.com/supportsync/internal/model"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultReconcileWindow = 2 * time.Minute
	DefaultMaxBodyLength   = 4000

	pollTimeout = 30 * time.Second
)

var (
	ErrClosed         = errors.New("chat engine closed")
	ErrNoConversation = errors.New("conversation not opened")
)

// Sender — кто отправляет сообщения с этого агента.
type Sender struct {
	Type model.SenderType
	ID   string
}

type Options struct {
	API             api.SupportAPI
	Clock           clock.Clock
	PollInterval    time.Duration
	ReconcileWindow time.Duration
	MaxBodyLength   int
	Self            Sender
	// ExcludeOwn исключает сообщения Self из счётчика непрочитанных. Без него
	// непрочитанные — все сообщения с id больше водяного знака.
	ExcludeOwn bool
	// NewKey генерирует ключ идемпотентности отправки; по умолчанию UUID.
	NewKey func() string
}

// View — модель представления обращения для UI.
type View struct {
	Conversation      *model.Conversation `json:"conversation"`
	Messages          []model.Message     `json:"messages"`
	Unread            int                 `json:"unread"`
	LastReadMessageID *int64              `json:"last_read_message_id"`
	Viewing           bool                `json:"viewing"`
}

// SendError — отправка не удалась. Body — исходный ввод для повторной попытки.
type SendError struct {
	Body string
	Err  error
}

func (e *SendError) Error() string { return "chat.Send: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// Engine ведёт одно обращение. Опрос идёт по таймеру только пока обращение открыто
// движком и движок не закрыт; одновременно выполняется не больше одного опроса,
// запрос во время опроса ставится в очередь и выполняется сразу после него.
type Engine struct {
	api    api.SupportAPI
	clk    clock.Clock
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conv      *model.Conversation
	byID      map[int64]model.Message
	pending   []pendingEntry
	claimed   map[int64]struct{}
	watermark *int64
	unread    int
	viewing   bool
	closed    bool
	inFlight  bool
	rerun     bool
	timer     clock.Timer
	gen       uint64

	emitMu  sync.Mutex
	subMu   sync.RWMutex
	subNext int
	subs    map[int]func(View)
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = DefaultReconcileWindow
	}
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = DefaultMaxBodyLength
	}
	if opts.NewKey == nil {
		opts.NewKey = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		api:     opts.API,
		clk:     opts.Clock,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		byID:    make(map[int64]model.Message),
		claimed: make(map[int64]struct{}),
		subs:    make(map[int]func(View)),
	}
}

// Open получает или создаёт обращение, загружает историю и ставит водяной знак
// на самое новое сообщение. Сбой первой загрузки не фатален: опрос уже запущен и догрузит.
func (e *Engine) Open(ctx context.Context) (*model.Conversation, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.conv != nil {
		c := *e.conv
		e.mu.Unlock()
		return &c, nil
	}
	e.mu.Unlock()

	conv, err := e.api.GetOrCreateConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat.Open: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.conv != nil {
		c := *e.conv
		e.mu.Unlock()
		return &c, nil
	}
	c := *conv
	e.conv = &c
	// первая загрузка занимает слот опроса: Poll во время неё встаёт в очередь
	e.inFlight = true
	e.mu.Unlock()
	logger.Infof("support conversation opened id=%d status=%s", c.ID, c.Status)

	msgs, err := e.api.GetMessages(ctx, c.ID)
	if err != nil {
		e.logPollError("initial load", err)
	}

	e.mu.Lock()
	if e.closed {
		e.inFlight = false
		e.mu.Unlock()
		return nil, ErrClosed
	}
	var ack bool
	if err == nil {
		e.mergeLocked(msgs)
		if newest, ok := e.maxIDLocked(); ok {
			e.advanceLocked(newest)
			ack = e.viewing
		}
		e.recountLocked()
	}
	e.armLocked()
	queued := e.rerun
	e.rerun = false
	e.inFlight = queued
	e.mu.Unlock()

	if ack {
		e.ack(ctx, c.ID)
	}
	e.emit()
	if queued {
		_ = e.drain(ctx)
	}
	return &c, nil
}

// Poll выполняет одну синхронизацию. Если опрос уже идёт, запрос ставится в очередь
// и выполняется сразу после текущего; вызывающий не ждёт.
func (e *Engine) Poll(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.conv == nil:
		e.mu.Unlock()
		return ErrNoConversation
	case e.inFlight:
		e.rerun = true
		e.mu.Unlock()
		return nil
	}
	e.inFlight = true
	e.mu.Unlock()
	return e.drain(ctx)
}

// drain опрашивает, пока есть запросы в очереди. Вызывающий уже занял inFlight.
func (e *Engine) drain(ctx context.Context) error {
	for {
		err := e.safeFetch(ctx)
		e.mu.Lock()
		if !e.rerun || e.closed {
			e.inFlight = false
			e.mu.Unlock()
			return err
		}
		e.rerun = false
		e.mu.Unlock()
	}
}

func (e *Engine) safeFetch(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chat.poll: panic: %v", r)
			logger.Errorf("%v", err)
		}
	}()
	return e.fetch(ctx)
}

func (e *Engine) fetch(ctx context.Context) error {
	e.mu.Lock()
	id := e.conv.ID
	e.mu.Unlock()

	msgs, err := e.api.GetMessages(ctx, id)
	metrics.Polls.WithLabelValues(metrics.ResultOf(err)).Inc()
	if err != nil {
		e.logPollError("poll", err)
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mergeLocked(msgs)
	var ack bool
	if e.viewing {
		if newest, ok := e.maxIDLocked(); ok {
			e.advanceLocked(newest)
			ack = true
		}
	}
	e.recountLocked()
	e.mu.Unlock()

	if ack {
		e.ack(ctx, id)
	}
	e.emit()
	return nil
}

func (e *Engine) ack(ctx context.Context, id int64) {
	if err := e.api.MarkRead(ctx, id); err != nil {
		e.logPollError("mark read", err)
	}
}

// logPollError: отказ авторизации при опросе ожидаем (сессия истекла отдельно), пишем только в debug.
func (e *Engine) logPollError(op string, err error) {
	switch {
	case api.IsUnauthorized(err):
		logger.Debugf("chat %s: %v", op, err)
	case errors.Is(err, context.Canceled):
	default:
		logger.Errorf("chat %s: %v", op, err)
	}
}

// Send показывает сообщение сразу как оптимистичное и отправляет его на сервер.
// При ошибке оптимистичная запись убирается, ввод возвращается в SendError.Body.
func (e *Engine) Send(ctx context.Context, body string) (*model.Message, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		metrics.Sends.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, &SendError{Body: body, Err: &api.ValidationFailure{Field: "body", Message: "message is empty"}}
	}
	if utf8.RuneCountInString(text) > e.opts.MaxBodyLength {
		metrics.Sends.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, &SendError{Body: body, Err: &api.ValidationFailure{
			Field:   "body",
			Message: fmt.Sprintf("message is longer than %d characters", e.opts.MaxBodyLength),
		}}
	}

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return nil, &SendError{Body: body, Err: ErrClosed}
	case e.conv == nil:
		e.mu.Unlock()
		metrics.Sends.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, &SendError{Body: body, Err: &api.ValidationFailure{Field: "conversation", Message: "no conversation"}}
	case e.conv.Closed():
		e.mu.Unlock()
		metrics.Sends.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, &SendError{Body: body, Err: &api.ValidationFailure{Field: "conversation", Message: "conversation is closed"}}
	}
	convID := e.conv.ID
	key := e.opts.NewKey()
	afterID, _ := e.maxIDLocked()
	e.pending = append(e.pending, pendingEntry{
		msg: model.Message{
			ClientKey:      key,
			ConversationID: convID,
			SenderType:     e.opts.Self.Type,
			SenderID:       e.opts.Self.ID,
			Body:           text,
			Pending:        true,
		},
		sentAt:  e.clk.Now(),
		afterID: afterID,
	})
	e.mu.Unlock()
	e.emit()

	res, err := e.api.SendMessage(ctx, convID, text, key)
	metrics.Sends.WithLabelValues(metrics.ResultOf(err)).Inc()
	if err != nil {
		e.mu.Lock()
		e.dropPendingLocked(key)
		e.mu.Unlock()
		e.emit()
		if api.IsUnauthorized(err) {
			logger.Debugf("chat send: %v", err)
		} else {
			logger.Infof("chat send failed conversation=%d: %v", convID, err)
		}
		return nil, &SendError{Body: body, Err: err}
	}

	e.mu.Lock()
	if res != nil && res.ID != nil && !e.closed {
		m := *res
		m.Pending = false
		if m.ClientKey == "" {
			m.ClientKey = key
		}
		if m.ConversationID == 0 {
			m.ConversationID = convID
		}
		e.byID[*m.ID] = m
		e.claimed[*m.ID] = struct{}{}
		e.dropPendingLocked(key)
		e.recountLocked()
	}
	e.mu.Unlock()
	e.emit()
	return res, nil
}

// SetViewing переключает режим: true — виджет открыт, всё полученное сразу подтверждается;
// false — копится счётчик непрочитанных. Открытие сразу запускает опрос с подтверждением,
// после него каденс опроса начинается заново.
func (e *Engine) SetViewing(ctx context.Context, viewing bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	changed := e.viewing != viewing
	e.viewing = viewing
	hasConv := e.conv != nil
	if !viewing {
		e.recountLocked()
	}
	e.mu.Unlock()

	if !changed {
		return nil
	}
	if !viewing || !hasConv {
		e.restart()
		e.emit()
		return nil
	}
	err := e.Poll(ctx)
	e.restart()
	return err
}

// Close останавливает опрос. Колбэки и ответы, пришедшие после Close, состояние не меняют.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	e.cancel()
}

// Done закрывается при Close.
func (e *Engine) Done() <-chan struct{} { return e.ctx.Done() }

func (e *Engine) restart() {
	e.mu.Lock()
	e.armLocked()
	e.mu.Unlock()
}

func (e *Engine) armLocked() {
	if e.closed || e.conv == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = e.clk.AfterFunc(e.opts.PollInterval, func() { e.tick(gen) })
}

func (e *Engine) tick(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if gen == e.gen {
			e.armLocked()
		}
		e.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("chat poll tick panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(e.ctx, pollTimeout)
	defer cancel()
	_ = e.Poll(ctx)
}

func (e *Engine) mergeLocked(msgs []model.Message) {
	for _, m := range msgs {
		if m.ID == nil {
			continue
		}
		m.Pending = false
		e.byID[*m.ID] = m
	}
	e.pending = reconcile(e.pending, e.byID, e.claimed, e.opts.ReconcileWindow)
}

func (e *Engine) maxIDLocked() (int64, bool) {
	var (
		top int64
		ok  bool
	)
	for id := range e.byID {
		if !ok || id > top {
			top, ok = id, true
		}
	}
	return top, ok
}

// advanceLocked двигает водяной знак только вперёд.
func (e *Engine) advanceLocked(id int64) {
	if e.watermark == nil || id > *e.watermark {
		v := id
		e.watermark = &v
	}
}

func (e *Engine) own(m model.Message) bool {
	s := e.opts.Self
	return s.Type != "" && m.SenderType == s.Type && (s.ID == "" || m.SenderID == s.ID)
}

func (e *Engine) recountLocked() {
	if e.viewing {
		e.unread = 0
		return
	}
	n := 0
	for id, m := range e.byID {
		if e.watermark != nil && id <= *e.watermark {
			continue
		}
		if e.opts.ExcludeOwn && e.own(m) {
			continue
		}
		n++
	}
	e.unread = n
}

func (e *Engine) dropPendingLocked(key string) {
	for i, p := range e.pending {
		if p.msg.ClientKey == key {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// Snapshot возвращает текущую модель представления.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := View{
		Messages: mergedList(e.byID, e.pending),
		Unread:   e.unread,
		Viewing:  e.viewing,
	}
	if e.conv != nil {
		c := *e.conv
		v.Conversation = &c
	}
	if e.watermark != nil {
		w := *e.watermark
		v.LastReadMessageID = &w
	}
	return v
}

// ReadState — водяной знак и счётчик в виде модели.
func (e *Engine) ReadState() model.ReadState {
	v := e.Snapshot()
	rs := model.ReadState{LastReadMessageID: v.LastReadMessageID, UnreadCount: v.Unread}
	if v.Conversation != nil {
		rs.ConversationID = v.Conversation.ID
	}
	return rs
}

// Subscribe подписывает fn на изменения модели представления. Возвращает отписку.
func (e *Engine) Subscribe(fn func(View)) func() {
	e.subMu.Lock()
	e.subNext++
	id := e.subNext
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emit() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	v := e.Snapshot()
	metrics.Unread.Set(float64(v.Unread))
	e.subMu.RLock()
	fns := make([]func(View), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("chat subscriber panic: %v", r)
				}
			}()
			fn(v)
		}()
	}
}
