// Package service связывает сессию, движок обращения и виджет: без сессии опроса нет.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/supportsync/internal/api"
	"github.com/supportsync/internal/chat"
	"github.com/supportsync/internal/clock"
	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/model"
	"github.com/supportsync/internal/session"
	"github.com/supportsync/internal/widget"
)

const (
	openTimeout   = 20 * time.Second
	maxRetryDelay = time.Minute
)

type SyncOptions struct {
	Sessions        *session.Manager
	Support         api.SupportAPI
	Widget          *widget.State
	Clock           clock.Clock
	PollInterval    time.Duration
	ReconcileWindow time.Duration
	MaxBodyLength   int
	SelfType        model.SenderType
	// CountOwnUnread включает свои сообщения в счётчик непрочитанных.
	CountOwnUnread bool
}

// SyncService держит движок обращения текущего пользователя. Вход создаёт и открывает движок,
// выход закрывает его; смена пользователя пересоздаёт.
type SyncService struct {
	opts SyncOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lifeMu упорядочивает запуск и остановку движка.
	lifeMu      sync.Mutex
	mu          sync.Mutex
	engine      *chat.Engine
	userID      string
	unsubEngine func()
	unsubSess   func()
	unsubClear  func()

	viewMu   sync.RWMutex
	viewNext int
	viewSubs map[int]func(chat.View)
}

func NewSyncService(opts SyncOptions) *SyncService {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SelfType == "" {
		opts.SelfType = model.SenderUser
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncService{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		viewSubs: make(map[int]func(chat.View)),
	}
}

// Start подписывается на сессию и, если она уже есть, сразу запускает движок.
func (s *SyncService) Start() {
	unsub := s.opts.Sessions.Subscribe(s.onSession)
	unsubClear := s.opts.Sessions.OnCleared(s.onCleared)
	s.mu.Lock()
	s.unsubSess = unsub
	s.unsubClear = unsubClear
	s.mu.Unlock()
	s.onSession(s.opts.Sessions.Current())
}

// onCleared сбрасывает виджет, когда ключи сессии удалены без смены текущей сессии:
// протухшая запись при восстановлении или выход без сессии.
func (s *SyncService) onCleared() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.current() == nil {
		s.resetWidget()
	}
}

func (s *SyncService) resetWidget() {
	if s.opts.Widget != nil {
		s.opts.Widget.Reset()
	}
}

func (s *SyncService) onSession(sess *model.Session) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if sess == nil {
		s.stopEngine()
		return
	}
	s.mu.Lock()
	same := s.engine != nil && s.userID == sess.User.ID
	s.mu.Unlock()
	if same {
		return
	}
	s.stopEngine()
	s.startEngine(sess.User.ID)
}

func (s *SyncService) startEngine(userID string) {
	e := chat.New(chat.Options{
		API:             s.opts.Support,
		Clock:           s.opts.Clock,
		PollInterval:    s.opts.PollInterval,
		ReconcileWindow: s.opts.ReconcileWindow,
		MaxBodyLength:   s.opts.MaxBodyLength,
		Self:            chat.Sender{Type: s.opts.SelfType, ID: userID},
		ExcludeOwn:      !s.opts.CountOwnUnread,
	})
	unsub := e.Subscribe(s.forward)

	s.mu.Lock()
	s.engine = e
	s.userID = userID
	s.unsubEngine = unsub
	s.mu.Unlock()

	if s.opts.Widget != nil {
		if err := s.opts.Widget.Bind(s.ctx, e); err != nil {
			logger.Errorf("sync: bind widget: %v", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.open(e)
	}()
	logger.Infof("support sync started user=%s", userID)
}

// open открывает обращение с повтором по экспоненте. Отказ авторизации не повторяется:
// сессия завершится отдельно и закроет движок.
func (s *SyncService) open(e *chat.Engine) {
	delay := s.opts.PollInterval
	if delay <= 0 {
		delay = chat.DefaultPollInterval
	}
	for {
		ctx, cancel := context.WithTimeout(s.ctx, openTimeout)
		_, err := e.Open(ctx)
		cancel()
		switch {
		case err == nil, errors.Is(err, chat.ErrClosed), errors.Is(err, context.Canceled):
			return
		case api.IsUnauthorized(err):
			logger.Debugf("sync: open conversation: %v", err)
			return
		}
		logger.Errorf("sync: open conversation, retry in %s: %v", delay, err)

		fire := make(chan struct{})
		t := s.opts.Clock.AfterFunc(delay, func() { close(fire) })
		select {
		case <-fire:
		case <-e.Done():
			t.Stop()
			return
		case <-s.ctx.Done():
			t.Stop()
			return
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (s *SyncService) stopEngine() {
	s.mu.Lock()
	e := s.engine
	unsub := s.unsubEngine
	s.engine = nil
	s.userID = ""
	s.unsubEngine = nil
	s.mu.Unlock()
	s.resetWidget()
	if e == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	e.Close()
	s.forward(chat.View{})
	logger.Info("support sync stopped")
}

func (s *SyncService) current() *chat.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// SendMessage отправляет сообщение в обращение текущего пользователя.
func (s *SyncService) SendMessage(ctx context.Context, body string) (*model.Message, error) {
	e := s.current()
	if e == nil {
		return nil, &chat.SendError{Body: body, Err: session.ErrNotAuthenticated}
	}
	return e.Send(ctx, body)
}

// SetWidgetOpen сохраняет флаг виджета и переключает режим движка.
func (s *SyncService) SetWidgetOpen(ctx context.Context, open bool) error {
	if s.opts.Widget == nil {
		return nil
	}
	return s.opts.Widget.Set(ctx, open)
}

// Conversation возвращает модель представления; ok=false — движка нет (нет сессии).
func (s *SyncService) Conversation() (chat.View, bool) {
	e := s.current()
	if e == nil {
		return chat.View{}, false
	}
	return e.Snapshot(), true
}

// OnView подписывает fn на обновления модели представления. Возвращает отписку.
func (s *SyncService) OnView(fn func(chat.View)) func() {
	s.viewMu.Lock()
	s.viewNext++
	id := s.viewNext
	s.viewSubs[id] = fn
	s.viewMu.Unlock()
	return func() {
		s.viewMu.Lock()
		delete(s.viewSubs, id)
		s.viewMu.Unlock()
	}
}

func (s *SyncService) forward(v chat.View) {
	s.viewMu.RLock()
	fns := make([]func(chat.View), 0, len(s.viewSubs))
	for _, fn := range s.viewSubs {
		fns = append(fns, fn)
	}
	s.viewMu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Close отписывается от сессии, останавливает движок и ждёт фоновые открытия.
func (s *SyncService) Close() {
	s.mu.Lock()
	unsub, unsubClear := s.unsubSess, s.unsubClear
	s.unsubSess, s.unsubClear = nil, nil
	s.mu.Unlock()
	for _, fn := range []func(){unsub, unsubClear} {
		if fn != nil {
			fn()
		}
	}
	s.cancel()
	s.lifeMu.Lock()
	s.stopEngine()
	s.lifeMu.Unlock()
	s.wg.Wait()
}
