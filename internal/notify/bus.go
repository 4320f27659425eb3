// Package notify — общая шина широковещательных уведомлений между независимыми частями агента.
// Издатель — менеджер сессии, подписчики — мост к UI (редирект на вход) и метрики.
package notify

import (
	"sync"
	"time"

	"github.com/supportsync/internal/logger"
)

type Kind string

const (
	// KindForcedLogout — сессия завершена принудительно (неактивность, протухшая сессия при старте).
	KindForcedLogout Kind = "forced_logout"
	// KindUnauthorized — сервер отклонил авторизацию (401) на одном из запросов.
	KindUnauthorized Kind = "unauthorized"
)

type Event struct {
	Kind   Kind      `json:"kind"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type subscriber struct {
	fn    func(Event)
	kinds map[Kind]struct{}
}

func (s subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus — типизированный pub/sub. Нулевое значение готово к использованию.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Subscribe регистрирует fn на перечисленные виды событий (пусто — на все).
// Возвращает функцию отписки; повторный вызов безопасен.
func (b *Bus) Subscribe(fn func(Event), kinds ...Kind) func() {
	s := subscriber{fn: fn}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]subscriber)
	}
	b.next++
	id := b.next
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish синхронно вызывает подписчиков вне блокировки шины.
// Паника подписчика логируется и не мешает остальным.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev.Kind) {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		deliver(fn, ev)
	}
}

func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("notify subscriber panic kind=%s: %v", ev.Kind, r)
		}
	}()
	fn(ev)
}
