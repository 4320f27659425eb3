// Package widget — состояние виджета поддержки (открыт/свёрнут), переживающее перезапуск.
// Открытый виджет переводит движок обращения в режим чтения, свёрнутый — в режим подсчёта.
package widget

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/supportsync/internal/storage"
)

// Viewer — получатель режима (chat.Engine).
type Viewer interface {
	SetViewing(ctx context.Context, viewing bool) error
}

type State struct {
	store storage.Store

	mu     sync.Mutex
	open   bool
	viewer Viewer
}

func New(store storage.Store) *State {
	return &State{store: store}
}

// Load читает сохранённый флаг. Отсутствие ключа — виджет свёрнут.
func (s *State) Load(ctx context.Context) (bool, error) {
	raw, ok, err := s.store.Get(ctx, storage.KeyWidgetOpen)
	if err != nil {
		return false, fmt.Errorf("widget.Load: %w", err)
	}
	open := false
	if ok {
		open, _ = strconv.ParseBool(raw)
	}
	s.mu.Lock()
	s.open = open
	s.mu.Unlock()
	return open, nil
}

func (s *State) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *State) Open(ctx context.Context) error { return s.set(ctx, true) }

func (s *State) Minimize(ctx context.Context) error { return s.set(ctx, false) }

// Toggle переключает флаг и возвращает новое значение.
func (s *State) Toggle(ctx context.Context) (bool, error) {
	open := !s.IsOpen()
	return open, s.set(ctx, open)
}

// Set выставляет флаг явно.
func (s *State) Set(ctx context.Context, open bool) error { return s.set(ctx, open) }

func (s *State) set(ctx context.Context, open bool) error {
	s.mu.Lock()
	s.open = open
	v := s.viewer
	s.mu.Unlock()

	if err := s.store.Set(ctx, storage.KeyWidgetOpen, strconv.FormatBool(open)); err != nil {
		return fmt.Errorf("widget.set: %w", err)
	}
	if v != nil {
		return v.SetViewing(ctx, open)
	}
	return nil
}

// Bind подключает движок и сразу применяет к нему текущий режим.
func (s *State) Bind(ctx context.Context, v Viewer) error {
	s.mu.Lock()
	s.viewer = v
	open := s.open
	s.mu.Unlock()
	if v == nil {
		return nil
	}
	return v.SetViewing(ctx, open)
}

// Reset сбрасывает флаг в памяти и отвязывает движок (ключ в хранилище уже удалён при выходе).
func (s *State) Reset() {
	s.mu.Lock()
	s.open = false
	s.viewer = nil
	s.mu.Unlock()
}
