// Package activity принимает сигналы взаимодействия пользователя и сообщает подписчикам «была активность».
package activity

import "sync"

// Signal — тип сигнала взаимодействия, пришедшего из UI.
type Signal string

const (
	PointerDown Signal = "pointer_down"
	PointerMove Signal = "pointer_move"
	KeyDown     Signal = "key_down"
	Scroll      Signal = "scroll"
	TouchStart  Signal = "touch_start"
	Click       Signal = "click"
)

// Signals — фиксированный набор отслеживаемых сигналов.
var Signals = []Signal{PointerDown, PointerMove, KeyDown, Scroll, TouchStart, Click}

var known = func() map[Signal]struct{} {
	m := make(map[Signal]struct{}, len(Signals))
	for _, s := range Signals {
		m[s] = struct{}{}
	}
	return m
}()

// Valid сообщает, входит ли сигнал в отслеживаемый набор.
func Valid(s Signal) bool {
	_, ok := known[s]
	return ok
}

type Monitor struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]func(Signal)
}

func NewMonitor() *Monitor {
	return &Monitor{listeners: make(map[int]func(Signal))}
}

// OnActivity подписывает fn на каждый принятый сигнал. Возвращает функцию отписки.
func (m *Monitor) OnActivity(fn func(Signal)) func() {
	m.mu.Lock()
	m.next++
	id := m.next
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Observe принимает сигнал из UI. Неизвестные типы отбрасываются (false).
// Без дебаунса: частота ограничена естественной частотой событий.
func (m *Monitor) Observe(s Signal) bool {
	if !Valid(s) {
		return false
	}
	m.mu.RLock()
	fns := make([]func(Signal), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
	return true
}
