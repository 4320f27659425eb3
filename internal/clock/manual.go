package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Manual — часы для тестов поверх clockwork.FakeClock. clockwork запускает колбэки
// AfterFunc в отдельных горутинах; Manual двигает время от дедлайна к дедлайну и
// после каждого шага ждёт, пока сработавшие колбэки завершатся. Таймеры, взведённые
// из колбэка внутри окна Advance, срабатывают в том же вызове.
type Manual struct {
	fc *clockwork.FakeClock

	mu    sync.Mutex
	done  *sync.Cond
	armed map[*manualTimer]struct{}
}

type manualTimer struct {
	m  *Manual
	t  clockwork.Timer
	at time.Time
}

func NewManual(start time.Time) *Manual {
	m := &Manual{
		fc:    clockwork.NewFakeClockAt(start),
		armed: make(map[*manualTimer]struct{}),
	}
	m.done = sync.NewCond(&m.mu)
	return m
}

func (m *Manual) Now() time.Time { return m.fc.Now() }

// AfterFunc взводит таймер под m.mu: Advance не может сдвинуть время между чтением
// текущего момента и регистрацией таймера в clockwork.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := &manualTimer{m: m, at: m.fc.Now().Add(d)}
	m.armed[mt] = struct{}{}
	mt.t = m.fc.AfterFunc(d, func() {
		defer m.release(mt)
		f()
	})
	return mt
}

func (t *manualTimer) Stop() bool {
	if !t.t.Stop() {
		return false
	}
	t.m.release(t)
	return true
}

func (m *Manual) release(mt *manualTimer) {
	m.mu.Lock()
	delete(m.armed, mt)
	m.done.Broadcast()
	m.mu.Unlock()
}

// Pending — число взведённых таймеров, дедлайн которых ещё не наступил.
func (m *Manual) Pending() int {
	now := m.fc.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for mt := range m.armed {
		if mt.at.After(now) {
			n++
		}
	}
	return n
}

// Set переводит часы вперёд до t. Назад время не идёт.
func (m *Manual) Set(t time.Time) {
	if d := t.Sub(m.fc.Now()); d > 0 {
		m.Advance(d)
	}
}

// Advance сдвигает время на d и возвращается, когда все колбэки с дедлайном
// в пределах окна отработали.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.fc.Now().Add(d)
	m.settleLocked(m.fc.Now())
	for {
		next, ok := m.nextDeadlineLocked(end)
		if !ok {
			break
		}
		m.fc.Advance(next.Sub(m.fc.Now()))
		m.settleLocked(next)
	}
	if rest := end.Sub(m.fc.Now()); rest > 0 {
		m.fc.Advance(rest)
	}
}

func (m *Manual) nextDeadlineLocked(end time.Time) (time.Time, bool) {
	now := m.fc.Now()
	var next time.Time
	found := false
	for mt := range m.armed {
		if !mt.at.After(now) || mt.at.After(end) {
			continue
		}
		if !found || mt.at.Before(next) {
			next, found = mt.at, true
		}
	}
	return next, found
}

// settleLocked ждёт завершения колбэков с дедлайном не позже t.
func (m *Manual) settleLocked(t time.Time) {
	for m.dueLocked(t) {
		m.done.Wait()
	}
}

func (m *Manual) dueLocked(t time.Time) bool {
	for mt := range m.armed {
		if !mt.at.After(t) {
			return true
		}
	}
	return false
}
