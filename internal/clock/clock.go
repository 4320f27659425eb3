// Package clock — источник времени и отменяемых отложенных вызовов поверх clockwork.
// Менеджер сессии и движок синхронизации получают Clock извне, в тестах подставляется Manual.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer — отложенный вызов. Stop возвращает false, если вызов уже состоялся или был отменён.
type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct {
	c clockwork.Clock
}

func Real() Clock {
	return realClock{c: clockwork.NewRealClock()}
}

func (r realClock) Now() time.Time { return r.c.Now() }

func (r realClock) AfterFunc(d time.Duration, f func()) Timer { return r.c.AfterFunc(d, f) }
