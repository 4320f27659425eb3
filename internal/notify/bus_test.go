package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBusFiltersByKind(t *testing.T) {
	b := NewBus()
	var forced, all []Kind
	b.Subscribe(func(e Event) { forced = append(forced, e.Kind) }, KindForcedLogout)
	b.Subscribe(func(e Event) { all = append(all, e.Kind) })

	b.Publish(Event{Kind: KindUnauthorized, At: time.Now()})
	b.Publish(Event{Kind: KindForcedLogout, At: time.Now()})

	assert.Equal(t, []Kind{KindForcedLogout}, forced)
	assert.Equal(t, []Kind{KindUnauthorized, KindForcedLogout}, all)
}

func TestBusUnsubscribe(t *testing.T) {
	var b Bus
	n := 0
	unsub := b.Subscribe(func(Event) { n++ })
	b.Publish(Event{Kind: KindForcedLogout})
	unsub()
	unsub()
	b.Publish(Event{Kind: KindForcedLogout})
	assert.Equal(t, 1, n)
}

func TestBusSurvivesPanickingSubscriber(t *testing.T) {
	b := NewBus()
	got := 0
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { got++ })
	assert.NotPanics(t, func() { b.Publish(Event{Kind: KindUnauthorized}) })
	assert.Equal(t, 1, got)
}
