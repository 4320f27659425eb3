package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserveKnownSignals(t *testing.T) {
	m := NewMonitor()
	var got []Signal
	unsub := m.OnActivity(func(s Signal) { got = append(got, s) })

	for _, s := range Signals {
		assert.True(t, m.Observe(s))
	}
	assert.False(t, m.Observe("resize"))
	assert.Equal(t, Signals, got)

	unsub()
	m.Observe(Click)
	assert.Len(t, got, len(Signals))
}
