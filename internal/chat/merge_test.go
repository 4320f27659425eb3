package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportsync/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func serverMsg(id int64, st model.SenderType, sid, body string, at time.Time) model.Message {
	return model.Message{ID: model.Int64(id), ConversationID: 7, SenderType: st, SenderID: sid, Body: body, CreatedAt: model.Time(at)}
}

func optimistic(key, body string, at time.Time, afterID int64) pendingEntry {
	return pendingEntry{
		msg:     model.Message{ClientKey: key, ConversationID: 7, SenderType: model.SenderUser, SenderID: "u1", Body: body, Pending: true},
		sentAt:  at,
		afterID: afterID,
	}
}

func TestSupersedes(t *testing.T) {
	p := optimistic("k1", "Hello", t0, 10)

	assert.True(t, supersedes(p, serverMsg(11, model.SenderUser, "u1", "Hello", t0.Add(time.Second)), time.Minute))

	keyed := serverMsg(12, model.SenderUser, "u1", "different text", t0)
	keyed.ClientKey = "k1"
	assert.True(t, supersedes(p, keyed, time.Minute))

	otherKey := serverMsg(13, model.SenderUser, "u1", "Hello", t0)
	otherKey.ClientKey = "k2"
	assert.False(t, supersedes(p, otherKey, time.Minute))

	assert.False(t, supersedes(p, serverMsg(10, model.SenderUser, "u1", "Hello", t0), time.Minute), "known before send")
	assert.False(t, supersedes(p, serverMsg(14, model.SenderAgent, "a1", "Hello", t0), time.Minute))
	assert.False(t, supersedes(p, serverMsg(15, model.SenderUser, "u1", "Hello", t0.Add(2*time.Minute)), time.Minute))
	assert.False(t, supersedes(p, serverMsg(16, model.SenderUser, "u1", "Hello!", t0), time.Minute))
}

func TestReconcileIsOneToOne(t *testing.T) {
	pending := []pendingEntry{
		optimistic("k1", "ok", t0, 5),
		optimistic("k2", "ok", t0.Add(time.Second), 5),
	}
	byID := map[int64]model.Message{6: serverMsg(6, model.SenderUser, "u1", "ok", t0)}
	claimed := map[int64]struct{}{}

	left := reconcile(pending, byID, claimed, time.Minute)
	require.Len(t, left, 1)
	assert.Equal(t, "k2", left[0].msg.ClientKey)
	assert.Contains(t, claimed, int64(6))

	// тот же ответ сервера повторно не снимает вторую запись
	left = reconcile(left, byID, claimed, time.Minute)
	require.Len(t, left, 1)

	byID[7] = serverMsg(7, model.SenderUser, "u1", "ok", t0.Add(time.Second))
	left = reconcile(left, byID, claimed, time.Minute)
	assert.Empty(t, left)
}

func TestReconcilePrefersKeyMatch(t *testing.T) {
	pending := []pendingEntry{
		optimistic("k1", "ok", t0, 0),
		optimistic("k2", "ok", t0, 0),
	}
	keyed := serverMsg(1, model.SenderUser, "u1", "ok", t0)
	keyed.ClientKey = "k2"
	byID := map[int64]model.Message{1: keyed}

	left := reconcile(pending, byID, map[int64]struct{}{}, time.Minute)
	require.Len(t, left, 1)
	assert.Equal(t, "k1", left[0].msg.ClientKey)
}

func TestMergedListOrdering(t *testing.T) {
	byID := map[int64]model.Message{
		3: serverMsg(3, model.SenderAgent, "a1", "c", t0.Add(2*time.Second)),
		1: serverMsg(1, model.SenderAgent, "a1", "a", t0),
		2: serverMsg(2, model.SenderUser, "u1", "b", t0),
		4: {ID: model.Int64(4), Body: "no time"},
	}
	pending := []pendingEntry{optimistic("k1", "first", t0, 4), optimistic("k2", "second", t0, 4)}

	got := mergedList(byID, pending)
	bodies := make([]string, 0, len(got))
	for _, m := range got {
		bodies = append(bodies, m.Body)
	}
	assert.Equal(t, []string{"a", "b", "c", "no time", "first", "second"}, bodies)
}
