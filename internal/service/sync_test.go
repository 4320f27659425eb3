package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportsync/internal/api"
	"github.com/supportsync/internal/chat"
	"github.com/supportsync/internal/clock"
	"github.com/supportsync/internal/model"
	"github.com/supportsync/internal/session"
	"github.com/supportsync/internal/storage"
	"github.com/supportsync/internal/storage/memory"
	"github.com/supportsync/internal/widget"
)

type stubAuth struct{}

func (stubAuth) Login(_ context.Context, c api.Credentials) (*api.AuthResult, error) {
	return &api.AuthResult{Token: "tok-" + c.Email, User: model.User{ID: c.Email}}, nil
}

func (stubAuth) ExchangeExternalIdentity(context.Context, string) (*api.ExchangeResult, error) {
	return nil, &api.AuthFailure{Reason: api.ReasonForbidden}
}

func (stubAuth) Signup(context.Context, api.SignupRequest) (*api.AuthResult, error) {
	return nil, &api.AuthFailure{Reason: api.ReasonForbidden}
}

func (stubAuth) CurrentUser(context.Context) (*model.User, error) {
	return &model.User{ID: "u1"}, nil
}

type stubSupport struct {
	mu        sync.Mutex
	gets      int
	markReads int
	msgs      []model.Message
}

func (s *stubSupport) GetOrCreateConversation(context.Context) (*model.Conversation, error) {
	return &model.Conversation{ID: 5, Status: model.ConversationOpen}, nil
}

func (s *stubSupport) GetMessages(context.Context, int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	return append([]model.Message(nil), s.msgs...), nil
}

func (s *stubSupport) SendMessage(_ context.Context, id int64, body, key string) (*model.Message, error) {
	return &model.Message{ID: model.Int64(50), ConversationID: id, Body: body, ClientKey: key, SenderType: model.SenderUser, SenderID: "u1"}, nil
}

func (s *stubSupport) MarkRead(context.Context, int64) error {
	s.mu.Lock()
	s.markReads++
	s.mu.Unlock()
	return nil
}

func (s *stubSupport) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.markReads
}

func TestSyncFollowsSession(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.New()
	sessions := session.New(session.Options{Store: store, Auth: stubAuth{}, Clock: clk})
	t.Cleanup(sessions.Close)
	support := &stubSupport{}
	w := widget.New(store)

	svc := NewSyncService(SyncOptions{Sessions: sessions, Support: support, Widget: w, Clock: clk})
	svc.Start()
	t.Cleanup(svc.Close)

	var mu sync.Mutex
	var views []chat.View
	svc.OnView(func(v chat.View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})

	_, ok := svc.Conversation()
	assert.False(t, ok)
	_, err := svc.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)

	_, err = sessions.Login(context.Background(), api.Credentials{Email: "u1"})
	require.NoError(t, err)
	// таймер неактивности и таймер опроса
	require.Eventually(t, func() bool { return clk.Pending() == 2 }, time.Second, time.Millisecond)

	support.mu.Lock()
	support.msgs = []model.Message{{ID: model.Int64(9), SenderType: model.SenderAgent, SenderID: "a1", Body: "hello"}}
	support.mu.Unlock()
	clk.Advance(chat.DefaultPollInterval)
	v, _ := svc.Conversation()
	assert.Equal(t, 1, v.Unread)

	require.NoError(t, svc.SetWidgetOpen(context.Background(), true))
	v, _ = svc.Conversation()
	assert.Equal(t, 0, v.Unread)
	assert.True(t, v.Viewing)
	_, marks := support.counts()
	assert.Equal(t, 1, marks)

	m, err := svc.SendMessage(context.Background(), "thanks")
	require.NoError(t, err)
	assert.Equal(t, int64(50), m.IDValue())

	sessions.Logout(context.Background(), false)
	_, ok = svc.Conversation()
	assert.False(t, ok)
	assert.False(t, w.IsOpen())

	gets, _ := support.counts()
	clk.Advance(time.Minute)
	after, _ := support.counts()
	assert.Equal(t, gets, after, "no polling without a session")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, views)
	assert.Nil(t, views[len(views)-1].Conversation)
}

func TestDiscardedRestoreDoesNotReopenWidget(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	store := memory.New()
	ctx := context.Background()
	raw, err := json.Marshal(model.User{ID: "u1"})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, storage.KeyToken, "tok-old"))
	require.NoError(t, store.Set(ctx, storage.KeyUser, string(raw)))
	require.NoError(t, store.Set(ctx, storage.KeyLastActivity, start.Add(-time.Hour).Format(time.RFC3339Nano)))
	require.NoError(t, store.Set(ctx, storage.KeyWidgetOpen, "true"))

	w := widget.New(store)
	open, err := w.Load(ctx)
	require.NoError(t, err)
	require.True(t, open)

	sessions := session.New(session.Options{Store: store, Auth: stubAuth{}, Clock: clk})
	t.Cleanup(sessions.Close)
	support := &stubSupport{msgs: []model.Message{{ID: model.Int64(3), SenderType: model.SenderAgent, SenderID: "a1", Body: "earlier"}}}
	svc := NewSyncService(SyncOptions{Sessions: sessions, Support: support, Widget: w, Clock: clk})
	svc.Start()
	t.Cleanup(svc.Close)

	s, err := sessions.Restore(ctx)
	require.NoError(t, err)
	require.Nil(t, s)
	assert.False(t, w.IsOpen())

	_, err = sessions.Login(ctx, api.Credentials{Email: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clk.Pending() == 2 }, time.Second, time.Millisecond)

	v, ok := svc.Conversation()
	require.True(t, ok)
	assert.False(t, v.Viewing)
	assert.Equal(t, 0, v.Unread)

	support.mu.Lock()
	support.msgs = append(support.msgs, model.Message{ID: model.Int64(4), SenderType: model.SenderAgent, SenderID: "a1", Body: "still there?"})
	support.mu.Unlock()
	clk.Advance(chat.DefaultPollInterval)

	v, _ = svc.Conversation()
	assert.Equal(t, 1, v.Unread)
	_, marks := support.counts()
	assert.Equal(t, 0, marks, "nothing is acknowledged while the widget is minimized")
}
