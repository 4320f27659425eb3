package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportsync/internal/api"
	"github.com/supportsync/internal/clock"
	"github.com/supportsync/internal/model"
)

type fakeSupport struct {
	mu        sync.Mutex
	conv      model.Conversation
	msgs      []model.Message
	getErrs   []error
	getCalls  int
	getGate   chan struct{}
	getActive int
	getPeak   int
	send      func(body, key string) (*model.Message, error)
	sendCalls int
	markReads int
}

func newFakeSupport() *fakeSupport {
	return &fakeSupport{conv: model.Conversation{ID: 7, Status: model.ConversationOpen}}
}

func (f *fakeSupport) GetOrCreateConversation(context.Context) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conv
	return &c, nil
}

func (f *fakeSupport) GetMessages(_ context.Context, _ int64) ([]model.Message, error) {
	f.mu.Lock()
	f.getCalls++
	f.getActive++
	if f.getActive > f.getPeak {
		f.getPeak = f.getActive
	}
	gate := f.getGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getActive--
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]model.Message(nil), f.msgs...), nil
}

func (f *fakeSupport) SendMessage(_ context.Context, _ int64, body, key string) (*model.Message, error) {
	f.mu.Lock()
	f.sendCalls++
	send := f.send
	f.mu.Unlock()
	if send == nil {
		return &model.Message{ID: model.Int64(1000), Body: body, ClientKey: key, SenderType: model.SenderUser, SenderID: "u1"}, nil
	}
	return send(body, key)
}

func (f *fakeSupport) MarkRead(context.Context, int64) error {
	f.mu.Lock()
	f.markReads++
	f.mu.Unlock()
	return nil
}

func (f *fakeSupport) setMessages(msgs ...model.Message) {
	f.mu.Lock()
	f.msgs = msgs
	f.mu.Unlock()
}

func (f *fakeSupport) calls() (get, send, mark int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls, f.sendCalls, f.markReads
}

func agentMsgs(ids ...int64) []model.Message {
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, serverMsg(id, model.SenderAgent, "a1", "reply", t0.Add(time.Duration(id)*time.Second)))
	}
	return out
}

func newEngine(t *testing.T, f *fakeSupport, clk *clock.Manual) *Engine {
	t.Helper()
	e := New(Options{
		API:        f,
		Clock:      clk,
		Self:       Sender{Type: model.SenderUser, ID: "u1"},
		ExcludeOwn: true,
	})
	t.Cleanup(e.Close)
	return e
}

func TestClosedModeUnreadThenOpenAcknowledges(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	f.setMessages(agentMsgs(40, 41)...)
	e := newEngine(t, f, clk)

	_, err := e.Open(context.Background())
	require.NoError(t, err)
	v := e.Snapshot()
	require.NotNil(t, v.LastReadMessageID)
	assert.Equal(t, int64(41), *v.LastReadMessageID)
	assert.Equal(t, 0, v.Unread)

	f.setMessages(agentMsgs(40, 41, 42, 43)...)
	require.NoError(t, e.Poll(context.Background()))
	v = e.Snapshot()
	assert.Equal(t, 2, v.Unread)
	assert.Equal(t, int64(41), *v.LastReadMessageID)
	_, _, marks := f.calls()
	assert.Equal(t, 0, marks)

	require.NoError(t, e.SetViewing(context.Background(), true))
	v = e.Snapshot()
	assert.Equal(t, 0, v.Unread)
	assert.Equal(t, int64(43), *v.LastReadMessageID)
	_, _, marks = f.calls()
	assert.Equal(t, 1, marks)
	assert.Len(t, v.Messages, 4)
}

func TestOptimisticSendReconciledByPoll(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	f.send = func(body, key string) (*model.Message, error) {
		// сервер принял, но не вернул сохранённое сообщение
		return &model.Message{Body: body}, nil
	}
	e := newEngine(t, f, clk)
	_, err := e.Open(context.Background())
	require.NoError(t, err)

	_, err = e.Send(context.Background(), "Hello")
	require.NoError(t, err)
	v := e.Snapshot()
	require.Len(t, v.Messages, 1)
	assert.True(t, v.Messages[0].Optimistic())
	assert.True(t, v.Messages[0].Pending)

	f.setMessages(serverMsg(100, model.SenderUser, "u1", "Hello", t0.Add(time.Second)))
	require.NoError(t, e.Poll(context.Background()))
	v = e.Snapshot()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, int64(100), v.Messages[0].IDValue())
	assert.False(t, v.Messages[0].Pending)
	assert.Equal(t, 0, v.Unread)
}

func TestSendResponseAfterPollKeepsSingleEntry(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	gate := make(chan struct{})
	f.send = func(body, key string) (*model.Message, error) {
		<-gate
		return &model.Message{ID: model.Int64(100), Body: body, SenderType: model.SenderUser, SenderID: "u1", CreatedAt: model.Time(t0)}, nil
	}
	e := newEngine(t, f, clk)
	_, err := e.Open(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Send(context.Background(), "Hello")
		done <- err
	}()
	require.Eventually(t, func() bool { return len(e.Snapshot().Messages) == 1 }, time.Second, time.Millisecond)

	f.setMessages(serverMsg(100, model.SenderUser, "u1", "Hello", t0))
	require.NoError(t, e.Poll(context.Background()))
	require.Len(t, e.Snapshot().Messages, 1)

	close(gate)
	require.NoError(t, <-done)
	v := e.Snapshot()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, int64(100), v.Messages[0].IDValue())
}

func TestSendFailureRemovesOptimisticAndReturnsInput(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	f.send = func(string, string) (*model.Message, error) {
		return nil, &api.NetworkFailure{Op: "SendMessage", Err: errors.New("offline")}
	}
	e := newEngine(t, f, clk)
	_, err := e.Open(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var lengths []int
	e.Subscribe(func(v View) {
		mu.Lock()
		lengths = append(lengths, len(v.Messages))
		mu.Unlock()
	})

	_, err = e.Send(context.Background(), "  Hi there ")
	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "  Hi there ", se.Body)
	assert.True(t, api.IsNetwork(err))
	assert.Empty(t, e.Snapshot().Messages)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, lengths)
}

func TestSendValidation(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	e := newEngine(t, f, clk)

	_, err := e.Send(context.Background(), "hi")
	assert.True(t, api.IsValidation(err), "no conversation yet")

	_, err = e.Open(context.Background())
	require.NoError(t, err)

	_, err = e.Send(context.Background(), "   ")
	assert.True(t, api.IsValidation(err))

	long := make([]rune, DefaultMaxBodyLength+1)
	for i := range long {
		long[i] = 'я'
	}
	_, err = e.Send(context.Background(), string(long))
	assert.True(t, api.IsValidation(err))

	_, sends, _ := f.calls()
	assert.Equal(t, 0, sends)

	closedConv := newFakeSupport()
	closedConv.conv.Status = model.ConversationClosed
	e2 := newEngine(t, closedConv, clk)
	_, err = e2.Open(context.Background())
	require.NoError(t, err)
	_, err = e2.Send(context.Background(), "hi")
	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "hi", se.Body)
	assert.True(t, api.IsValidation(err))
}

func TestPollLoopSurvivesFailuresAndStopsOnClose(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	e := newEngine(t, f, clk)
	_, err := e.Open(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	f.getErrs = []error{
		&api.AuthFailure{Reason: api.ReasonUnauthorized},
		&api.NetworkFailure{Op: "GetMessages", Status: 503},
	}
	f.mu.Unlock()
	f.setMessages(agentMsgs(1, 2)...)

	clk.Advance(3 * DefaultPollInterval)
	gets, _, _ := f.calls()
	assert.Equal(t, 4, gets)
	assert.Equal(t, 2, e.Snapshot().Unread)
	assert.Equal(t, 1, clk.Pending())

	e.Close()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	gets, _, _ = f.calls()
	assert.Equal(t, 4, gets)
	assert.ErrorIs(t, e.Poll(context.Background()), ErrClosed)
}

func TestOlderPollResponseDoesNotRegress(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	e := newEngine(t, f, clk)
	_, err := e.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.SetViewing(context.Background(), true))

	f.setMessages(agentMsgs(1, 2, 3)...)
	require.NoError(t, e.Poll(context.Background()))
	f.setMessages(agentMsgs(1, 2)...)
	require.NoError(t, e.Poll(context.Background()))

	v := e.Snapshot()
	assert.Len(t, v.Messages, 3)
	assert.Equal(t, int64(3), *v.LastReadMessageID)
}

func TestPollInFlightQueuesNextOne(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	e := newEngine(t, f, clk)
	_, err := e.Open(context.Background())
	require.NoError(t, err)

	gate := make(chan struct{})
	f.mu.Lock()
	f.getGate = gate
	f.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.Poll(context.Background()) }()
	require.Eventually(t, func() bool {
		gets, _, _ := f.calls()
		return gets == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, e.Poll(context.Background()))
	require.NoError(t, e.Poll(context.Background()))
	gets, _, _ := f.calls()
	assert.Equal(t, 2, gets)

	close(gate)
	require.NoError(t, <-done)
	gets, _, _ = f.calls()
	assert.Equal(t, 3, gets)
}

func TestOwnMessagesAreNotUnread(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	e := newEngine(t, f, clk)
	_, err := e.Open(context.Background())
	require.NoError(t, err)

	f.setMessages(
		serverMsg(1, model.SenderUser, "u1", "question", t0),
		serverMsg(2, model.SenderAgent, "a1", "answer", t0.Add(time.Second)),
	)
	require.NoError(t, e.Poll(context.Background()))
	assert.Equal(t, 1, e.ReadState().UnreadCount)
}

func TestUnreadCountsEverythingAboveWatermarkByDefault(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	e := New(Options{API: f, Clock: clk, Self: Sender{Type: model.SenderUser, ID: "u1"}})
	t.Cleanup(e.Close)
	_, err := e.Open(context.Background())
	require.NoError(t, err)

	f.setMessages(
		serverMsg(1, model.SenderUser, "u1", "question", t0),
		serverMsg(2, model.SenderAgent, "a1", "answer", t0.Add(time.Second)),
	)
	require.NoError(t, e.Poll(context.Background()))
	assert.Equal(t, 2, e.ReadState().UnreadCount)

	require.NoError(t, e.SetViewing(context.Background(), true))
	require.NoError(t, e.SetViewing(context.Background(), false))
	f.setMessages(
		serverMsg(1, model.SenderUser, "u1", "question", t0),
		serverMsg(2, model.SenderAgent, "a1", "answer", t0.Add(time.Second)),
		serverMsg(3, model.SenderUser, "u1", "thanks", t0.Add(2*time.Second)),
	)
	require.NoError(t, e.Poll(context.Background()))
	rs := e.ReadState()
	assert.Equal(t, int64(2), *rs.LastReadMessageID)
	assert.Equal(t, 1, rs.UnreadCount)
}

func TestPollDuringInitialLoadIsQueued(t *testing.T) {
	clk := clock.NewManual(t0)
	f := newFakeSupport()
	f.setMessages(agentMsgs(5, 6)...)
	gate := make(chan struct{})
	f.getGate = gate
	e := newEngine(t, f, clk)

	opened := make(chan error, 1)
	go func() {
		_, err := e.Open(context.Background())
		opened <- err
	}()
	require.Eventually(t, func() bool {
		gets, _, _ := f.calls()
		return gets == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, e.SetViewing(context.Background(), true))
	require.NoError(t, e.Poll(context.Background()))
	gets, _, _ := f.calls()
	assert.Equal(t, 1, gets, "initial load still owns the poll slot")

	f.setMessages(agentMsgs(5, 6, 7)...)
	close(gate)
	require.NoError(t, <-opened)

	gets, _, marks := f.calls()
	assert.Equal(t, 2, gets)
	assert.GreaterOrEqual(t, marks, 1)
	f.mu.Lock()
	assert.Equal(t, 1, f.getPeak)
	f.mu.Unlock()
	v := e.Snapshot()
	assert.Equal(t, int64(7), *v.LastReadMessageID)
	assert.Equal(t, 0, v.Unread)
}
