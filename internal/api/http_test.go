package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportsync/internal/model"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 0)
}

func TestLoginBadCredentialsDoesNotFireHook(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"wrong password"}`))
	})
	fired := false
	c.OnUnauthorized(func(string) { fired = true })

	_, err := c.Login(context.Background(), Credentials{Email: "a@b.c", Password: "x"})
	var af *AuthFailure
	require.True(t, errors.As(err, &af))
	assert.Equal(t, ReasonBadCredentials, af.Reason)
	assert.Equal(t, "wrong password", af.Message)
	assert.False(t, IsUnauthorized(err))
	assert.False(t, fired)
}

func TestAuthedRequestSendsBearerAndFiresHookOn401(t *testing.T) {
	var gotAuth string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	})
	c.SetTokenSource(func() string { return "tok" })
	fired := 0
	var hookToken string
	c.OnUnauthorized(func(tok string) { fired++; hookToken = tok })

	_, err := c.CurrentUser(context.Background())
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, 1, fired)
	assert.Equal(t, "tok", hookToken)

	_, err = c.CurrentUser(WithoutUnauthorizedHook(context.Background()))
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 1, fired)
}

func TestServerErrorIsNetworkFailure(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.GetMessages(context.Background(), 7)
	assert.True(t, IsNetwork(err))
	assert.False(t, IsUnauthorized(err))
}

func TestTransportErrorIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClient(url, 0)
	err := c.MarkRead(context.Background(), 1)
	assert.True(t, IsNetwork(err))
}

func TestExchangeAdditionalInfoRequired(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/google", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "assertion-1", in["credential"])
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"additional_info_required":true,"partial_identity":{"provider":"google","email":"p@x.io","name":"Pat"}}`))
	})
	res, err := c.ExchangeExternalIdentity(context.Background(), "assertion-1")
	require.NoError(t, err)
	assert.True(t, res.AdditionalInfoRequired)
	assert.Nil(t, res.Auth)
	require.NotNil(t, res.PartialIdentity)
	assert.Equal(t, "p@x.io", res.PartialIdentity.Email)
}

func TestSendMessageRoundTrip(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/support/conversations/12/messages", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(model.Message{
			ID: model.Int64(100), ConversationID: 12, ClientKey: in["client_key"],
			SenderType: model.SenderUser, SenderID: "u1", Body: in["body"],
		})
	})
	m, err := c.SendMessage(context.Background(), 12, "Hello", "ck-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), m.IDValue())
	assert.Equal(t, "ck-1", m.ClientKey)
	assert.Equal(t, "Hello", m.Body)
}

func TestValidationFailureFromServer(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"body too long"}`))
	})
	_, err := c.SendMessage(context.Background(), 1, "x", "k")
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "body too long")
}
