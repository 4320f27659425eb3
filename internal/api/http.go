package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/model"
)

type ctxKey string

const skipHookKey ctxKey = "skip_unauthorized_hook"

// WithoutUnauthorizedHook помечает контекст: 401 на этом запросе не вызывает общий хук,
// вызывающий код обработает отказ сам.
func WithoutUnauthorizedHook(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipHookKey, true)
}

func hookSkipped(ctx context.Context) bool {
	v, _ := ctx.Value(skipHookKey).(bool)
	return v
}

// Client — HTTP-клиент API приложения. Реализует AuthAPI и SupportAPI.
// Токен берётся из tokenSource на каждый запрос; 401 на авторизованном запросе вызывает onUnauthorized.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu             sync.RWMutex
	tokenSource    func() string
	onUnauthorized func(token string)
}

// NewClient создаёт клиент. timeout <= 0 — 10 секунд.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetTokenSource задаёт источник bearer-токена (менеджер сессии).
func (c *Client) SetTokenSource(fn func() string) {
	c.mu.Lock()
	c.tokenSource = fn
	c.mu.Unlock()
}

// OnUnauthorized задаёт хук на отказ авторизации (уничтожение сессии и уведомление UI).
// В хук передаётся токен, с которым ушёл отклонённый запрос.
func (c *Client) OnUnauthorized(fn func(token string)) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokenSource == nil {
		return ""
	}
	return c.tokenSource()
}

func (c *Client) fireUnauthorized(token string) {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn(token)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	return strings.TrimSpace(string(data))
}

// do выполняет запрос. authed=true — запрос от имени сессии (401 означает отказ сессии).
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, authed bool) (int, error) {
	defer logger.DeferLogDuration("api."+op, time.Now())()
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := ""
	if authed {
		token = c.token()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &NetworkFailure{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("%s: decode: %w", op, err)
		}
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusUnauthorized:
		msg := readErrorMessage(resp.Body)
		if !authed {
			return resp.StatusCode, &AuthFailure{Reason: ReasonBadCredentials, Message: msg}
		}
		if token != "" && !hookSkipped(ctx) {
			c.fireUnauthorized(token)
		}
		return resp.StatusCode, &AuthFailure{Reason: ReasonUnauthorized, Message: msg}
	case resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, &AuthFailure{Reason: ReasonForbidden, Message: readErrorMessage(resp.Body)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return resp.StatusCode, &ValidationFailure{Message: readErrorMessage(resp.Body)}
	case resp.StatusCode >= 500:
		return resp.StatusCode, &NetworkFailure{Op: op, Status: resp.StatusCode}
	default:
		return resp.StatusCode, &StatusError{Op: op, Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
}

func (c *Client) Login(ctx context.Context, cr Credentials) (*AuthResult, error) {
	var res AuthResult
	if _, err := c.do(ctx, "Login", http.MethodPost, "/api/auth/login", cr, &res, false); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, &AuthFailure{Reason: ReasonBadCredentials, Message: "empty token"}
	}
	return &res, nil
}

// ExchangeExternalIdentity обменивает утверждение внешнего провайдера (Google ID token) на сессию.
// 202 или additional_info_required=true — нужен Signup с возвращённой PartialIdentity.
func (c *Client) ExchangeExternalIdentity(ctx context.Context, assertion string) (*ExchangeResult, error) {
	var raw struct {
		AuthResult
		AdditionalInfoRequired bool             `json:"additional_info_required"`
		PartialIdentity        *PartialIdentity `json:"partial_identity"`
	}
	status, err := c.do(ctx, "ExchangeExternalIdentity", http.MethodPost, "/api/auth/google",
		map[string]string{"credential": assertion}, &raw, false)
	if err != nil {
		return nil, err
	}
	if raw.AdditionalInfoRequired || status == http.StatusAccepted {
		return &ExchangeResult{AdditionalInfoRequired: true, PartialIdentity: raw.PartialIdentity}, nil
	}
	if raw.Token == "" {
		return nil, &AuthFailure{Reason: ReasonBadCredentials, Message: "empty token"}
	}
	return &ExchangeResult{Auth: &AuthResult{Token: raw.Token, User: raw.User}}, nil
}

func (c *Client) Signup(ctx context.Context, req SignupRequest) (*AuthResult, error) {
	var res AuthResult
	if _, err := c.do(ctx, "Signup", http.MethodPost, "/api/auth/signup", req, &res, false); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, &AuthFailure{Reason: ReasonBadCredentials, Message: "empty token"}
	}
	return &res, nil
}

func (c *Client) CurrentUser(ctx context.Context) (*model.User, error) {
	var u model.User
	if _, err := c.do(ctx, "CurrentUser", http.MethodGet, "/api/auth/me", nil, &u, true); err != nil {
		return nil, err
	}
	return &u, nil
}

func conversationPath(id int64, suffix string) string {
	return "/api/support/conversations/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) GetOrCreateConversation(ctx context.Context) (*model.Conversation, error) {
	var conv model.Conversation
	if _, err := c.do(ctx, "GetOrCreateConversation", http.MethodPost, "/api/support/conversations", nil, &conv, true); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) GetMessages(ctx context.Context, conversationID int64) ([]model.Message, error) {
	msgs := make([]model.Message, 0, 32)
	if _, err := c.do(ctx, "GetMessages", http.MethodGet, conversationPath(conversationID, "/messages"), nil, &msgs, true); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID int64, body, clientKey string) (*model.Message, error) {
	in := map[string]string{"body": body, "client_key": clientKey}
	var m model.Message
	if _, err := c.do(ctx, "SendMessage", http.MethodPost, conversationPath(conversationID, "/messages"), in, &m, true); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64) error {
	_, err := c.do(ctx, "MarkRead", http.MethodPost, conversationPath(conversationID, "/read"), nil, nil, true)
	return err
}
