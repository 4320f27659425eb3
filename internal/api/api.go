// Package api описывает внешних коллабораторов агента (auth и support API приложения)
// и их HTTP-реализацию. Остальные пакеты зависят только от интерфейсов.
package api

import (
	"context"

	"github.com/supportsync/internal/model"
)

// Credentials — вход по email и паролю.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult — успешная аутентификация: токен и пользователь.
type AuthResult struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// PartialIdentity — данные внешнего провайдера, которых не хватило для входа.
// Возвращаются вызывающему коду для завершения регистрации.
type PartialIdentity struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture,omitempty"`
}

// ExchangeResult — ответ обмена внешнего утверждения: либо сессия, либо запрос доп. данных.
type ExchangeResult struct {
	Auth                   *AuthResult      `json:"auth,omitempty"`
	AdditionalInfoRequired bool             `json:"additional_info_required"`
	PartialIdentity        *PartialIdentity `json:"partial_identity,omitempty"`
}

// SignupRequest завершает регистрацию после AdditionalInfoRequired (или обычную регистрацию).
type SignupRequest struct {
	Identity   *PartialIdentity `json:"identity,omitempty"`
	Email      string           `json:"email"`
	Name       string           `json:"name"`
	Phone      string           `json:"phone,omitempty"`
	Password   string           `json:"password,omitempty"`
	TenantSlug string           `json:"tenant_slug,omitempty"`
}

type AuthAPI interface {
	Login(ctx context.Context, c Credentials) (*AuthResult, error)
	ExchangeExternalIdentity(ctx context.Context, assertion string) (*ExchangeResult, error)
	Signup(ctx context.Context, req SignupRequest) (*AuthResult, error)
	CurrentUser(ctx context.Context) (*model.User, error)
}

type SupportAPI interface {
	GetOrCreateConversation(ctx context.Context) (*model.Conversation, error)
	GetMessages(ctx context.Context, conversationID int64) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID int64, body, clientKey string) (*model.Message, error)
	MarkRead(ctx context.Context, conversationID int64) error
}
