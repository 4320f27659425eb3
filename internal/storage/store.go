package storage

import (
	"context"
	"errors"
)

// Ключи локального состояния. Все четыре сбрасываются вместе при выходе из сессии.
const (
	KeyToken        = "auth_token"
	KeyUser         = "auth_user"
	KeyLastActivity = "last_activity_at"
	KeyWidgetOpen   = "support_widget_open"
)

// SessionKeys — полный набор ключей, инвалидируемых при logout.
var SessionKeys = []string{KeyToken, KeyUser, KeyLastActivity, KeyWidgetOpen}

// ErrClosed возвращается при обращении к закрытому хранилищу.
var ErrClosed = errors.New("storage closed")

// Store — долговременное key/value хранилище, переживающее перезапуск агента.
// Реализации: memory.Client (тесты, -dev), pebble.Client (по умолчанию), redis.Client, postgres.Client.
// Get возвращает ok=false для отсутствующего ключа без ошибки.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
