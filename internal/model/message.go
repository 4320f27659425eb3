package model

import "time"

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// Message — сообщение обращения. ID и CreatedAt пусты, пока сервер не сохранил сообщение
// (оптимистичная запись). ClientKey — ключ идемпотентности, генерируется клиентом при отправке.
type Message struct {
	ID             *int64     `json:"id"`
	ClientKey      string     `json:"client_key,omitempty"`
	ConversationID int64      `json:"conversation_id"`
	SenderType     SenderType `json:"sender_type"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body"`
	CreatedAt      *time.Time `json:"created_at"`
	Pending        bool       `json:"pending,omitempty"`
}

// Optimistic — сообщение ещё не подтверждено сервером.
func (m Message) Optimistic() bool { return m.ID == nil }

// IDValue возвращает id или 0 для оптимистичной записи.
func (m Message) IDValue() int64 {
	if m.ID == nil {
		return 0
	}
	return *m.ID
}

// SameSender сравнивает отправителя по типу и id.
func (m Message) SameSender(o Message) bool {
	return m.SenderType == o.SenderType && m.SenderID == o.SenderID
}

// Int64 — хелпер для литералов *int64 в тестах и фикстурах.
func Int64(v int64) *int64 { return &v }

// Time — хелпер для литералов *time.Time.
func Time(t time.Time) *time.Time { return &t }
