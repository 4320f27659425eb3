package model

type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation — обращение в поддержку. После закрытия не переоткрывается.
type Conversation struct {
	ID     int64              `json:"id"`
	Status ConversationStatus `json:"status"`
}

func (c Conversation) Closed() bool { return c.Status == ConversationClosed }

// ReadState — водяной знак прочтения по одному обращению.
// Непрочитанные = сообщения с id > LastReadMessageID (id монотонно растут внутри обращения).
type ReadState struct {
	ConversationID    int64  `json:"conversation_id"`
	LastReadMessageID *int64 `json:"last_read_message_id"`
	UnreadCount       int    `json:"unread_count"`
}
