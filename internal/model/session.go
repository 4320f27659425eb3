package model

import "time"

// Session — локальная сессия: токен, пользователь и момент последней активности.
// lastActivityAt не убывает, пока сессия жива.
type Session struct {
	Token          string    `json:"-"`
	User           User      `json:"user"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Valid сообщает, не истекла ли сессия по неактивности к моменту now.
func (s *Session) Valid(now time.Time, timeout time.Duration) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return now.Sub(s.LastActivityAt) < timeout
}

// ExpiresAt — момент, когда сессия истечёт без новой активности.
func (s *Session) ExpiresAt(timeout time.Duration) time.Time {
	return s.LastActivityAt.Add(timeout)
}

// Clone возвращает независимую копию.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.User = s.User.Clone()
	return &c
}
