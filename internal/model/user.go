package model

import "maps"

// Role — роль пользователя в приложении записи (клиент, сотрудник, администратор клиники).
type Role string

const (
	RolePatient Role = "patient"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// User — аутентифицированный пользователь. Attributes — произвольные поля профиля с сервера.
type User struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Name       string         `json:"name,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Clone возвращает копию без общих ссылок на Attributes.
func (u User) Clone() User {
	c := u
	if u.Attributes != nil {
		c.Attributes = maps.Clone(u.Attributes)
	}
	return c
}

// UserPatch — частичное обновление профиля. nil-поля не меняются.
type UserPatch struct {
	Name       *string        `json:"name,omitempty"`
	Email      *string        `json:"email,omitempty"`
	Phone      *string        `json:"phone,omitempty"`
	Role       *Role          `json:"role,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Apply сливает патч в копию пользователя. ID и TenantID не меняются никогда.
func (u User) Apply(p UserPatch) User {
	out := u.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Email != nil {
		out.Email = *p.Email
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.Role != nil {
		out.Role = *p.Role
	}
	if len(p.Attributes) > 0 {
		if out.Attributes == nil {
			out.Attributes = make(map[string]any, len(p.Attributes))
		}
		for k, v := range p.Attributes {
			if v == nil {
				delete(out.Attributes, k)
				continue
			}
			out.Attributes[k] = v
		}
	}
	return out
}
