package models

import "time"

// Access состояние доступа пользователя к сервису.
type Access struct {
	ServiceKey  string    `json:"service"`
	ServiceName string    `json:"name"`
	Active      bool      `json:"active"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	UUID        string    `json:"uuid,omitempty"`
	Link        string    `json:"link,omitempty"`
}
