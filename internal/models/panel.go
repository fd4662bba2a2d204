package models

import "time"

// ProvisionRequest описывает желаемое состояние клиента панели.
// ExpiresAt абсолютная дата, клиент никогда не продлевается дальше неё
// и никогда не укорачивается.
type ProvisionRequest struct {
	IdentityKey string
	InboundID   int
	UserID      int64
	Protocol    string
	ServerHost  string
	ExpiresAt   time.Time
}

// ClientCredentials данные клиента VPN-панели, возвращаемые пользователю.
type ClientCredentials struct {
	UUID        string    `json:"uuid"`
	IdentityKey string    `json:"identity_key"`
	InboundID   int       `json:"inbound_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Link        string    `json:"link,omitempty"`
	Created     bool      `json:"-"` // true, если клиент был создан этим вызовом
}
